package quickpulse

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const DefaultSendQueueSize = 256

var postDocumentsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "ocp_live_post_documents_dropped_total",
	Help: "Total number of live metrics documents dropped because the send queue was full",
})

func init() {
	prometheus.MustRegister(postDocumentsDroppedTotal)
}

// PostDocument is one prepared post body plus the endpoint it targets.
type PostDocument struct {
	Body     []byte
	Redirect string
	Time     time.Time
}

// DataSender performs live metrics posts on its own goroutine so a slow
// network call never stalls the coordinator. It keeps the HeaderInfo of the
// latest post for the coordinator to inspect.
type DataSender struct {
	client   *http.Client
	endpoint string
	id       Identity
	logger   *slog.Logger
	queue    chan PostDocument

	mu   sync.Mutex
	last HeaderInfo
}

func NewDataSender(client *http.Client, endpoint string, id Identity, queueSize int, logger *slog.Logger) *DataSender {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DataSender{
		client:   client,
		endpoint: endpoint,
		id:       id,
		logger:   logger,
		queue:    make(chan PostDocument, queueSize),
		last:     HeaderInfo{Status: StatusOff},
	}
}

// Offer queues doc without blocking and reports false when the queue is full.
func (s *DataSender) Offer(doc PostDocument) bool {
	select {
	case s.queue <- doc:
		return true
	default:
		postDocumentsDroppedTotal.Inc()
		return false
	}
}

// StartSending marks the stream as subscribed ahead of the first post.
func (s *DataSender) StartSending() {
	s.setLast(HeaderInfo{Status: StatusOn})
}

func (s *DataSender) HeaderInfo() HeaderInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *DataSender) setLast(info HeaderInfo) {
	s.mu.Lock()
	s.last = info
	s.mu.Unlock()
}

// Run drains the send queue until ctx is done. Documents that arrive while
// the stream is not subscribed are discarded.
func (s *DataSender) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case doc := <-s.queue:
			if s.HeaderInfo().Status != StatusOn {
				continue
			}
			info := call(ctx, s.client, s.endpoint, doc.Redirect, "post", s.id, doc.Time, doc.Body)
			if ctx.Err() != nil {
				return
			}
			if info.Status == StatusError {
				s.logger.Debug("live metrics post failed")
			}
			s.setLast(info)
		}
	}
}
