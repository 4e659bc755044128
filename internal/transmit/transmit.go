// Package transmit sends encoded telemetry batches to the ingestion service.
package transmit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kon-rad/openclaw-pulse/internal/bufferpool"
	"github.com/kon-rad/openclaw-pulse/internal/encode"
	"github.com/kon-rad/openclaw-pulse/internal/result"
	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

const TrackPath = "/v2.1/track"

var (
	batchesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ocp_transmit_batches_total",
		Help: "Total number of batches sent to the ingestion endpoint, by outcome",
	}, []string{"outcome"})

	bytesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocp_transmit_bytes_total",
		Help: "Total number of payload bytes sent to the ingestion endpoint",
	})

	encodeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocp_transmit_encode_failures_total",
		Help: "Total number of batches abandoned because they could not be encoded",
	})

	persistedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocp_transmit_persisted_total",
		Help: "Total number of failed payloads saved to the fallback store",
	})
)

func init() {
	prometheus.MustRegister(batchesSentTotal)
	prometheus.MustRegister(bytesSentTotal)
	prometheus.MustRegister(encodeFailuresTotal)
	prometheus.MustRegister(persistedTotal)
}

// ErrStatus matches every *StatusError with errors.Is.
var ErrStatus = errors.New("ingestion service rejected payload")

// StatusError reports a non-success HTTP status from the ingestion service.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingestion status %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	return ErrStatus
}

// Retryable reports whether a send that failed with err may succeed later.
// Transport errors are retryable; statuses only when the service signals a
// transient condition.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}

// Store keeps payloads that could not be delivered.
type Store interface {
	Persist(ctx context.Context, body []byte, contentEncoding string) error
}

type Option func(*Transmitter)

func WithHTTPClient(client *http.Client) Option {
	return func(t *Transmitter) {
		if client != nil {
			t.client = client
		}
	}
}

func WithStore(store Store) Option {
	return func(t *Transmitter) { t.store = store }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transmitter) {
		if logger != nil {
			t.logger = logger
		}
	}
}

type Transmitter struct {
	url     string
	client  *http.Client
	pool    *bufferpool.Pool
	encoder *encode.Encoder
	store   Store
	logger  *slog.Logger

	inflight sync.WaitGroup
}

func New(endpoint string, pool *bufferpool.Pool, encoder *encode.Encoder, opts ...Option) *Transmitter {
	t := &Transmitter{
		url:     TrackURL(endpoint),
		client:  &http.Client{Timeout: 30 * time.Second},
		pool:    pool,
		encoder: encoder,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func TrackURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + TrackPath
}

// Export encodes and sends one batch. It satisfies ingest.Exporter.
func (t *Transmitter) Export(ctx context.Context, records []telemetry.Record) *result.Result {
	if len(records) == 0 {
		return result.Succeeded()
	}
	bufs, err := t.encoder.Encode(records)
	if err != nil {
		encodeFailuresTotal.Inc()
		t.logger.Error("encode batch failed", "batch_size", len(records), "error", err)
		return result.Failed(err)
	}
	return t.Send(ctx, bufs)
}

// Send takes ownership of bufs and posts them as one payload. The buffers are
// released exactly once when the request finishes, whatever the outcome.
func (t *Transmitter) Send(ctx context.Context, bufs []*bufferpool.Buffer) *result.Result {
	res := result.New()
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		defer t.pool.Release(bufs...)

		err := t.send(ctx, bufs)
		if err != nil {
			batchesSentTotal.WithLabelValues("failure").Inc()
			t.logger.Warn("send batch failed", "error", err)
			if t.store != nil && Retryable(err) {
				t.persist(ctx, bufs)
			}
			res.Fail(err)
			return
		}
		batchesSentTotal.WithLabelValues("success").Inc()
		res.Succeed()
	}()
	return res
}

// Shutdown waits for in-flight sends to finish.
func (t *Transmitter) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight sends: %w", ctx.Err())
	}
}

func (t *Transmitter) send(ctx context.Context, bufs []*bufferpool.Buffer) error {
	readers := make([]io.Reader, 0, len(bufs))
	for _, b := range bufs {
		readers = append(readers, bytes.NewReader(b.Bytes()))
	}
	length := bufferpool.TotalLen(bufs)

	req, err := NewTrackRequest(ctx, t.url, io.MultiReader(readers...), length, t.encoder.ContentEncoding())
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	bytesSentTotal.Add(float64(length))
	return t.checkResponse(resp)
}

func (t *Transmitter) checkResponse(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusPartialContent:
		var ack struct {
			ItemsReceived int `json:"itemsReceived"`
			ItemsAccepted int `json:"itemsAccepted"`
		}
		_ = json.Unmarshal(body, &ack)
		t.logger.Warn("ingestion accepted part of batch",
			"items_received", ack.ItemsReceived,
			"items_accepted", ack.ItemsAccepted,
		)
		return nil
	default:
		return &StatusError{Code: resp.StatusCode}
	}
}

func (t *Transmitter) persist(ctx context.Context, bufs []*bufferpool.Buffer) {
	body := make([]byte, 0, bufferpool.TotalLen(bufs))
	for _, b := range bufs {
		body = append(body, b.Bytes()...)
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := t.store.Persist(persistCtx, body, t.encoder.ContentEncoding()); err != nil {
		t.logger.Warn("persist failed batch", "bytes", len(body), "error", err)
		return
	}
	persistedTotal.Inc()
}

// NewTrackRequest builds an ingestion POST. Content-Length is the exact payload
// size and User-Agent is sent empty so the ingestion service does not
// attribute the telemetry to the Go HTTP client.
func NewTrackRequest(ctx context.Context, url string, body io.Reader, length int64, contentEncoding string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build track request: %w", err)
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", "application/x-json-stream")
	req.Header.Set("User-Agent", "")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	return req, nil
}
