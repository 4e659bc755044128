// Package push resends payloads that the transmitter saved after a failed
// delivery.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kon-rad/openclaw-pulse/internal/storage"
	"github.com/kon-rad/openclaw-pulse/internal/transmit"
)

const (
	DefaultMaxAttempts = 10
	defaultFetchLimit  = 64
	defaultConcurrency = 4
	maxBackoff         = 30 * time.Second
	maxRescheduleDelay = 30 * time.Minute
)

var resentPayloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ocp_resend_payloads_total",
	Help: "Total number of stored payloads processed by the resender, by outcome",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(resentPayloadsTotal)
}

type Store interface {
	FetchDue(ctx context.Context, now time.Time, limit int) ([]storage.Payload, error)
	Delete(ctx context.Context, ids ...string) error
	MarkAttempt(ctx context.Context, id string, nextAttemptAt time.Time, cause error) error
}

type Result struct {
	Sent      int
	Deferred  int
	Discarded int
}

type Resender struct {
	store          Store
	url            string
	httpClient     *http.Client
	logger         *slog.Logger
	maxAttempts    int
	maxRetries     int
	baseBackoff    time.Duration
	rescheduleBase time.Duration
	concurrency    int
	fetchLimit     int
}

func New(store Store, endpoint string, maxAttempts int, logger *slog.Logger) *Resender {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resender{
		store:          store,
		url:            transmit.TrackURL(endpoint),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger,
		maxAttempts:    maxAttempts,
		maxRetries:     3,
		baseBackoff:    500 * time.Millisecond,
		rescheduleBase: time.Minute,
		concurrency:    defaultConcurrency,
		fetchLimit:     defaultFetchLimit,
	}
}

func (r *Resender) SetTestOptions(client *http.Client, retries int, backoff time.Duration) {
	if client != nil {
		r.httpClient = client
	}
	r.maxRetries = max(retries, 1)
	r.baseBackoff = backoff
}

// PushOnce resends every payload that is due. Delivered payloads are deleted.
// A payload the service rejects outright, or one that has used up its
// attempts, is discarded; any other failure schedules a later attempt.
func (r *Resender) PushOnce(ctx context.Context) (Result, error) {
	due, err := r.store.FetchDue(ctx, time.Now(), r.fetchLimit)
	if err != nil {
		return Result{}, fmt.Errorf("fetch due payloads: %w", err)
	}
	if len(due) == 0 {
		return Result{}, nil
	}

	var sent, deferred, discarded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, p := range due {
		g.Go(func() error {
			sendErr := r.sendWithRetry(gctx, p)
			switch {
			case sendErr == nil:
				sent.Add(1)
				resentPayloadsTotal.WithLabelValues("sent").Inc()
				return r.store.Delete(gctx, p.ID)
			case errors.Is(sendErr, context.Canceled), errors.Is(sendErr, context.DeadlineExceeded):
				return sendErr
			case !transmit.Retryable(sendErr) || p.Attempts+1 >= r.maxAttempts:
				discarded.Add(1)
				resentPayloadsTotal.WithLabelValues("discarded").Inc()
				r.logger.Warn("discarding stored payload", "id", p.ID, "attempts", p.Attempts+1, "error", sendErr)
				return r.store.Delete(gctx, p.ID)
			default:
				deferred.Add(1)
				resentPayloadsTotal.WithLabelValues("deferred").Inc()
				return r.store.MarkAttempt(gctx, p.ID, time.Now().Add(r.rescheduleDelay(p.Attempts)), sendErr)
			}
		})
	}
	err = g.Wait()
	return Result{Sent: int(sent.Load()), Deferred: int(deferred.Load()), Discarded: int(discarded.Load())}, err
}

// rescheduleDelay doubles with every failed attempt up to maxRescheduleDelay.
func (r *Resender) rescheduleDelay(attempts int) time.Duration {
	d := r.rescheduleBase * time.Duration(1<<min(attempts, 10))
	return min(d, maxRescheduleDelay)
}

func (r *Resender) sendWithRetry(ctx context.Context, p storage.Payload) error {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		req, err := transmit.NewTrackRequest(ctx, r.url, bytes.NewReader(p.Body), int64(len(p.Body)), p.ContentEncoding)
		if err != nil {
			return err
		}
		resp, err := r.httpClient.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
				return nil
			}
			err = &transmit.StatusError{Code: resp.StatusCode}
			if !transmit.Retryable(err) {
				return err
			}
		}
		lastErr = err

		maxSleep := r.baseBackoff * time.Duration(1<<attempt)
		if maxSleep > maxBackoff {
			maxSleep = maxBackoff
		}
		sleep := time.Duration(rand.Int64N(int64(maxSleep) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("resend failed after retries: %w", lastErr)
}
