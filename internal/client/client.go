// Package client is the producer-side entry point of the pipeline. Track is
// safe to call from any goroutine and never waits on the network.
package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kon-rad/openclaw-pulse/internal/result"
	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

// Enqueuer is the batch pipeline as seen by the client.
type Enqueuer interface {
	Enqueue(rec telemetry.Record) bool
	Flush() *result.Result
	Shutdown(ctx context.Context) error
	QueueLen() int
	Dropped() int64
}

// LiveCollector receives every tracked record for live metrics aggregation.
type LiveCollector interface {
	Add(rec telemetry.Record)
}

type Stats struct {
	Received   int64 `json:"received"`
	Dropped    int64 `json:"dropped"`
	QueueDepth int   `json:"queue_depth"`
}

type Client struct {
	instrumentationKey string
	pipeline           Enqueuer
	live               LiveCollector
	now                func() time.Time

	received atomic.Int64
}

type Option func(*Client)

// WithLiveCollector feeds tracked records to c before they are queued.
func WithLiveCollector(c LiveCollector) Option {
	return func(cl *Client) { cl.live = c }
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

func New(instrumentationKey string, pipeline Enqueuer, opts ...Option) *Client {
	c := &Client{
		instrumentationKey: instrumentationKey,
		pipeline:           pipeline,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) InstrumentationKey() string {
	return c.instrumentationKey
}

// Track stamps rec with the current time and the client's instrumentation key
// when they are missing, then hands it to live metrics and the batch queue.
// It reports false when the queue dropped the record.
func (c *Client) Track(rec telemetry.Record) bool {
	if rec.Time.IsZero() {
		rec.Time = c.now()
	}
	if rec.InstrumentationKey == "" {
		rec.InstrumentationKey = c.instrumentationKey
	}
	c.received.Add(1)
	if c.live != nil {
		c.live.Add(rec)
	}
	return c.pipeline.Enqueue(rec)
}

func (c *Client) Flush() *result.Result {
	return c.pipeline.Flush()
}

// Shutdown flushes queued records and stops the pipeline. The deadline of ctx
// bounds the whole sequence.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.pipeline.Shutdown(ctx)
}

func (c *Client) Stats() Stats {
	return Stats{
		Received:   c.received.Load(),
		Dropped:    c.pipeline.Dropped(),
		QueueDepth: c.pipeline.QueueLen(),
	}
}
