package ingest

import (
	"sync/atomic"

	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

// Queue is a bounded multi-producer, single-consumer record queue. Producers
// never block: a full queue drops the record.
type Queue struct {
	ch      chan telemetry.Record
	dropped atomic.Int64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultMaxQueueSize
	}
	return &Queue{ch: make(chan telemetry.Record, capacity)}
}

func (q *Queue) TryEnqueue(rec telemetry.Record) bool {
	select {
	case q.ch <- rec:
		return true
	default:
		q.dropped.Add(1)
		droppedRecordsTotal.Inc()
		return false
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Cap() int {
	return cap(q.ch)
}

func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
