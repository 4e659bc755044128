// Package bufferpool recycles fixed-capacity byte buffers used while
// serializing and sending telemetry batches.
//
// A Buffer is a checked-out handle. Each Acquire returns a fresh handle over
// recycled storage, and Release detaches the storage from the handle, so a
// stale handle can never return storage that has since been handed to another
// owner.
package bufferpool

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultBufferSize  = 16 * 1024
	DefaultMaxRetained = 32
)

var (
	buffersAllocatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocp_buffer_pool_allocated_total",
		Help: "Total number of pooled buffers allocated",
	})

	buffersDiscardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocp_buffer_pool_discarded_total",
		Help: "Total number of released buffers discarded because the pool was full",
	})

	buffersOutstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ocp_buffer_pool_outstanding",
		Help: "Number of buffers currently checked out of all pools",
	})
)

func init() {
	prometheus.MustRegister(buffersAllocatedTotal)
	prometheus.MustRegister(buffersDiscardedTotal)
	prometheus.MustRegister(buffersOutstanding)
}

type Pool struct {
	size        int
	maxRetained int

	mu   sync.Mutex
	idle [][]byte

	allocated      atomic.Int64
	discarded      atomic.Int64
	outstanding    atomic.Int64
	doubleReleases atomic.Int64
}

// Stats is a point-in-time view of the pool. Idle+Outstanding always equals
// Allocated-Discarded.
type Stats struct {
	Allocated      int64 `json:"allocated"`
	Discarded      int64 `json:"discarded"`
	Idle           int64 `json:"idle"`
	Outstanding    int64 `json:"outstanding"`
	DoubleReleases int64 `json:"double_releases"`
}

func New(bufferSize, maxRetained int) *Pool {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if maxRetained < 0 {
		maxRetained = 0
	}
	return &Pool{
		size:        bufferSize,
		maxRetained: maxRetained,
		idle:        make([][]byte, 0, maxRetained),
	}
}

func (p *Pool) BufferSize() int {
	return p.size
}

// Acquire returns a previously released buffer when one is idle, otherwise a
// newly allocated one. The returned buffer is empty.
func (p *Pool) Acquire() *Buffer {
	p.mu.Lock()
	var data []byte
	if n := len(p.idle); n > 0 {
		data = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	} else {
		p.allocated.Add(1)
	}
	p.outstanding.Add(1)
	p.mu.Unlock()

	if data == nil {
		data = make([]byte, 0, p.size)
		buffersAllocatedTotal.Inc()
	}
	buffersOutstanding.Inc()
	return &Buffer{pool: p, data: data[:0]}
}

// Release returns buffers to the pool. Buffers beyond the retention limit are
// dropped for the garbage collector. Nil buffers and buffers already released
// are ignored.
func (p *Pool) Release(bufs ...*Buffer) {
	for _, b := range bufs {
		if b != nil {
			b.Release()
		}
	}
}

func (p *Pool) put(data []byte) {
	p.mu.Lock()
	p.outstanding.Add(-1)
	if len(p.idle) < p.maxRetained {
		p.idle = append(p.idle, data[:0])
		p.mu.Unlock()
		buffersOutstanding.Dec()
		return
	}
	p.discarded.Add(1)
	p.mu.Unlock()
	buffersOutstanding.Dec()
	buffersDiscardedTotal.Inc()
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Allocated:      p.allocated.Load(),
		Discarded:      p.discarded.Load(),
		Idle:           int64(len(p.idle)),
		Outstanding:    p.outstanding.Load(),
		DoubleReleases: p.doubleReleases.Load(),
	}
}

// TotalLen returns the number of bytes held across bufs.
func TotalLen(bufs []*Buffer) int64 {
	var n int64
	for _, b := range bufs {
		n += int64(b.Len())
	}
	return n
}
