package quickpulse

import (
	"runtime"
	"sync/atomic"

	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

// Packed count/duration layout: the count occupies the high countBits bits,
// the duration in milliseconds the low durationBits bits.
const (
	countBits    = 19
	durationBits = 44

	MaxCount      = int64(1)<<countBits - 1
	MaxDurationMs = int64(1)<<durationBits - 1

	durationMask = uint64(1)<<durationBits - 1
)

// EncodeCountAndDuration packs count and durationMs into one word. An operand
// that is negative or does not fit its field encodes the whole word as 0, so
// an out-of-range value never bleeds into the neighbouring field.
func EncodeCountAndDuration(count, durationMs int64) uint64 {
	if count < 0 || durationMs < 0 || count > MaxCount || durationMs > MaxDurationMs {
		return 0
	}
	return uint64(count)<<durationBits | uint64(durationMs)
}

func DecodeCountAndDuration(packed uint64) (count, durationMs int64) {
	return int64(packed >> durationBits), int64(packed & durationMask)
}

// addCountAndDuration adds one occurrence of durationMs to the packed word,
// saturating each field at its maximum.
func addCountAndDuration(word *atomic.Uint64, durationMs int64) {
	if durationMs < 0 {
		durationMs = 0
	}
	for {
		old := word.Load()
		count, total := DecodeCountAndDuration(old)
		count = min(count+1, MaxCount)
		total = min(total+min(durationMs, MaxDurationMs), MaxDurationMs)
		if word.CompareAndSwap(old, EncodeCountAndDuration(count, total)) {
			return
		}
	}
}

// Counters accumulate one reporting interval. A Counters value is only ever
// written through the Collector and read once it has been swapped out.
type Counters struct {
	generation         uint64
	instrumentationKey string

	// writers counts Add calls currently updating this instance.
	writers atomic.Int64

	exceptions         atomic.Int64
	requests           atomic.Uint64
	failedRequests     atomic.Int64
	dependencies       atomic.Uint64
	failedDependencies atomic.Int64
}

// FinalCounters is an immutable snapshot of one interval.
type FinalCounters struct {
	Generation               uint64
	Exceptions               int64
	Requests                 int64
	RequestsDurationMs       int64
	UnsuccessfulRequests     int64
	Dependencies             int64
	DependenciesDurationMs   int64
	UnsuccessfulDependencies int64
}

func (c *Counters) snapshot() *FinalCounters {
	reqs, reqDur := DecodeCountAndDuration(c.requests.Load())
	deps, depDur := DecodeCountAndDuration(c.dependencies.Load())
	return &FinalCounters{
		Generation:               c.generation,
		Exceptions:               c.exceptions.Load(),
		Requests:                 reqs,
		RequestsDurationMs:       reqDur,
		UnsuccessfulRequests:     c.failedRequests.Load(),
		Dependencies:             deps,
		DependenciesDurationMs:   depDur,
		UnsuccessfulDependencies: c.failedDependencies.Load(),
	}
}

// Collector aggregates request, dependency and exception records while
// enabled. An Add registers itself on the Counters it loaded and then checks
// the pointer is still current; GetAndRestart swaps first and then waits for
// registered writers. Either the Add sees the swap and retries on the new
// instance, or the snapshot waits for it, so every Add lands in exactly one
// interval.
type Collector struct {
	current    atomic.Pointer[Counters]
	generation atomic.Uint64
}

func NewCollector() *Collector {
	return &Collector{}
}

// Enable starts collection for records carrying instrumentationKey.
func (c *Collector) Enable(instrumentationKey string) {
	c.current.Store(c.fresh(instrumentationKey))
}

// Disable stops collection. Later Add calls are no-ops.
func (c *Collector) Disable() {
	c.current.Store(nil)
}

func (c *Collector) Enabled() bool {
	return c.current.Load() != nil
}

func (c *Collector) fresh(instrumentationKey string) *Counters {
	return &Counters{
		generation:         c.generation.Add(1),
		instrumentationKey: instrumentationKey,
	}
}

func (c *Collector) Add(rec telemetry.Record) {
	switch rec.Kind {
	case telemetry.KindRequest, telemetry.KindDependency, telemetry.KindException:
	default:
		return
	}
	for {
		counters := c.current.Load()
		if counters == nil || rec.InstrumentationKey != counters.instrumentationKey {
			return
		}
		counters.writers.Add(1)
		if c.current.Load() != counters {
			counters.writers.Add(-1)
			continue
		}
		counters.record(rec)
		counters.writers.Add(-1)
		return
	}
}

func (c *Counters) record(rec telemetry.Record) {
	switch rec.Kind {
	case telemetry.KindRequest:
		addCountAndDuration(&c.requests, rec.Duration.Milliseconds())
		if !rec.Success {
			c.failedRequests.Add(1)
		}
	case telemetry.KindDependency:
		addCountAndDuration(&c.dependencies, rec.Duration.Milliseconds())
		if !rec.Success {
			c.failedDependencies.Add(1)
		}
	case telemetry.KindException:
		c.exceptions.Add(1)
	}
}

// GetAndRestart installs empty counters for the next interval and returns the
// previous interval. It returns nil while disabled.
func (c *Collector) GetAndRestart() *FinalCounters {
	for {
		old := c.current.Load()
		if old == nil {
			return nil
		}
		if c.current.CompareAndSwap(old, c.fresh(old.instrumentationKey)) {
			for old.writers.Load() > 0 {
				runtime.Gosched()
			}
			return old.snapshot()
		}
	}
}

// Peek returns the running interval without resetting it.
func (c *Collector) Peek() *FinalCounters {
	counters := c.current.Load()
	if counters == nil {
		return nil
	}
	return counters.snapshot()
}
