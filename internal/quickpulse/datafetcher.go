package quickpulse

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	metricRequestsPerSec              = `\ApplicationInsights\Requests/Sec`
	metricRequestDuration             = `\ApplicationInsights\Request Duration`
	metricRequestsFailedPerSec        = `\ApplicationInsights\Requests Failed/Sec`
	metricRequestsSucceededPerSec     = `\ApplicationInsights\Requests Succeeded/Sec`
	metricDependenciesPerSec          = `\ApplicationInsights\Dependency Calls/Sec`
	metricDependencyDuration          = `\ApplicationInsights\Dependency Call Duration`
	metricDependenciesFailedPerSec    = `\ApplicationInsights\Dependency Calls Failed/Sec`
	metricDependenciesSucceededPerSec = `\ApplicationInsights\Dependency Calls Succeeded/Sec`
	metricExceptionsPerSec            = `\ApplicationInsights\Exceptions/Sec`
	metricCommittedBytes              = `\Memory\Committed Bytes`
	metricProcessorTime               = `\Processor(_Total)\% Processor Time`
)

// SystemSampler supplies process level gauges for each post.
type SystemSampler interface {
	MemoryBytes() int64
	CPUPercent() float64
}

// Queue accepts prepared post documents without blocking.
type Queue interface {
	Offer(doc PostDocument) bool
}

// DataFetcher harvests the collector once per post interval and turns the
// interval into a post document.
type DataFetcher struct {
	collector *Collector
	sampler   SystemSampler
	queue     Queue
	id        Identity
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastTime time.Time
}

func NewDataFetcher(collector *Collector, sampler SystemSampler, queue Queue, id Identity, logger *slog.Logger) *DataFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataFetcher{
		collector: collector,
		sampler:   sampler,
		queue:     queue,
		id:        id,
		logger:    logger,
		now:       time.Now,
	}
}

// Prepare closes the current interval and queues its post document.
func (f *DataFetcher) Prepare(redirect string) {
	now := f.now()
	counters := f.collector.GetAndRestart()

	f.mu.Lock()
	elapsed := now.Sub(f.lastTime)
	if f.lastTime.IsZero() || elapsed <= 0 {
		elapsed = time.Second
	}
	f.lastTime = now
	f.mu.Unlock()

	body, err := json.Marshal([]Envelope{newEnvelope(f.id, now, f.metrics(counters, elapsed))})
	if err != nil {
		f.logger.Warn("encode live metrics post failed", "error", err)
		return
	}
	if !f.queue.Offer(PostDocument{Body: body, Redirect: redirect, Time: now}) {
		f.logger.Debug("live metrics send queue full, document dropped")
	}
}

func (f *DataFetcher) metrics(c *FinalCounters, elapsed time.Duration) []Metric {
	if c == nil {
		c = &FinalCounters{}
	}
	secs := elapsed.Seconds()
	perSec := func(n int64) float64 { return float64(n) / secs }
	avg := func(total, n int64) float64 {
		if n == 0 {
			return 0
		}
		return float64(total) / float64(n)
	}

	out := []Metric{
		{Name: metricRequestsPerSec, Value: perSec(c.Requests), Weight: 1},
		{Name: metricRequestDuration, Value: avg(c.RequestsDurationMs, c.Requests), Weight: int(c.Requests)},
		{Name: metricRequestsFailedPerSec, Value: perSec(c.UnsuccessfulRequests), Weight: 1},
		{Name: metricRequestsSucceededPerSec, Value: perSec(c.Requests - c.UnsuccessfulRequests), Weight: 1},
		{Name: metricDependenciesPerSec, Value: perSec(c.Dependencies), Weight: 1},
		{Name: metricDependencyDuration, Value: avg(c.DependenciesDurationMs, c.Dependencies), Weight: int(c.Dependencies)},
		{Name: metricDependenciesFailedPerSec, Value: perSec(c.UnsuccessfulDependencies), Weight: 1},
		{Name: metricDependenciesSucceededPerSec, Value: perSec(c.Dependencies - c.UnsuccessfulDependencies), Weight: 1},
		{Name: metricExceptionsPerSec, Value: perSec(c.Exceptions), Weight: 1},
	}
	if f.sampler != nil {
		out = append(out,
			Metric{Name: metricCommittedBytes, Value: float64(f.sampler.MemoryBytes()), Weight: 1},
			Metric{Name: metricProcessorTime, Value: f.sampler.CPUPercent(), Weight: 1},
		)
	}
	return out
}
