package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kon-rad/openclaw-pulse/internal/result"
	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

var (
	droppedRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocp_ingest_dropped_records_total",
		Help: "Total number of records dropped because the batch queue was full or shut down",
	})

	exportedRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocp_ingest_exported_records_total",
		Help: "Total number of records in batches that exported successfully",
	})

	failedBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocp_ingest_failed_batches_total",
		Help: "Total number of batches whose export failed or timed out",
	})
)

func init() {
	prometheus.MustRegister(droppedRecordsTotal)
	prometheus.MustRegister(exportedRecordsTotal)
	prometheus.MustRegister(failedBatchesTotal)
}

// Processor owns a Queue and the single worker goroutine that drains it into
// batches. A batch is exported when it reaches MaxExportBatchSize or when
// ScheduleDelay has passed since the previous export.
type Processor struct {
	cfg      Config
	exporter Exporter
	logger   *slog.Logger
	queue    *Queue

	mu             sync.Mutex
	pendingFlushes []*result.Result
	flushSignal    chan struct{}

	stopped      atomic.Bool
	stopCh       chan struct{}
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewProcessor starts the worker goroutine; call Shutdown to stop it.
func NewProcessor(cfg Config, exporter Exporter, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	p := &Processor{
		cfg:         cfg,
		exporter:    exporter,
		logger:      logger,
		queue:       NewQueue(cfg.MaxQueueSize),
		flushSignal: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue offers rec to the queue without blocking. It reports false when the
// record was dropped.
func (p *Processor) Enqueue(rec telemetry.Record) bool {
	if p.stopped.Load() {
		p.queue.dropped.Add(1)
		droppedRecordsTotal.Inc()
		return false
	}
	return p.queue.TryEnqueue(rec)
}

func (p *Processor) QueueLen() int {
	return p.queue.Len()
}

func (p *Processor) Dropped() int64 {
	return p.queue.Dropped()
}

// Flush asks the worker to export every record already queued. The result
// resolves after the last of those records was exported and fails when any
// of the exports failed.
func (p *Processor) Flush() *result.Result {
	if p.stopped.Load() {
		return result.Failed(ErrShutdown)
	}
	return p.requestFlush()
}

func (p *Processor) requestFlush() *result.Result {
	res := result.New()
	p.mu.Lock()
	p.pendingFlushes = append(p.pendingFlushes, res)
	p.mu.Unlock()
	select {
	case p.flushSignal <- struct{}{}:
	default:
	}
	return res
}

func (p *Processor) takeFlushes() []*result.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pendingFlushes
	p.pendingFlushes = nil
	return out
}

// Shutdown flushes, waits for the flush, then stops the worker. Records
// offered afterwards are dropped. Only the first call does any work.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.stopped.Store(true)
		var errs []error
		if err := p.requestFlush().Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush on shutdown: %w", err))
		}
		close(p.stopCh)
		select {
		case <-p.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for ingest worker: %w", ctx.Err()))
		}
		p.shutdownErr = errors.Join(errs...)
	})
	return p.shutdownErr
}

func (p *Processor) run() {
	defer close(p.done)

	maxBatch := p.cfg.MaxExportBatchSize
	batch := make([]telemetry.Record, 0, maxBatch)
	nextExport := time.Now().Add(p.cfg.ScheduleDelay)
	timer := time.NewTimer(p.cfg.ScheduleDelay)
	defer timer.Stop()

	for {
		if flushes := p.takeFlushes(); len(flushes) > 0 {
			var err error
			batch, err = p.flushQueued(batch)
			for _, f := range flushes {
				if err != nil {
					f.Fail(err)
				} else {
					f.Succeed()
				}
			}
			nextExport = time.Now().Add(p.cfg.ScheduleDelay)
			continue
		}

		select {
		case <-p.stopCh:
			p.exportLeftovers(batch)
			return
		default:
		}

		batch = p.fill(batch, maxBatch)
		if len(batch) >= maxBatch || !time.Now().Before(nextExport) {
			_ = p.export(batch)
			batch = make([]telemetry.Record, 0, maxBatch)
			nextExport = time.Now().Add(p.cfg.ScheduleDelay)
			continue
		}

		timer.Reset(time.Until(nextExport))
		select {
		case rec := <-p.queue.ch:
			batch = append(batch, rec)
		case <-timer.C:
		case <-p.flushSignal:
		case <-p.stopCh:
		}
	}
}

// fill moves queued records into batch without blocking.
func (p *Processor) fill(batch []telemetry.Record, maxBatch int) []telemetry.Record {
	for len(batch) < maxBatch {
		select {
		case rec := <-p.queue.ch:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

// flushQueued exports batch plus every record queued when the flush started,
// in chunks of MaxExportBatchSize. Records arriving later are left for the
// regular path so a busy producer cannot starve the flush.
func (p *Processor) flushQueued(batch []telemetry.Record) ([]telemetry.Record, error) {
	maxBatch := p.cfg.MaxExportBatchSize
	var errs []error
	for n := p.queue.Len(); n > 0; n-- {
		batch = append(batch, <-p.queue.ch)
		if len(batch) >= maxBatch {
			if err := p.export(batch); err != nil {
				errs = append(errs, err)
			}
			batch = make([]telemetry.Record, 0, maxBatch)
		}
	}
	if err := p.export(batch); err != nil {
		errs = append(errs, err)
	}
	return make([]telemetry.Record, 0, maxBatch), errors.Join(errs...)
}

func (p *Processor) exportLeftovers(batch []telemetry.Record) {
	batch = p.fill(batch, p.queue.Cap()+len(batch))
	if len(batch) == 0 {
		return
	}
	p.logger.Info("exporting records queued during shutdown", "batch_size", len(batch))
	for len(batch) > 0 {
		n := min(len(batch), p.cfg.MaxExportBatchSize)
		_ = p.export(batch[:n:n])
		batch = batch[n:]
	}
}

// export hands batch to the exporter and waits up to ExporterTimeout. Errors
// and panics are logged and the batch is abandoned.
func (p *Processor) export(batch []telemetry.Record) (err error) {
	if len(batch) == 0 {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("export panic: %v", r)
		}
		if err != nil {
			failedBatchesTotal.Inc()
			p.logger.Warn("export batch failed", "batch_size", len(batch), "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExporterTimeout)
	defer cancel()
	res := p.exporter.Export(ctx, batch)
	if res == nil {
		return nil
	}
	if err := res.Wait(ctx); err != nil {
		return err
	}
	exportedRecordsTotal.Add(float64(len(batch)))
	return nil
}
