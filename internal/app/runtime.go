package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kon-rad/openclaw-pulse/internal/bufferpool"
	"github.com/kon-rad/openclaw-pulse/internal/client"
	"github.com/kon-rad/openclaw-pulse/internal/config"
	"github.com/kon-rad/openclaw-pulse/internal/encode"
	"github.com/kon-rad/openclaw-pulse/internal/ingest"
	"github.com/kon-rad/openclaw-pulse/internal/logparse"
	"github.com/kon-rad/openclaw-pulse/internal/metrics"
	"github.com/kon-rad/openclaw-pulse/internal/push"
	"github.com/kon-rad/openclaw-pulse/internal/quickpulse"
	"github.com/kon-rad/openclaw-pulse/internal/server"
	"github.com/kon-rad/openclaw-pulse/internal/storage"
	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
	"github.com/kon-rad/openclaw-pulse/internal/transmit"
)

type Runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	version   string
	startedAt time.Time

	store       *storage.Store
	pool        *bufferpool.Pool
	transmitter *transmit.Transmitter
	processor   *ingest.Processor
	client      *client.Client
	live        *quickpulse.Service
	resender    *push.Resender

	httpServer *http.Server
	addr       atomic.Value
	ready      chan struct{}
	bgCancel   context.CancelFunc
	bgWG       sync.WaitGroup

	lastResendTime   atomic.Int64
	lastResendStatus atomic.Value
}

func New(cfg *config.Config, logger *slog.Logger, version string) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
		ready:     make(chan struct{}),
	}
	r.lastResendStatus.Store("disabled")
	return r
}

// Ready is closed once the HTTP listener is bound.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Addr is the bound listener address, empty before Ready.
func (r *Runtime) Addr() string {
	s, _ := r.addr.Load().(string)
	return s
}

// Run builds the pipeline, serves HTTP and blocks until ctx is done or the
// server fails. Cancelling ctx flushes queued telemetry before returning.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.build(); err != nil {
		return errors.Join(err, r.closeStore())
	}

	if r.live != nil {
		r.live.Start(context.Background())
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	r.bgCancel = bgCancel
	r.startBackgroundLoops(bgCtx)

	var fallback server.FallbackStore
	if r.store != nil {
		fallback = r.store
	}
	healthHandler := server.NewHealthHandler(fallback, r.startedAt, r.version, r)
	r.httpServer = server.New(":"+r.cfg.Port, healthHandler, promhttp.Handler(), server.NewTrackHandlers(r.client))

	ln, err := net.Listen("tcp", r.httpServer.Addr)
	if err != nil {
		return errors.Join(fmt.Errorf("listen %s: %w", r.httpServer.Addr, err), r.shutdown(context.Background()))
	}
	r.addr.Store(ln.Addr().String())
	close(r.ready)

	serverErr := make(chan error, 1)
	go func() {
		r.logger.Info("Listening", "addr", ln.Addr().String())
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		shutdownErr := r.shutdown(context.Background())
		if err != nil {
			return errors.Join(fmt.Errorf("http server failed: %w", err), shutdownErr)
		}
		return shutdownErr
	case <-ctx.Done():
		r.logger.Info("Shutdown requested, flushing telemetry...")
		return r.shutdown(context.Background())
	}
}

func (r *Runtime) build() error {
	compression, err := encode.ParseCompression(r.cfg.Compression)
	if err != nil {
		return err
	}

	if r.cfg.StoragePath != "" {
		store, err := storage.Open(r.cfg.StoragePath)
		if err != nil {
			return fmt.Errorf("open fallback store: %w", err)
		}
		r.store = store

		journalMode, busyTimeout, autoVacuum, err := store.Pragmas(context.Background())
		if err != nil {
			return fmt.Errorf("query sqlite pragmas: %w", err)
		}
		r.logger.Info("Fallback store opened",
			"path", r.cfg.StoragePath,
			"journal_mode", journalMode,
			"busy_timeout", busyTimeout,
			"auto_vacuum", autoVacuum,
		)
		r.resender = push.New(store, r.cfg.IngestionEndpoint, r.cfg.ResendMaxAttempts, r.logger)
		r.lastResendStatus.Store("ready")
	}

	r.pool = bufferpool.New(r.cfg.BufferSize, r.cfg.BufferPoolMax)
	opts := []transmit.Option{transmit.WithLogger(r.logger)}
	if r.store != nil {
		opts = append(opts, transmit.WithStore(r.store))
	}
	r.transmitter = transmit.New(r.cfg.IngestionEndpoint, r.pool, encode.New(r.pool, compression), opts...)

	r.processor = ingest.NewProcessor(ingest.Config{
		ScheduleDelay:      r.cfg.ScheduleDelay,
		MaxQueueSize:       r.cfg.MaxQueueSize,
		MaxExportBatchSize: r.cfg.MaxExportBatchSize,
		ExporterTimeout:    r.cfg.ExporterTimeout,
	}, r.transmitter, r.logger)

	var clientOpts []client.Option
	if r.cfg.LiveMetricsEnabled && r.cfg.InstrumentationKey != "" {
		r.live = quickpulse.NewService(quickpulse.ServiceConfig{
			Endpoint: r.cfg.LiveEndpoint,
			Identity: quickpulse.NewIdentity(r.cfg.InstrumentationKey, r.cfg.RoleName, r.cfg.RoleInstance, r.version),
			Intervals: quickpulse.Intervals{
				Ping:  r.cfg.PingInterval,
				Post:  r.cfg.PostInterval,
				Error: r.cfg.ErrorInterval,
			},
			Sampler: metrics.NewProcessSampler(),
			Logger:  r.logger,
		})
		clientOpts = append(clientOpts, client.WithLiveCollector(r.live.Collector))
	} else if r.cfg.LiveMetricsEnabled {
		r.logger.Warn("live metrics disabled", "reason", "no instrumentation key")
	}
	r.client = client.New(r.cfg.InstrumentationKey, r.processor, clientOpts...)
	return nil
}

// Track hands a record to the pipeline. It satisfies the tracker interfaces
// of the HTTP handlers, the log tail and the performance collector.
func (r *Runtime) Track(rec telemetry.Record) bool {
	return r.client.Track(rec)
}

func (r *Runtime) Snapshot() server.RuntimeSnapshot {
	var lastResend *int64
	if ts := r.lastResendTime.Load(); ts > 0 {
		t := ts
		lastResend = &t
	}

	lastResendStatus := ""
	if s, ok := r.lastResendStatus.Load().(string); ok {
		lastResendStatus = s
	}

	snap := server.RuntimeSnapshot{
		LiveMetricsState: "disabled",
		LastResendTime:   lastResend,
		LastResendStatus: lastResendStatus,
	}
	if r.client != nil {
		stats := r.client.Stats()
		snap.QueueDepth = stats.QueueDepth
		snap.RecordsReceived = stats.Received
		snap.RecordsDropped = stats.Dropped
	}
	if r.pool != nil {
		snap.BufferPool = r.pool.Stats()
	}
	if r.live != nil {
		snap.LiveMetricsState = r.live.State().String()
	}
	return snap
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var joined error

	if r.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := r.httpServer.Shutdown(httpCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}

	if r.bgCancel != nil {
		r.bgCancel()
		done := make(chan struct{})
		go func() {
			r.bgWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			joined = errors.Join(joined, errors.New("background loop shutdown timeout"))
		}
	}

	if r.client != nil {
		r.logger.Info("Draining ingest queue", "remaining", r.client.Stats().QueueDepth)
		flushCtx, cancel := context.WithTimeout(ctx, r.cfg.ExporterTimeout+5*time.Second)
		if err := r.client.Shutdown(flushCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("ingest shutdown: %w", err))
		}
		cancel()
	}

	if r.live != nil {
		liveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := r.live.Stop(liveCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("live metrics shutdown: %w", err))
		}
		cancel()
	}

	if r.transmitter != nil {
		txCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := r.transmitter.Shutdown(txCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("transmitter shutdown: %w", err))
		}
		cancel()
	}

	if r.resender != nil {
		resendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := r.runResend(resendCtx, "shutdown")
		cancel()
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("final resend: %w", err))
		}
	}

	joined = errors.Join(joined, r.closeStore())

	var received int64
	if r.client != nil {
		received = r.client.Stats().Received
	}
	r.logger.Info("Shutdown complete",
		"total_records", received,
		"uptime", time.Since(r.startedAt).String(),
	)
	return joined
}

func (r *Runtime) closeStore() error {
	if r.store == nil {
		return nil
	}
	var joined error
	cpCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.store.Checkpoint(cpCtx); err != nil {
		r.logger.Warn("WAL checkpoint failed", "error", err)
		joined = errors.Join(joined, fmt.Errorf("wal checkpoint: %w", err))
	}
	if err := r.store.Close(); err != nil {
		joined = errors.Join(joined, fmt.Errorf("store close: %w", err))
	}
	r.store = nil
	return joined
}

func (r *Runtime) startBackgroundLoops(ctx context.Context) {
	diskPath := "."
	if r.cfg.StoragePath != "" {
		diskPath = filepath.Dir(r.cfg.StoragePath)
	}
	collector := metrics.NewCollector(r.cfg.PerfInterval, r, diskPath, r.logger)
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		if err := collector.Run(ctx); err != nil {
			r.logger.Warn("performance collector stopped", "error", err)
		}
	}()

	if r.cfg.LogPath != "" {
		r.bgWG.Add(1)
		go func() {
			defer r.bgWG.Done()
			parser := logparse.New(r.cfg.LogPath, 500*time.Millisecond, r)
			if err := parser.Run(ctx); err != nil {
				r.logger.Warn("log tail stopped", "error", err)
			}
		}()
	}

	if r.store == nil {
		return
	}

	r.every(ctx, r.cfg.ResendInterval, func() {
		resendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = r.runResend(resendCtx, "scheduled")
		cancel()
	})

	r.every(ctx, r.cfg.CleanupInterval, func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		removed, err := r.store.Cleanup(cleanupCtx, r.cfg.Retention(), r.cfg.StorageMaxBytes)
		cancel()
		if err != nil {
			r.logger.Warn("cleanup failed", "error", err)
			return
		}
		if removed > 0 {
			r.logger.Info("cleanup removed payloads", "count", removed)
		}
	})

	r.every(ctx, r.cfg.WALCheckpointInterval, func() {
		cpCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, err := r.store.CheckpointIfWALExceeds(cpCtx, r.cfg.WALRestartThresholdB)
		cancel()
		if err != nil {
			r.logger.Warn("wal checkpoint loop failed", "error", err)
		}
	})
}

// every runs fn on a ticker until ctx is done.
func (r *Runtime) every(ctx context.Context, interval time.Duration, fn func()) {
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (r *Runtime) runResend(ctx context.Context, reason string) error {
	if r.resender == nil {
		return nil
	}
	res, err := r.resender.PushOnce(ctx)
	if err != nil {
		r.lastResendStatus.Store("error")
		r.logger.Warn("resend failed", "reason", reason, "error", err)
		return err
	}
	r.lastResendStatus.Store("ok")
	r.lastResendTime.Store(time.Now().UnixMilli())
	if res.Sent+res.Deferred+res.Discarded > 0 {
		r.logger.Info("resend completed",
			"reason", reason,
			"sent", res.Sent,
			"deferred", res.Deferred,
			"discarded", res.Discarded,
		)
	}
	return nil
}
