package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/kon-rad/openclaw-pulse/internal/result"
	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

const (
	DefaultScheduleDelay      = 5 * time.Second
	DefaultMaxQueueSize       = 2048
	DefaultMaxExportBatchSize = 512
	DefaultExporterTimeout    = 30 * time.Second
)

var ErrShutdown = errors.New("ingest processor is shut down")

type Config struct {
	ScheduleDelay      time.Duration
	MaxQueueSize       int
	MaxExportBatchSize int
	ExporterTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		ScheduleDelay:      DefaultScheduleDelay,
		MaxQueueSize:       DefaultMaxQueueSize,
		MaxExportBatchSize: DefaultMaxExportBatchSize,
		ExporterTimeout:    DefaultExporterTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.ScheduleDelay <= 0 {
		c.ScheduleDelay = DefaultScheduleDelay
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxExportBatchSize <= 0 {
		c.MaxExportBatchSize = DefaultMaxExportBatchSize
	}
	if c.MaxExportBatchSize > c.MaxQueueSize {
		c.MaxExportBatchSize = c.MaxQueueSize
	}
	if c.ExporterTimeout <= 0 {
		c.ExporterTimeout = DefaultExporterTimeout
	}
	return c
}

// Exporter delivers one batch. The returned result resolves when delivery
// finished; the batch slice is not reused by the processor afterwards.
type Exporter interface {
	Export(ctx context.Context, batch []telemetry.Record) *result.Result
}

type ExporterFunc func(ctx context.Context, batch []telemetry.Record) *result.Result

func (f ExporterFunc) Export(ctx context.Context, batch []telemetry.Record) *result.Result {
	return f(ctx, batch)
}
