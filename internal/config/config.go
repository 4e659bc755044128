package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "OCP_"

type Config struct {
	Port      string `env:"OCP_PORT,default=9090"`
	LogLevel  string `env:"OCP_LOG_LEVEL,default=info"`
	LogFormat string `env:"OCP_LOG_FORMAT,default=json"`

	InstrumentationKey string `env:"OCP_INSTRUMENTATION_KEY"`
	IngestionEndpoint  string `env:"OCP_INGESTION_ENDPOINT,default=https://dc.services.visualstudio.com"`
	Compression        string `env:"OCP_COMPRESSION,default=gzip"`

	ScheduleDelay      time.Duration `env:"OCP_SCHEDULE_DELAY,default=5s"`
	MaxQueueSize       int           `env:"OCP_MAX_QUEUE_SIZE,default=2048"`
	MaxExportBatchSize int           `env:"OCP_MAX_EXPORT_BATCH_SIZE,default=512"`
	ExporterTimeout    time.Duration `env:"OCP_EXPORTER_TIMEOUT,default=30s"`
	BufferSize         int           `env:"OCP_BUFFER_SIZE,default=16384"`
	BufferPoolMax      int           `env:"OCP_BUFFER_POOL_MAX,default=32"`

	LiveMetricsEnabled bool          `env:"OCP_LIVE_METRICS_ENABLED,default=true"`
	LiveEndpoint       string        `env:"OCP_LIVE_ENDPOINT,default=https://rt.services.visualstudio.com/QuickPulseService.svc"`
	RoleName           string        `env:"OCP_ROLE_NAME"`
	RoleInstance       string        `env:"OCP_ROLE_INSTANCE"`
	PingInterval       time.Duration `env:"OCP_PING_INTERVAL,default=5s"`
	PostInterval       time.Duration `env:"OCP_POST_INTERVAL,default=1s"`
	ErrorInterval      time.Duration `env:"OCP_ERROR_INTERVAL,default=40s"`

	StoragePath           string        `env:"OCP_STORAGE_PATH"`
	ResendInterval        time.Duration `env:"OCP_RESEND_INTERVAL,default=30s"`
	ResendMaxAttempts     int           `env:"OCP_RESEND_MAX_ATTEMPTS,default=10"`
	RetentionHours        int           `env:"OCP_RETENTION_HOURS,default=48"`
	StorageMaxBytes       int64         `env:"OCP_STORAGE_MAX_BYTES,default=52428800"`
	CleanupInterval       time.Duration `env:"OCP_CLEANUP_INTERVAL,default=5m"`
	WALCheckpointInterval time.Duration `env:"OCP_WAL_CHECKPOINT_INTERVAL,default=10m"`
	WALRestartThresholdB  int64         `env:"OCP_WAL_RESTART_THRESHOLD_BYTES,default=52428800"`

	PerfInterval time.Duration `env:"OCP_PERF_INTERVAL,default=60s"`
	LogPath      string        `env:"OCP_LOG_PATH"`
}

// Load reads the environment, then the optional YAML file named by file or,
// when file is empty, by OCP_CONFIG_FILE. Environment values win over the
// file, and the file wins over defaults.
func Load(ctx context.Context, file string) (*Config, error) {
	if file == "" {
		file = os.Getenv("OCP_CONFIG_FILE")
	}
	return load(ctx, envconfig.OsLookuper(), file)
}

func load(ctx context.Context, env envconfig.Lookuper, file string) (*Config, error) {
	lookuper := env
	if file != "" {
		values, err := readFile(file)
		if err != nil {
			return nil, err
		}
		lookuper = envconfig.MultiLookuper(env, envconfig.MapLookuper(values))
	}

	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readFile turns a flat YAML mapping such as "max_queue_size: 100" into
// OCP_ environment style keys.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("config file %s: %s must be a scalar", path, k)
		case nil:
			continue
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(k), "-", "_"))
		out[key] = fmt.Sprint(v)
	}
	return out, nil
}

func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("OCP_MAX_QUEUE_SIZE", int64(c.MaxQueueSize))
	positive("OCP_MAX_EXPORT_BATCH_SIZE", int64(c.MaxExportBatchSize))
	positive("OCP_BUFFER_SIZE", int64(c.BufferSize))
	positive("OCP_SCHEDULE_DELAY", int64(c.ScheduleDelay))
	positive("OCP_EXPORTER_TIMEOUT", int64(c.ExporterTimeout))
	positive("OCP_PING_INTERVAL", int64(c.PingInterval))
	positive("OCP_POST_INTERVAL", int64(c.PostInterval))
	positive("OCP_ERROR_INTERVAL", int64(c.ErrorInterval))
	positive("OCP_PERF_INTERVAL", int64(c.PerfInterval))
	if c.BufferPoolMax < 0 {
		errs = append(errs, errors.New("OCP_BUFFER_POOL_MAX must not be negative"))
	}
	if c.MaxExportBatchSize > c.MaxQueueSize {
		errs = append(errs, fmt.Errorf("OCP_MAX_EXPORT_BATCH_SIZE (%d) exceeds OCP_MAX_QUEUE_SIZE (%d)", c.MaxExportBatchSize, c.MaxQueueSize))
	}
	switch strings.ToLower(c.Compression) {
	case "gzip", "none":
	default:
		errs = append(errs, fmt.Errorf("OCP_COMPRESSION must be gzip or none, got %q", c.Compression))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("OCP_LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if c.StoragePath != "" {
		positive("OCP_RESEND_INTERVAL", int64(c.ResendInterval))
		positive("OCP_RESEND_MAX_ATTEMPTS", int64(c.ResendMaxAttempts))
		positive("OCP_CLEANUP_INTERVAL", int64(c.CleanupInterval))
		positive("OCP_WAL_CHECKPOINT_INTERVAL", int64(c.WALCheckpointInterval))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "openclaw-pulse %s\n\n", version)
	fmt.Fprintln(w, "Environment variables (also accepted as lower-case keys in a YAML --config file):")
	fmt.Fprintln(w, "  OCP_CONFIG_FILE=")
	fmt.Fprintln(w, "  OCP_PORT=9090")
	fmt.Fprintln(w, "  OCP_LOG_LEVEL=info")
	fmt.Fprintln(w, "  OCP_LOG_FORMAT=json")
	fmt.Fprintln(w, "  OCP_INSTRUMENTATION_KEY=")
	fmt.Fprintln(w, "  OCP_INGESTION_ENDPOINT=https://dc.services.visualstudio.com")
	fmt.Fprintln(w, "  OCP_COMPRESSION=gzip")
	fmt.Fprintln(w, "  OCP_SCHEDULE_DELAY=5s")
	fmt.Fprintln(w, "  OCP_MAX_QUEUE_SIZE=2048")
	fmt.Fprintln(w, "  OCP_MAX_EXPORT_BATCH_SIZE=512")
	fmt.Fprintln(w, "  OCP_EXPORTER_TIMEOUT=30s")
	fmt.Fprintln(w, "  OCP_BUFFER_SIZE=16384")
	fmt.Fprintln(w, "  OCP_BUFFER_POOL_MAX=32")
	fmt.Fprintln(w, "  OCP_LIVE_METRICS_ENABLED=true")
	fmt.Fprintln(w, "  OCP_LIVE_ENDPOINT=https://rt.services.visualstudio.com/QuickPulseService.svc")
	fmt.Fprintln(w, "  OCP_ROLE_NAME=")
	fmt.Fprintln(w, "  OCP_ROLE_INSTANCE=")
	fmt.Fprintln(w, "  OCP_PING_INTERVAL=5s")
	fmt.Fprintln(w, "  OCP_POST_INTERVAL=1s")
	fmt.Fprintln(w, "  OCP_ERROR_INTERVAL=40s")
	fmt.Fprintln(w, "  OCP_STORAGE_PATH=")
	fmt.Fprintln(w, "  OCP_RESEND_INTERVAL=30s")
	fmt.Fprintln(w, "  OCP_RESEND_MAX_ATTEMPTS=10")
	fmt.Fprintln(w, "  OCP_RETENTION_HOURS=48")
	fmt.Fprintln(w, "  OCP_STORAGE_MAX_BYTES=52428800")
	fmt.Fprintln(w, "  OCP_CLEANUP_INTERVAL=5m")
	fmt.Fprintln(w, "  OCP_WAL_CHECKPOINT_INTERVAL=10m")
	fmt.Fprintln(w, "  OCP_WAL_RESTART_THRESHOLD_BYTES=52428800")
	fmt.Fprintln(w, "  OCP_PERF_INTERVAL=60s")
	fmt.Fprintln(w, "  OCP_LOG_PATH=")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --config string")
	fmt.Fprintln(w, "  --help")
	fmt.Fprintln(w, "  --version")
}
