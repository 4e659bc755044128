package integration

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kon-rad/openclaw-pulse/internal/app"
	"github.com/kon-rad/openclaw-pulse/internal/bufferpool"
	"github.com/kon-rad/openclaw-pulse/internal/client"
	"github.com/kon-rad/openclaw-pulse/internal/config"
	"github.com/kon-rad/openclaw-pulse/internal/encode"
	"github.com/kon-rad/openclaw-pulse/internal/ingest"
	"github.com/kon-rad/openclaw-pulse/internal/push"
	"github.com/kon-rad/openclaw-pulse/internal/server"
	"github.com/kon-rad/openclaw-pulse/internal/storage"
	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
	"github.com/kon-rad/openclaw-pulse/internal/transmit"
)

// ingestionServer counts records per request and fails the first failFirst
// requests with 503.
type ingestionServer struct {
	t         *testing.T
	failFirst int64
	requests  atomic.Int64
	accepted  atomic.Int64
	names     chan string
}

func (s *ingestionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			s.t.Errorf("gzip reader: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}

	var names []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var env struct {
			Name string `json:"name"`
			IKey string `json:"iKey"`
		}
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			s.t.Errorf("decode envelope: %v", err)
			continue
		}
		names = append(names, env.Name)
	}
	if err := scanner.Err(); err != nil {
		s.t.Errorf("read body: %v", err)
	}

	if n <= s.failFirst {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s.accepted.Add(int64(len(names)))
	for _, name := range names {
		select {
		case s.names <- name:
		default:
		}
	}
	w.WriteHeader(http.StatusOK)
}

func startIngestion(t *testing.T, failFirst int64) (*ingestionServer, *httptest.Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("network listener unavailable in sandbox: %v", err)
	}
	ing := &ingestionServer{t: t, failFirst: failFirst, names: make(chan string, 1024)}
	srv := httptest.NewUnstartedServer(ing)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return ing, srv
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipelinePersistsFailedBatchAndResends(t *testing.T) {
	t.Parallel()

	ing, srv := startIngestion(t, 1)

	store, err := storage.Open(filepath.Join(t.TempDir(), "fallback.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	// Small buffers force every batch to span several pooled buffers.
	pool := bufferpool.New(256, 4)
	transmitter := transmit.New(srv.URL, pool, encode.New(pool, encode.CompressionGzip),
		transmit.WithStore(store),
		transmit.WithLogger(quietLogger()),
	)
	processor := ingest.NewProcessor(ingest.Config{
		ScheduleDelay:      time.Hour,
		MaxQueueSize:       500,
		MaxExportBatchSize: 100,
		ExporterTimeout:    5 * time.Second,
	}, transmitter, quietLogger())
	c := client.New("ikey-1", processor)

	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	for i := range 300 {
		ok := c.Track(telemetry.Record{
			Name: fmt.Sprintf("op-%03d", i),
			Time: start.Add(time.Duration(i) * time.Millisecond),
			Kind: telemetry.KindRequest,
		})
		if !ok {
			t.Fatalf("Track(%d) dropped", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Full batches may already be in flight; the flush only covers the rest,
	// so its outcome depends on timing.
	_ = c.Flush().Wait(ctx)
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := transmitter.Shutdown(ctx); err != nil {
		t.Fatalf("transmitter Shutdown() error = %v", err)
	}

	if got := ing.requests.Load(); got != 3 {
		t.Fatalf("ingestion requests = %d, want 3", got)
	}
	if got := ing.accepted.Load(); got != 200 {
		t.Fatalf("accepted records = %d, want 200", got)
	}
	stats := pool.Stats()
	if stats.Outstanding != 0 || stats.DoubleReleases != 0 {
		t.Fatalf("buffer pool leaked: %+v", stats)
	}
	if stats.Idle+stats.Outstanding != stats.Allocated-stats.Discarded {
		t.Fatalf("buffer pool accounting broken: %+v", stats)
	}

	pending, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if pending != 1 {
		t.Fatalf("pending payloads = %d, want 1", pending)
	}

	resender := push.New(store, srv.URL, 3, quietLogger())
	resender.SetTestOptions(&http.Client{Timeout: 2 * time.Second}, 2, time.Millisecond)
	res, err := resender.PushOnce(ctx)
	if err != nil {
		t.Fatalf("PushOnce() error = %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("resent payloads = %d, want 1 (%+v)", res.Sent, res)
	}
	if got := ing.accepted.Load(); got != 300 {
		t.Fatalf("accepted records after resend = %d, want 300", got)
	}
	pending, err = store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending payloads after resend = %d, want 0", pending)
	}
}

func TestRuntimeServesTrackAndHealth(t *testing.T) {
	ing, srv := startIngestion(t, 0)

	t.Setenv("OCP_PORT", "0")
	t.Setenv("OCP_INSTRUMENTATION_KEY", "ikey-runtime")
	t.Setenv("OCP_INGESTION_ENDPOINT", srv.URL)
	t.Setenv("OCP_LIVE_METRICS_ENABLED", "false")
	t.Setenv("OCP_STORAGE_PATH", filepath.Join(t.TempDir(), "fallback.db"))
	t.Setenv("OCP_SCHEDULE_DELAY", "50ms")
	t.Setenv("OCP_PERF_INTERVAL", "1h")

	cfg, err := config.Load(context.Background(), "")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	rt := app.New(cfg, quietLogger(), "test")
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()

	select {
	case <-rt.Ready():
	case err := <-runErr:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("runtime did not start")
	}
	base := "http://" + rt.Addr()

	body := `{"name":"checkout","kind":"request","duration_ms":12.5}` + "\n" +
		`{"name":"cache miss","kind":"event"}`
	resp, err := http.Post(base+"/v2.1/track", "application/x-json-stream", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post track: %v", err)
	}
	var ack struct {
		ItemsReceived int `json:"itemsReceived"`
		ItemsAccepted int `json:"itemsAccepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || ack.ItemsAccepted != 2 {
		t.Fatalf("track status=%d ack=%+v", resp.StatusCode, ack)
	}

	got := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case name := <-ing.names:
			got[name] = true
		case <-deadline:
			t.Fatalf("ingestion saw %v, want checkout and cache miss", got)
		}
	}

	resp, err = http.Get(base + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	var health server.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	resp.Body.Close()
	if health.RecordsReceived != 2 || health.StorageStatus != "ok" || health.LiveMetricsState != "disabled" {
		t.Fatalf("unexpected health: %+v", health)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatalf("runtime did not shut down")
	}
}
