package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kon-rad/openclaw-pulse/internal/bufferpool"
	"github.com/kon-rad/openclaw-pulse/internal/storage"
)

type staticSnapshot struct {
	liveState string
}

func (s staticSnapshot) Snapshot() RuntimeSnapshot {
	return RuntimeSnapshot{
		QueueDepth:       3,
		RecordsReceived:  10,
		RecordsDropped:   1,
		BufferPool:       bufferpool.Stats{Allocated: 2, Idle: 2},
		LiveMetricsState: s.liveState,
		LastResendStatus: "ok",
	}
}

func getHealth(t *testing.T, h http.Handler) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode error = %v", err)
	}
	return body
}

func TestHealthAlwaysReturnsContract(t *testing.T) {
	t.Parallel()

	store, err := storage.Open(filepath.Join(t.TempDir(), "pending.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	handler := NewHealthHandler(store, time.Now().Add(-5*time.Second), "test-version", staticSnapshot{liveState: "ping"})
	body := getHealth(t, handler)

	required := []string{
		"status",
		"uptime_seconds",
		"version",
		"queue_depth",
		"records_received",
		"records_dropped",
		"buffer_pool",
		"live_metrics_state",
		"storage_status",
		"storage_size_bytes",
		"wal_size_bytes",
		"pending_payloads",
		"last_resend_time",
		"last_resend_status",
	}
	for _, key := range required {
		if _, ok := body[key]; !ok {
			t.Fatalf("missing health field %q", key)
		}
	}
	if body["status"] != "ok" || body["storage_status"] != "ok" {
		t.Fatalf("unexpected status fields: %v / %v", body["status"], body["storage_status"])
	}
	pool, _ := body["buffer_pool"].(map[string]any)
	if pool["allocated"] != float64(2) {
		t.Fatalf("buffer_pool = %v", body["buffer_pool"])
	}
}

func TestHealthWithoutStoreAndStoppedLiveMetrics(t *testing.T) {
	t.Parallel()

	body := getHealth(t, NewHealthHandler(nil, time.Now(), "v", staticSnapshot{liveState: "stopped"}))
	if body["storage_status"] != "disabled" {
		t.Fatalf("storage_status = %v, want disabled", body["storage_status"])
	}
	if body["status"] != "degraded" {
		t.Fatalf("status = %v, want degraded when live metrics stopped", body["status"])
	}
}
