package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kon-rad/openclaw-pulse/internal/bufferpool"
	"github.com/kon-rad/openclaw-pulse/internal/storage"
)

type RuntimeSnapshot struct {
	QueueDepth       int
	RecordsReceived  int64
	RecordsDropped   int64
	BufferPool       bufferpool.Stats
	LiveMetricsState string
	LastResendTime   *int64
	LastResendStatus string
}

type SnapshotProvider interface {
	Snapshot() RuntimeSnapshot
}

// FallbackStore is the subset of the payload store reported on /health.
type FallbackStore interface {
	Stats(ctx context.Context) storage.HealthStats
	PendingCount(ctx context.Context) (int64, error)
}

type HealthResponse struct {
	Status           string           `json:"status"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	Version          string           `json:"version"`
	QueueDepth       int              `json:"queue_depth"`
	RecordsReceived  int64            `json:"records_received"`
	RecordsDropped   int64            `json:"records_dropped"`
	BufferPool       bufferpool.Stats `json:"buffer_pool"`
	LiveMetricsState string           `json:"live_metrics_state"`
	StorageStatus    string           `json:"storage_status"`
	StorageSizeBytes int64            `json:"storage_size_bytes"`
	WALSizeBytes     int64            `json:"wal_size_bytes"`
	PendingPayloads  int64            `json:"pending_payloads"`
	LastResendTime   *int64           `json:"last_resend_time"`
	LastResendStatus string           `json:"last_resend_status"`
	GeneratedAt      string           `json:"generated_at"`
	Warnings         []string         `json:"warnings,omitempty"`
}

type HealthHandler struct {
	store       FallbackStore
	startTime   time.Time
	version     string
	snapshotter SnapshotProvider
}

// NewHealthHandler reports on store when it is non-nil; a nil store shows up
// as storage_status "disabled".
func NewHealthHandler(store FallbackStore, start time.Time, version string, snapshotter SnapshotProvider) *HealthHandler {
	return &HealthHandler{
		store:       store,
		startTime:   start,
		version:     version,
		snapshotter: snapshotter,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := h.snapshotter.Snapshot()
	resp := HealthResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(h.startTime).Seconds()),
		Version:          h.version,
		QueueDepth:       snapshot.QueueDepth,
		RecordsReceived:  snapshot.RecordsReceived,
		RecordsDropped:   snapshot.RecordsDropped,
		BufferPool:       snapshot.BufferPool,
		LiveMetricsState: snapshot.LiveMetricsState,
		StorageStatus:    "disabled",
		LastResendTime:   snapshot.LastResendTime,
		LastResendStatus: snapshot.LastResendStatus,
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if resp.LiveMetricsState == "" {
		resp.LiveMetricsState = "disabled"
	}

	if h.store != nil {
		stats := h.store.Stats(r.Context())
		resp.StorageStatus = stats.Status
		resp.StorageSizeBytes = stats.SizeBytes
		resp.WALSizeBytes = stats.WALSizeBytes
		pending, err := h.store.PendingCount(r.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.Warnings = append(resp.Warnings, "pending_count_unavailable")
		}
		resp.PendingPayloads = pending
		if resp.StorageStatus != "ok" {
			resp.Status = "degraded"
		}
	}
	if resp.LiveMetricsState == "stopped" {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "live_metrics_stopped")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
