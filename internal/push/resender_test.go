package push

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kon-rad/openclaw-pulse/internal/storage"
)

type mockTransport struct {
	statusCode int
	fail       bool
	requests   atomic.Int64
	lastHeader atomic.Pointer[http.Header]
	lastBody   atomic.Pointer[[]byte]
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	m.requests.Add(1)
	h := req.Header.Clone()
	m.lastHeader.Store(&h)
	m.lastBody.Store(&body)
	if m.fail {
		return nil, errors.New("connection refused")
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewReader([]byte(`{}`))),
		Header:     make(http.Header),
	}, nil
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "pending.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestResender(store Store, mt *mockTransport, maxAttempts int) *Resender {
	r := New(store, "https://ingest.example", maxAttempts, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	r.SetTestOptions(&http.Client{Transport: mt}, 2, 0)
	return r
}

func seed(t *testing.T, s *storage.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.Persist(context.Background(), []byte("{\"name\":\"evt\"}\n"), "gzip"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func pending(t *testing.T, s *storage.Store) int64 {
	t.Helper()
	n, err := s.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	return n
}

func TestPushOnceSuccessDeletesPayloads(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 5)
	mt := &mockTransport{statusCode: http.StatusOK}
	r := newTestResender(s, mt, 3)

	res, err := r.PushOnce(context.Background())
	if err != nil {
		t.Fatalf("PushOnce() error = %v", err)
	}
	if res.Sent != 5 {
		t.Fatalf("sent = %d, want 5", res.Sent)
	}
	if got := pending(t, s); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}

	h := *mt.lastHeader.Load()
	if h.Get("Content-Encoding") != "gzip" || h.Get("Content-Type") != "application/x-json-stream" {
		t.Fatalf("unexpected headers: %v", h)
	}
	if string(*mt.lastBody.Load()) != "{\"name\":\"evt\"}\n" {
		t.Fatalf("body not resent verbatim")
	}
}

func TestPushOnceTransientFailureDefers(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 2)
	mt := &mockTransport{statusCode: http.StatusServiceUnavailable}
	r := newTestResender(s, mt, 5)
	r.rescheduleBase = time.Hour

	res, err := r.PushOnce(context.Background())
	if err != nil {
		t.Fatalf("PushOnce() error = %v", err)
	}
	if res.Deferred != 2 || res.Sent != 0 {
		t.Fatalf("result = %+v, want 2 deferred", res)
	}
	if got := mt.requests.Load(); got != 4 {
		t.Fatalf("requests = %d, want 2 payloads x 2 retries", got)
	}
	if got := pending(t, s); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	// Rescheduled into the future, so nothing is due now.
	res, err = r.PushOnce(context.Background())
	if err != nil || res != (Result{}) {
		t.Fatalf("second PushOnce() = %+v, %v", res, err)
	}
}

func TestPushOnceDiscardsRejectedAndExhausted(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 1)
	rejected := &mockTransport{statusCode: http.StatusBadRequest}
	res, err := newTestResender(s, rejected, 5).PushOnce(context.Background())
	if err != nil {
		t.Fatalf("PushOnce() error = %v", err)
	}
	if res.Discarded != 1 || rejected.requests.Load() != 1 {
		t.Fatalf("result = %+v requests = %d, want one discard without retry", res, rejected.requests.Load())
	}

	seed(t, s, 1)
	down := &mockTransport{fail: true}
	res, err = newTestResender(s, down, 1).PushOnce(context.Background())
	if err != nil {
		t.Fatalf("PushOnce() error = %v", err)
	}
	if res.Discarded != 1 {
		t.Fatalf("result = %+v, want exhausted payload discarded", res)
	}
	if got := pending(t, s); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}
