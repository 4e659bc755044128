package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

const maxTrackBodyBytes = 4 << 20

type Tracker interface {
	Track(rec telemetry.Record) bool
}

type TrackHandlers struct {
	tracker Tracker
}

// trackRequest is one record as posted by local producers. Duration is in
// milliseconds; a missing success flag means success.
type trackRequest struct {
	Name       string            `json:"name"`
	Time       *time.Time        `json:"time"`
	IKey       string            `json:"iKey"`
	Kind       string            `json:"kind"`
	Tags       map[string]string `json:"tags"`
	DurationMs float64           `json:"duration_ms"`
	Success    *bool             `json:"success"`
	Properties map[string]string `json:"properties"`
	Data       json.RawMessage   `json:"data"`
}

type trackResponse struct {
	ItemsReceived int `json:"itemsReceived"`
	ItemsAccepted int `json:"itemsAccepted"`
}

var validKinds = map[telemetry.Kind]bool{
	telemetry.KindRequest:    true,
	telemetry.KindDependency: true,
	telemetry.KindException:  true,
	telemetry.KindMessage:    true,
	telemetry.KindMetric:     true,
	telemetry.KindEvent:      true,
}

func NewTrackHandlers(tracker Tracker) *TrackHandlers {
	return &TrackHandlers{tracker: tracker}
}

// PostTrack accepts a single JSON record or newline-delimited records,
// optionally gzip-compressed. The whole body is validated before anything is
// tracked; records the queue drops still count as received.
func (h *TrackHandlers) PostTrack(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = http.MaxBytesReader(w, r.Body, maxTrackBodyBytes)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(body)
		if err != nil {
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}

	recs, err := decodeRecords(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := trackResponse{ItemsReceived: len(recs)}
	for _, rec := range recs {
		if h.tracker.Track(rec) {
			resp.ItemsAccepted++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func decodeRecords(r io.Reader) ([]telemetry.Record, error) {
	dec := json.NewDecoder(r)
	var out []telemetry.Record
	for {
		var req trackRequest
		err := dec.Decode(&req)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		rec, err := req.record()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, errors.New("no records in body")
	}
	return out, nil
}

func (req trackRequest) record() (telemetry.Record, error) {
	if req.Name == "" {
		return telemetry.Record{}, errors.New("name is required")
	}
	kind := telemetry.Kind(strings.ToLower(req.Kind))
	if kind == "" {
		kind = telemetry.KindEvent
	}
	if !validKinds[kind] {
		return telemetry.Record{}, fmt.Errorf("unknown kind %q", req.Kind)
	}
	if req.DurationMs < 0 {
		return telemetry.Record{}, errors.New("duration_ms must not be negative")
	}
	rec := telemetry.Record{
		Name:               req.Name,
		InstrumentationKey: req.IKey,
		Kind:               kind,
		Tags:               req.Tags,
		Duration:           time.Duration(req.DurationMs * float64(time.Millisecond)),
		Success:            req.Success == nil || *req.Success,
		Properties:         req.Properties,
		Data:               req.Data,
	}
	if req.Time != nil {
		rec.Time = *req.Time
	}
	if string(rec.Data) == "null" {
		rec.Data = nil
	}
	return rec, nil
}
