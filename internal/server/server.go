package server

import (
	"net/http"
	"time"
)

// New routes the admin endpoints. metrics may be nil to disable /metrics.
func New(addr string, healthHandler http.Handler, metricsHandler http.Handler, trackHandlers *TrackHandlers) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /health", healthHandler)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	if trackHandlers != nil {
		mux.HandleFunc("POST /v2.1/track", trackHandlers.PostTrack)
		mux.HandleFunc("POST /v1/track", trackHandlers.PostTrack)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
