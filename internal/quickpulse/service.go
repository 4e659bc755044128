package quickpulse

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
)

type ServiceConfig struct {
	Endpoint      string
	Identity      Identity
	Intervals     Intervals
	SendQueueSize int
	HTTPClient    *http.Client
	Sampler       SystemSampler
	Logger        *slog.Logger
}

// Service wires the collector, the sender goroutine and the coordinator
// goroutine together.
type Service struct {
	Collector   *Collector
	Sender      *DataSender
	Coordinator *Coordinator

	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runErr error
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := NewCollector()
	sender := NewDataSender(cfg.HTTPClient, cfg.Endpoint, cfg.Identity, cfg.SendQueueSize, logger)
	coordinator := NewCoordinator(CoordinatorConfig{
		InstrumentationKey: cfg.Identity.InstrumentationKey,
		Intervals:          cfg.Intervals,
		Pinger:             NewPingSender(cfg.HTTPClient, cfg.Endpoint, cfg.Identity, logger),
		Fetcher:            NewDataFetcher(collector, cfg.Sampler, sender, cfg.Identity, logger),
		Sender:             sender,
		Collector:          collector,
		Logger:             logger,
	})
	return &Service{
		Collector:   collector,
		Sender:      sender,
		Coordinator: coordinator,
		logger:      logger,
	}
}

// Start launches the sender and the coordinator. Stop ends both.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Sender.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.Coordinator.Run(ctx); err != nil {
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
		}
	}()
	s.logger.Info("live metrics started", "stream_id", s.Sender.id.StreamID)
}

func (s *Service) State() State {
	return s.Coordinator.State()
}

// Stop cancels both goroutines and waits for them or for ctx.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.runErr, ErrFatalStatus) {
		// Already logged by the coordinator.
		return nil
	}
	return s.runErr
}
