package quickpulse

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// script hands out HeaderInfo values to whichever of ping or post asks next.
type script struct {
	mu        sync.Mutex
	responses []HeaderInfo
	redirects []string
	prepared  int
	started   int
	enabled   []string
	disabled  int
	panicNext bool
}

func (s *script) next() HeaderInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicNext {
		s.panicNext = false
		panic("injected")
	}
	if len(s.responses) == 0 {
		return HeaderInfo{Status: StatusOff}
	}
	info := s.responses[0]
	s.responses = s.responses[1:]
	return info
}

func (s *script) Ping(_ context.Context, redirect string) HeaderInfo {
	s.mu.Lock()
	s.redirects = append(s.redirects, redirect)
	s.mu.Unlock()
	return s.next()
}

func (s *script) Prepare(redirect string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared++
	s.redirects = append(s.redirects, redirect)
}

func (s *script) StartSending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}

func (s *script) HeaderInfo() HeaderInfo { return s.next() }

func (s *script) Enable(ikey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = append(s.enabled, ikey)
}

func (s *script) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled++
}

var testIntervals = Intervals{Ping: 5 * time.Second, Post: time.Second, Error: 40 * time.Second}

func newScriptedCoordinator(s *script) *Coordinator {
	return NewCoordinator(CoordinatorConfig{
		InstrumentationKey: "ikey",
		Intervals:          testIntervals,
		Pinger:             s,
		Fetcher:            s,
		Sender:             s,
		Collector:          s,
		Logger:             slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
}

func TestCoordinatorTransitions(t *testing.T) {
	t.Parallel()

	s := &script{responses: []HeaderInfo{
		{Status: StatusOn},
		{Status: StatusOff},
		{Status: StatusError},
		{Status: StatusOn},
	}}
	c := newScriptedCoordinator(s)

	var visited []State
	var waits []time.Duration
	for range 4 {
		visited = append(visited, c.State())
		wait, err := c.step(context.Background())
		require.NoError(t, err)
		waits = append(waits, wait)
	}
	visited = append(visited, c.State())

	require.Equal(t, []State{StatePing, StatePost, StatePing, StatePing, StatePost}, visited)
	require.Equal(t, []time.Duration{time.Second, 5 * time.Second, 40 * time.Second, time.Second}, waits)
	require.Equal(t, 2, s.started)
	require.Equal(t, 1, s.prepared)
	require.Equal(t, []string{"ikey", "ikey"}, s.enabled)
	require.Equal(t, 1, s.disabled)
}

func TestCoordinatorUsesServerHintAndRedirect(t *testing.T) {
	t.Parallel()

	s := &script{responses: []HeaderInfo{
		{Status: StatusOff, PollingInterval: 7 * time.Second, RedirectEndpoint: "https://r1"},
		{Status: StatusOff},
		{Status: StatusOn},
		{Status: StatusOff},
	}}
	c := newScriptedCoordinator(s)

	wait, err := c.step(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7*time.Second, wait)

	wait, err = c.step(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7*time.Second, wait, "hint persists until overwritten")

	_, err = c.step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePost, c.State())

	wait, err = c.step(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7*time.Second, wait)
	require.Equal(t, StatePing, c.State())

	require.Equal(t, []string{"", "https://r1", "https://r1", "https://r1"}, s.redirects)
}

func TestCoordinatorUnknownStatusIsFatal(t *testing.T) {
	t.Parallel()

	s := &script{responses: []HeaderInfo{{Status: StatusOn}, {Status: StatusUnknown}}}
	c := NewCoordinator(CoordinatorConfig{
		InstrumentationKey: "ikey",
		Intervals:          Intervals{Ping: time.Millisecond, Post: time.Millisecond, Error: time.Millisecond},
		Pinger:             s,
		Fetcher:            s,
		Sender:             s,
		Collector:          s,
		Logger:             slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	require.ErrorIs(t, err, ErrFatalStatus)
	require.Equal(t, StateStopped, c.State())
	require.Equal(t, 1, s.disabled)

	require.Error(t, c.Run(ctx), "a coordinator runs once")
}

func TestCoordinatorRecoversFromPanic(t *testing.T) {
	t.Parallel()

	s := &script{panicNext: true, responses: []HeaderInfo{{Status: StatusOn}}}
	c := newScriptedCoordinator(s)

	wait, err := c.step(context.Background())
	require.NoError(t, err)
	require.Equal(t, testIntervals.Error, wait)
	require.Equal(t, StatePing, c.State())

	_, err = c.step(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatePost, c.State())
}

func TestCoordinatorRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := &script{}
	c := newScriptedCoordinator(s)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.redirects) > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
