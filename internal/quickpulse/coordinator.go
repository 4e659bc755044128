// Package quickpulse implements the live metrics side channel: a collector of
// per-interval counters and a coordinator that alternates between pinging the
// service and posting those counters while a viewer is subscribed.
package quickpulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultPingInterval  = 5 * time.Second
	DefaultPostInterval  = 1 * time.Second
	DefaultErrorInterval = 40 * time.Second
)

// ErrFatalStatus is returned by Run when the service answered with a status
// the coordinator does not understand.
var ErrFatalStatus = errors.New("live metrics service returned an unrecognized status")

type State int32

const (
	StatePing State = iota
	StatePost
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePing:
		return "ping"
	case StatePost:
		return "post"
	default:
		return "stopped"
	}
}

var stateTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ocp_live_state_transitions_total",
		Help: "Total number of live metrics coordinator transitions by target state",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(stateTransitionsTotal)
}

type Pinger interface {
	Ping(ctx context.Context, redirect string) HeaderInfo
}

type Fetcher interface {
	Prepare(redirect string)
}

// Sender posts prepared documents asynchronously and reports the outcome of
// the latest post.
type Sender interface {
	StartSending()
	HeaderInfo() HeaderInfo
}

// Switch turns counter collection on and off.
type Switch interface {
	Enable(instrumentationKey string)
	Disable()
}

type Intervals struct {
	Ping  time.Duration
	Post  time.Duration
	Error time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.Ping <= 0 {
		i.Ping = DefaultPingInterval
	}
	if i.Post <= 0 {
		i.Post = DefaultPostInterval
	}
	if i.Error <= 0 {
		i.Error = DefaultErrorInterval
	}
	return i
}

type CoordinatorConfig struct {
	InstrumentationKey string
	Intervals          Intervals
	Pinger             Pinger
	Fetcher            Fetcher
	Sender             Sender
	Collector          Switch
	Logger             *slog.Logger
}

// Coordinator is the ping/post state machine. Run executes it on a single
// goroutine which is the only writer of the session state; State may be read
// from anywhere.
type Coordinator struct {
	ikey      string
	intervals Intervals
	pinger    Pinger
	fetcher   Fetcher
	sender    Sender
	collector Switch
	logger    *slog.Logger

	state atomic.Int32

	// Session state returned by the service, owned by the Run goroutine.
	redirect    string
	pollingHint time.Duration

	runOnce sync.Once
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		ikey:      cfg.InstrumentationKey,
		intervals: cfg.Intervals.withDefaults(),
		pinger:    cfg.Pinger,
		fetcher:   cfg.Fetcher,
		sender:    cfg.Sender,
		collector: cfg.Collector,
		logger:    logger,
	}
	c.state.Store(int32(StatePing))
	return c
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		stateTransitionsTotal.WithLabelValues(s.String()).Inc()
	}
}

// Run loops until ctx is done or the service returns an unrecognized status,
// in which case collection is disabled and ErrFatalStatus is returned. A
// Coordinator runs at most once.
func (c *Coordinator) Run(ctx context.Context) error {
	err := errors.New("live metrics coordinator already ran")
	c.runOnce.Do(func() { err = c.run(ctx) })
	return err
}

func (c *Coordinator) run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		wait, err := c.step(ctx)
		if err != nil {
			return err
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// step performs one ping or post and returns how long to sleep before the
// next one. A panic in a step is logged and answered with the error interval.
func (c *Coordinator) step(ctx context.Context) (wait time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("live metrics step panicked", "panic", fmt.Sprint(r), "state", c.State().String())
			wait, err = c.intervals.Error, nil
		}
	}()

	switch c.State() {
	case StatePing:
		return c.ping(ctx)
	case StatePost:
		return c.post()
	default:
		return 0, ErrFatalStatus
	}
}

func (c *Coordinator) ping(ctx context.Context) (time.Duration, error) {
	info := c.pinger.Ping(ctx, c.redirect)
	c.updateSession(info)

	switch info.Status {
	case StatusOn:
		c.collector.Enable(c.ikey)
		c.sender.StartSending()
		c.setState(StatePost)
		return c.intervals.Post, nil
	case StatusOff:
		return c.idleInterval(), nil
	case StatusError:
		return c.intervals.Error, nil
	default:
		return 0, c.fatal(info)
	}
}

func (c *Coordinator) post() (time.Duration, error) {
	c.fetcher.Prepare(c.redirect)
	info := c.sender.HeaderInfo()
	c.updateSession(info)

	switch info.Status {
	case StatusOn:
		return c.intervals.Post, nil
	case StatusOff:
		c.collector.Disable()
		c.setState(StatePing)
		return c.idleInterval(), nil
	case StatusError:
		c.collector.Disable()
		c.setState(StatePing)
		return c.intervals.Error, nil
	default:
		return 0, c.fatal(info)
	}
}

func (c *Coordinator) fatal(info HeaderInfo) error {
	c.logger.Error("live metrics stopped after unrecognized service status", "status", info.Status.String())
	c.collector.Disable()
	c.setState(StateStopped)
	return ErrFatalStatus
}

func (c *Coordinator) idleInterval() time.Duration {
	if c.pollingHint > 0 {
		return c.pollingHint
	}
	return c.intervals.Ping
}

func (c *Coordinator) updateSession(info HeaderInfo) {
	if info.RedirectEndpoint != "" {
		c.redirect = info.RedirectEndpoint
	}
	if info.PollingInterval > 0 {
		c.pollingHint = info.PollingInterval
	}
}
