// Package netstate tracks whether the ingestion server is reachable by
// probing its health endpoint on an interval.
package netstate

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"backend-drivertrack/internal/observer"
)

const defaultProbeInterval = 15 * time.Second

type Prober interface {
	Health(ctx context.Context) error
}

type Option func(*Monitor)

func WithLogger(log slog.Logger) Option {
	return func(m *Monitor) {
		m.log = log
	}
}

func WithClock(clock quartz.Clock) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// Monitor starts offline and reports transitions to subscribers.
type Monitor struct {
	prober   Prober
	log      slog.Logger
	clock    quartz.Clock
	interval time.Duration
	timeout  time.Duration

	subs observer.Broadcaster[bool]

	mu     sync.Mutex
	online bool

	cancel   context.CancelFunc
	pollDone chan struct{}
}

func New(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   prober,
		log:      slog.Make(),
		clock:    quartz.NewReal(),
		interval: defaultProbeInterval,
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("netstate")
	return m
}

// Start probes once immediately and then on every interval until ctx is
// done or Close is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.pollDone = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.pollDone)
		m.Probe(ctx)
		tkr := m.clock.TickerFunc(ctx, m.interval, func() error {
			m.Probe(ctx)
			return nil
		}, "netstate", "probe")
		_ = tkr.Wait()
	}()
}

func (m *Monitor) Close() {
	m.mu.Lock()
	cancel, done := m.cancel, m.pollDone
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Probe checks the server once and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Health(ctx)
	if err != nil {
		m.log.Debug(ctx, "health probe failed", slog.Error(err))
	}
	m.Set(err == nil)
	return err == nil
}

// Set records the connectivity state. Subscribers are only notified when
// the state changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}
	m.log.Info(context.Background(), "connectivity changed", slog.F("online", online))
	m.subs.Publish(online)
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) Subscribe(fn func(bool)) func() {
	return m.subs.Subscribe(fn)
}
