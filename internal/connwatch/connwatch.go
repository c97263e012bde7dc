// Package connwatch tracks whether the services a turn depends on are
// reachable: the model provider, MCP servers and the MQTT broker.
//
// Each Watcher probes one service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s)
//
// Transitions between reachable and unreachable are logged and
// published on the event bus. The API health endpoint reports
// [Manager.Status].
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/thane-toolloop/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls startup retries and background polling. MaxRetries
// bounds the startup phase.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s doubling to 60s over 10 startup attempts,
// then polling every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoff.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is one service's health, as served by the health endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	name    string
	probeFn ProbeFunc
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered its last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for attempt := 1; attempt <= w.backoff.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if err == nil {
			w.up(attempt)
			break
		}
		if attempt == w.backoff.MaxRetries {
			w.logger.Info("startup connection failed, entering background polling",
				"service", w.name, "attempts", attempt, "error", err)
			break
		}
		w.logger.Debug("startup probe failed, retrying",
			"service", w.name, "attempt", attempt, "next_delay", delay, "error", err)

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.MaxDelay)
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			switch wasReady := w.ready.Load(); {
			case wasReady && err != nil:
				w.down(err)
			case !wasReady && err == nil:
				w.up(0)
			}
		}
	}
}

func (w *Watcher) up(attempts int) {
	w.ready.Store(true)
	w.logger.Info("service connected", "service", w.name, "attempts", attempts)
	w.bus.Emit(events.SourceConnwatch, events.KindServiceUp, map[string]any{
		"service":  w.name,
		"attempts": attempts,
	})
}

func (w *Watcher) down(err error) {
	w.ready.Store(false)
	w.logger.Warn("service became unreachable", "service", w.name, "error", err)
	w.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
		"service": w.name,
		"error":   err.Error(),
	})
}

// probe runs the probe under ProbeTimeout and records the result.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	defer cancel()
	err := w.probeFn(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts probing a service in the background until ctx is
// cancelled or [Manager.Stop] is called. Watching a name again replaces
// the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, backoff Backoff) *Watcher {
	if name == "" || probe == nil {
		panic("connwatch: Watch needs a name and a probe")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		probeFn: probe,
		backoff: backoff.withDefaults(),
		bus:     m.bus,
		logger:  m.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns every watched service, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
