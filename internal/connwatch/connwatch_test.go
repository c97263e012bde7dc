package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/thane-toolloop/internal/events"
)

// testBackoff returns a fast backoff for tests.
func testBackoff() Backoff {
	return Backoff{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func testManager(bus *events.Bus) *Manager {
	return NewManager(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, sub <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-sub:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event")
		return events.Event{}
	}
}

func TestBackoff_WithDefaults(t *testing.T) {
	got := Backoff{MaxRetries: 3}.withDefaults()
	want := DefaultBackoff()
	want.MaxRetries = 3
	if got != want {
		t.Errorf("withDefaults = %+v, want %+v", got, want)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	bus := events.New()
	sub := bus.Subscribe(8)
	m := testManager(bus)
	defer m.Stop()

	w := m.Watch(context.Background(), "ollama", func(context.Context) error { return nil }, testBackoff())
	eventually(t, "ready", w.IsReady)

	e := nextEvent(t, sub)
	if e.Source != events.SourceConnwatch || e.Kind != events.KindServiceUp || e.Data["service"] != "ollama" {
		t.Errorf("event = %+v", e)
	}
	if s := w.Status(); s.LastError != "" || s.LastCheck.IsZero() {
		t.Errorf("status = %+v", s)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	probe := func(context.Context) error {
		if attempts.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	m := testManager(nil)
	defer m.Stop()
	w := m.Watch(context.Background(), "ollama", probe, testBackoff())

	eventually(t, "ready after retries", w.IsReady)
	if n := attempts.Load(); n != 4 {
		t.Errorf("attempts = %d, want 4", n)
	}
}

func TestWatcher_ExhaustsRetriesThenRecovers(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	var attempts atomic.Int32
	probe := func(context.Context) error {
		attempts.Add(1)
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}

	m := testManager(nil)
	defer m.Stop()
	w := m.Watch(context.Background(), "broker", probe, testBackoff())

	eventually(t, "startup retries exhausted", func() bool { return attempts.Load() > 5 })
	if w.IsReady() {
		t.Fatal("ready while probe fails")
	}
	if w.Status().LastError != "down" {
		t.Errorf("LastError = %q", w.Status().LastError)
	}

	healthy.Store(true)
	eventually(t, "recovery in background polling", w.IsReady)
}

func TestWatcher_GoesDown(t *testing.T) {
	t.Parallel()
	bus := events.New()
	sub := bus.Subscribe(8)
	var healthy atomic.Bool
	healthy.Store(true)
	probe := func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("stopped answering")
	}

	m := testManager(bus)
	defer m.Stop()
	w := m.Watch(context.Background(), "mcp:files", probe, testBackoff())
	eventually(t, "ready", w.IsReady)
	nextEvent(t, sub)

	healthy.Store(false)
	eventually(t, "down", func() bool { return !w.IsReady() })
	e := nextEvent(t, sub)
	if e.Kind != events.KindServiceDown || e.Data["error"] != "stopped answering" {
		t.Errorf("event = %+v", e)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	b := testBackoff()
	b.ProbeTimeout = 5 * time.Millisecond

	m := testManager(nil)
	defer m.Stop()
	w := m.Watch(context.Background(), "slow", probe, b)

	eventually(t, "probe error recorded", func() bool { return w.Status().LastError != "" })
	if w.IsReady() {
		t.Error("slow service reported ready")
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	m := testManager(nil)
	w := m.Watch(ctx, "svc", func(context.Context) error { return errors.New("down") }, DefaultBackoff())

	cancel()
	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit on cancel")
	}
}

func TestManager_StatusSorted(t *testing.T) {
	t.Parallel()
	m := testManager(nil)
	defer m.Stop()
	ok := func(context.Context) error { return nil }
	m.Watch(context.Background(), "ollama", ok, testBackoff())
	m.Watch(context.Background(), "mcp:files", ok, testBackoff())
	m.Watch(context.Background(), "mqtt", ok, testBackoff())

	eventually(t, "all ready", func() bool {
		for _, s := range m.Status() {
			if !s.Ready {
				return false
			}
		}
		return true
	})
	st := m.Status()
	if len(st) != 3 || st[0].Name != "mcp:files" || st[1].Name != "mqtt" || st[2].Name != "ollama" {
		t.Errorf("Status = %+v", st)
	}
}

func TestManager_WatchReplaces(t *testing.T) {
	t.Parallel()
	m := testManager(nil)
	defer m.Stop()
	first := m.Watch(context.Background(), "svc", func(context.Context) error { return nil }, testBackoff())
	m.Watch(context.Background(), "svc", func(context.Context) error { return nil }, testBackoff())

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher still running")
	}
	if n := len(m.Status()); n != 1 {
		t.Errorf("len(Status) = %d, want 1", n)
	}
}
