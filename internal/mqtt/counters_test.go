package mqtt

import (
	"testing"
	"time"

	"github.com/nugget/thane-toolloop/internal/events"
)

func TestDailyStats_Observe(t *testing.T) {
	d := NewDailyStats(time.UTC)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d.Observe(events.Event{Timestamp: at, Kind: events.KindTurnComplete, Data: map[string]any{
		"model": "small", "tokens_in": 100, "tokens_out": 20, "tool_calls": 2,
	}})
	d.Observe(events.Event{Kind: events.KindTurnComplete, Data: map[string]any{
		"model": "big", "tokens_in": float64(50), "tokens_out": int64(5),
	}})
	d.Observe(events.Event{Kind: events.KindBreakerTripped})
	d.Observe(events.Event{Kind: events.KindToolCall, Data: map[string]any{"tool": "x"}})

	s := d.Snapshot()
	if s.Turns != 2 || s.InputTokens != 150 || s.OutputTokens != 25 || s.ToolCalls != 2 || s.BreakerTrips != 1 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.LastModel != "big" {
		t.Errorf("LastModel = %q, want big", s.LastModel)
	}
}

func TestDailyStats_ResetsAtMidnight(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	d := NewDailyStats(time.UTC)
	d.now = func() time.Time { return now }
	d.resetDay = now.YearDay()

	d.Observe(events.Event{Timestamp: now, Kind: events.KindTurnComplete, Data: map[string]any{"model": "m", "tokens_in": 10}})
	now = now.Add(2 * time.Minute)

	s := d.Snapshot()
	if s.Turns != 0 || s.InputTokens != 0 {
		t.Errorf("counters not reset: %+v", s)
	}
	if s.LastModel != "m" || s.LastTurn.IsZero() {
		t.Errorf("last turn info lost on reset: %+v", s)
	}
}
