package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/thane-toolloop/internal/events"
)

// DailyStats accumulates loop activity for the current local day and
// resets at midnight. It is safe for concurrent use.
type DailyStats struct {
	mu           sync.Mutex
	turns        int64
	inputTokens  int64
	outputTokens int64
	toolCalls    int64
	breakerTrips int64
	lastTurn     time.Time
	lastModel    string
	resetDay     int // day-of-year of last reset
	loc          *time.Location
	now          func() time.Time
}

// StatsSnapshot is a copy of the counters at one moment.
type StatsSnapshot struct {
	Turns        int64
	InputTokens  int64
	OutputTokens int64
	ToolCalls    int64
	BreakerTrips int64
	LastTurn     time.Time
	LastModel    string
}

// NewDailyStats uses loc for midnight detection; nil means [time.Local].
func NewDailyStats(loc *time.Location) *DailyStats {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyStats{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Observe folds one bus event into the counters. Events other than
// turn completions and breaker trips are ignored.
func (d *DailyStats) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	switch e.Kind {
	case events.KindTurnComplete:
		d.turns++
		d.inputTokens += toInt64(e.Data["tokens_in"])
		d.outputTokens += toInt64(e.Data["tokens_out"])
		d.toolCalls += toInt64(e.Data["tool_calls"])
		d.lastTurn = e.Timestamp
		if m, ok := e.Data["model"].(string); ok {
			d.lastModel = m
		}
	case events.KindBreakerTripped:
		d.breakerTrips++
	}
}

// Snapshot returns the current totals after checking for rollover.
func (d *DailyStats) Snapshot() StatsSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return StatsSnapshot{
		Turns:        d.turns,
		InputTokens:  d.inputTokens,
		OutputTokens: d.outputTokens,
		ToolCalls:    d.toolCalls,
		BreakerTrips: d.breakerTrips,
		LastTurn:     d.lastTurn,
		LastModel:    d.lastModel,
	}
}

// maybeReset zeroes the day counters when the local day changed.
// Caller holds d.mu. LastTurn and LastModel survive the reset.
func (d *DailyStats) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today == d.resetDay {
		return
	}
	d.turns, d.inputTokens, d.outputTokens = 0, 0, 0
	d.toolCalls, d.breakerTrips = 0, 0
	d.resetDay = today
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
