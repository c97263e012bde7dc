package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// eventLimiter caps forwarded events per interval so a runaway turn
// cannot flood the broker. Counters are atomic; allow is on the hot
// path of every bus event.
type eventLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newEventLimiter(limit int64, interval time.Duration, logger *slog.Logger) *eventLimiter {
	return &eventLimiter{limit: limit, interval: interval, logger: logger}
}

// run resets the window every interval until ctx is cancelled.
func (r *eventLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *eventLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt events dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

func (r *eventLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
