// Package breaker stops a tool-calling turn once tools keep timing out,
// so an unresponsive dependency cannot consume the whole iteration
// budget.
package breaker

import "strings"

// DefaultThreshold is the number of consecutive timeout iterations that
// trips the breaker.
const DefaultThreshold = 2

// Breaker counts consecutive iterations whose tool results contained a
// timeout. It is per-turn state and not safe for concurrent use.
type Breaker struct {
	threshold   int
	consecutive int
}

// New returns a breaker that trips after threshold consecutive timeout
// iterations. A threshold below one uses DefaultThreshold.
func New(threshold int) *Breaker {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &Breaker{threshold: threshold}
}

// Observe records one iteration and reports whether the breaker has
// tripped. A clean iteration resets the count.
func (b *Breaker) Observe(hadTimeout bool) bool {
	if hadTimeout {
		b.consecutive++
	} else {
		b.consecutive = 0
	}
	return b.Tripped()
}

// Tripped reports whether the threshold has been reached.
func (b *Breaker) Tripped() bool {
	return b.consecutive >= b.threshold
}

// Consecutive returns the current run of timeout iterations.
func (b *Breaker) Consecutive() int {
	return b.consecutive
}

// IsTimeout reports whether a single tool result describes a timeout.
func IsTimeout(result string) bool {
	return strings.Contains(strings.ToLower(result), "timed out")
}

// HasTimeout reports whether any result in an iteration describes a
// timeout.
func HasTimeout(results []string) bool {
	for _, r := range results {
		if IsTimeout(r) {
			return true
		}
	}
	return false
}
