// Package contextguard keeps a conversation inside a model's context
// window by shrinking tool results once the window size is known.
package contextguard

import (
	"strings"
	"unicode/utf8"

	"github.com/nugget/thane-toolloop/internal/llm"
)

const (
	// CharsPerToken is the rough character-to-token ratio used for
	// budgeting.
	CharsPerToken = 4

	// BudgetFraction leaves headroom for the response and estimate
	// error.
	BudgetFraction = 0.9

	// ToolCallWeight is the size charged for each structured tool call
	// on an assistant message.
	ToolCallWeight = 50

	// TruncationMarker is appended to every shortened tool result.
	TruncationMarker = "\n[truncated to fit context window]"

	minKeep       = 200
	markerReserve = 60

	// textResultPrefix marks tool results fed back as user messages by
	// the text-convention loop.
	textResultPrefix = "[Tool result for "
)

// Budget returns the character budget for a window of maxTokens.
func Budget(maxTokens int) int {
	return int(float64(maxTokens*CharsPerToken) * BudgetFraction)
}

// Estimate returns the approximate character size of msgs.
func Estimate(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) + ToolCallWeight*len(m.ToolCalls)
	}
	return total
}

// IsToolResult reports whether m carries a tool result: a tool-role
// message, or a user message in the "[Tool result for NAME]: ..." form.
func IsToolResult(m llm.Message) bool {
	if m.Role == llm.RoleTool {
		return true
	}
	return m.Role == llm.RoleUser && strings.HasPrefix(m.Content, textResultPrefix)
}

// Result describes what Trim did.
type Result struct {
	Before  int   // estimate before trimming
	After   int   // estimate after trimming
	Budget  int   // character budget that was targeted
	Trimmed []int // indexes of shortened messages, in trim order
}

// Fits reports whether the trimmed estimate is within budget.
func (r Result) Fits() bool { return r.After <= r.Budget }

// Trim shortens tool results in msgs, in place, until the estimate fits
// the budget for maxTokens. Each step shortens the largest tool result
// not yet trimmed; every message is trimmed at most once, so Trim takes
// at most one step per tool result. Messages are never removed or
// reordered. A non-positive maxTokens is a no-op.
func Trim(msgs []llm.Message, maxTokens int) Result {
	res := Result{Before: Estimate(msgs), Budget: Budget(maxTokens)}
	res.After = res.Before
	if maxTokens <= 0 {
		res.Budget = res.Before
		return res
	}

	done := make(map[int]bool)
	for res.After > res.Budget {
		idx := largestUntrimmed(msgs, done)
		if idx < 0 {
			break
		}
		done[idx] = true

		content := msgs[idx].Content
		excess := res.After - res.Budget
		target := max(minKeep, len(content)-excess-markerReserve)
		if target+len(TruncationMarker) < len(content) {
			msgs[idx].Content = cutRunes(content, target) + TruncationMarker
			res.Trimmed = append(res.Trimmed, idx)
		}
		res.After = Estimate(msgs)
	}
	return res
}

func largestUntrimmed(msgs []llm.Message, done map[int]bool) int {
	best, bestLen := -1, -1
	for i, m := range msgs {
		if done[i] || !IsToolResult(m) {
			continue
		}
		if len(m.Content) > bestLen {
			best, bestLen = i, len(m.Content)
		}
	}
	return best
}

// cutRunes truncates s to at most n bytes without splitting a rune.
func cutRunes(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
