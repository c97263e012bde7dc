// Package classify holds the heuristics that decide whether a model's
// text answer is really finished. Both checks are pattern matches and
// are expected to need tuning, so the loop only depends on the
// Classifier interface.
package classify

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Classifier inspects a text response that carried no tool calls.
type Classifier interface {
	// IncompleteSetup reports text that announces an action and stops
	// before doing it ("Let me check the calendar:").
	IncompleteSetup(text string) bool

	// HallucinatedAction reports text claiming an action was carried
	// out that no tool call could have performed.
	HallucinatedAction(text string) bool
}

// claimPatterns match claims of completed actions.
var claimPatterns = []string{
	`(?i)\bI(?:'ve| have)\s+(?:successfully\s+|now\s+|just\s+)?(?:cancel+ed|scheduled|created|sent|dispatched|started|launched|deleted|removed|updated|saved|stored|set up|spawned|queued|booked|turned (?:on|off)|triggered|restarted)\b`,
	`(?i)\bis now (?:running|active|in progress|underway)\b`,
	`(?i)\bhas been (?:dispatched|scheduled|cancel+ed|started|spawned|queued|created|launched|triggered)\b`,
}

// labeledIDPattern captures the token after an explicit task or agent
// ID label ("task ID is X", "Agent ID: X", "task #X").
var labeledIDPattern = regexp.MustCompile(`(?i)\b(?:task|agent)(?:[ _-]?id\b(?:\s+is\b)?\s*[:#=]?\s*|\s*[:#=]\s*)` + "`?" + `([A-Za-z0-9-]+)`)

// bareIDPattern captures a token joined directly to a task or agent
// label ("agent_9f8e7d6c"). Ordinary words follow these labels too, so
// the token must mix letters and digits.
var bareIDPattern = regexp.MustCompile(`(?i)\b(?:task|agent)[ _-]([A-Za-z0-9-]+)`)

const minIDLen = 8

// Heuristic is the regex-based Classifier.
type Heuristic struct {
	claims []*regexp.Regexp
}

// NewHeuristic compiles the built-in patterns plus extra. An invalid
// extra pattern is an error.
func NewHeuristic(extra []string) (*Heuristic, error) {
	h := &Heuristic{}
	for _, p := range claimPatterns {
		h.claims = append(h.claims, regexp.MustCompile(p))
	}
	for _, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile hallucination pattern %q: %w", p, err)
		}
		h.claims = append(h.claims, re)
	}
	return h, nil
}

// Default returns a Heuristic with only the built-in patterns.
func Default() *Heuristic {
	h, _ := NewHeuristic(nil)
	return h
}

// IncompleteSetup reports trimmed text ending in ":", "..." or "…".
func (h *Heuristic) IncompleteSetup(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	return strings.HasSuffix(t, ":") || strings.HasSuffix(t, "...") || strings.HasSuffix(t, "…")
}

// HallucinatedAction reports text matching any claim pattern or
// containing a labeled ID of at least eight alphanumerics.
func (h *Heuristic) HallucinatedAction(text string) bool {
	for _, re := range h.claims {
		if re.MatchString(text) {
			return true
		}
	}
	return hasFabricatedID(text)
}

func hasFabricatedID(text string) bool {
	for _, m := range labeledIDPattern.FindAllStringSubmatch(text, -1) {
		if len(m[1]) >= minIDLen {
			return true
		}
	}
	for _, m := range bareIDPattern.FindAllStringSubmatch(text, -1) {
		if id := m[1]; len(id) >= minIDLen && mixed(id) {
			return true
		}
	}
	return false
}

func mixed(s string) bool {
	return strings.ContainsAny(s, "0123456789") &&
		strings.IndexFunc(s, unicode.IsLetter) >= 0
}
