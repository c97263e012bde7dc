package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// OverflowError reports that a request exceeded the model's context
// window. Max is the window size in tokens; Used is how many tokens the
// rejected request needed (zero when the provider did not say).
type OverflowError struct {
	Max  int
	Used int
	Err  error
}

// Error implements the error interface.
func (e *OverflowError) Error() string {
	if e.Used > 0 {
		return fmt.Sprintf("context window overflow: %d tokens exceeds maximum of %d", e.Used, e.Max)
	}
	return fmt.Sprintf("context window overflow: maximum is %d tokens", e.Max)
}

// Unwrap returns the provider error the overflow was derived from.
func (e *OverflowError) Unwrap() error {
	return e.Err
}

var (
	// OpenAI-compatible servers (vLLM, llama.cpp, LM Studio, OpenAI):
	// "maximum context length is 8192 tokens. However, your messages
	// resulted in 9001 tokens."
	maxContextRe = regexp.MustCompile(`maximum context length is\s*(\d+)`)
	usedTokensRe = regexp.MustCompile(`resulted in\s*(\d+)\s*tokens`)

	// Anthropic: "prompt is too long: 210000 tokens > 200000 maximum"
	promptTooLongRe = regexp.MustCompile(`prompt is too long:\s*(\d+)\s*tokens\s*>\s*(\d+)\s*maximum`)
)

// ParseOverflow extracts overflow details from a provider error message.
// It returns nil when the text does not describe a context overflow.
func ParseOverflow(text string) *OverflowError {
	if m := promptTooLongRe.FindStringSubmatch(text); m != nil {
		used, _ := strconv.Atoi(m[1])
		maxTokens, _ := strconv.Atoi(m[2])
		if maxTokens > 0 {
			return &OverflowError{Max: maxTokens, Used: used}
		}
	}

	maxMatch := maxContextRe.FindStringSubmatch(text)
	usedMatch := usedTokensRe.FindStringSubmatch(text)
	if maxMatch == nil || usedMatch == nil {
		return nil
	}
	maxTokens, err := strconv.Atoi(maxMatch[1])
	if err != nil || maxTokens <= 0 {
		return nil
	}
	used, _ := strconv.Atoi(usedMatch[1])
	return &OverflowError{Max: maxTokens, Used: used}
}

// AsOverflow reports whether err is a context overflow. Clients in this
// package return *OverflowError directly; for third-party clients the
// error text is parsed as a fallback.
func AsOverflow(err error) (*OverflowError, bool) {
	if err == nil {
		return nil, false
	}
	var ov *OverflowError
	if errors.As(err, &ov) {
		return ov, true
	}
	if ov := ParseOverflow(err.Error()); ov != nil {
		ov.Err = err
		return ov, true
	}
	return nil, false
}
