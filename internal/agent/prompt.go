package agent

import (
	"strings"

	"github.com/nugget/thane-toolloop/internal/llm"
	"github.com/nugget/thane-toolloop/internal/prompts"
)

// SystemPrompt returns base, extended with the text tool-call
// convention when the model cannot call tools natively.
func SystemPrompt(base string, behavior ModelBehavior, defs llm.ToolDefinitions) string {
	if !behavior.TextToolCalling || len(defs) == 0 {
		return base
	}
	base = strings.TrimRight(base, "\n")
	if base == "" {
		return prompts.ToolConvention(defs)
	}
	return base + "\n\n" + prompts.ToolConvention(defs)
}
