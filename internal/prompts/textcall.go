package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolResult formats a tool result fed back as a user message to
// models without structured tool calling.
func ToolResult(name, result string) string {
	return fmt.Sprintf("[Tool result for %s]: %s", name, result)
}

// ToolConvention builds the system prompt section that teaches a model
// without structured tool calling how to request tools. tools uses the
// provider function-definition shape.
func ToolConvention(tools []map[string]any) string {
	var b strings.Builder
	b.WriteString("## Tools\n\n")
	b.WriteString("To use a tool, write a line with its name followed by a line with a JSON object of arguments, exactly like this:\n\n")
	b.WriteString("tool_call_name: <tool name>\n")
	b.WriteString("tool_call_arguments: {\"arg\": \"value\"}\n\n")
	b.WriteString("Then stop and wait. The result will arrive in a message starting with \"[Tool result for <tool name>]:\". ")
	b.WriteString("You may request several tools in one message. When no tool is needed, answer normally.\n\n")
	b.WriteString("Available tools:\n")

	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		fmt.Fprintf(&b, "\n- %s: %s\n", name, desc)
		if params, ok := fn["parameters"]; ok && params != nil {
			if raw, err := json.Marshal(params); err == nil {
				fmt.Fprintf(&b, "  parameters: %s\n", raw)
			}
		}
	}
	return b.String()
}
