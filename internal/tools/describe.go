package tools

import (
	"encoding/json"
	"fmt"
)

const maxHintLen = 80

// hintKeys are the argument keys, in priority order, used to annotate a
// tool call description.
var hintKeys = []string{"query", "url", "key", "tool_name"}

// Describe renders a short human-readable description of a tool call
// for progress notifications, e.g. "web_search(golang generics)".
// Gateway invocations render as "server/tool".
func Describe(name, argsJSON string) string {
	var args map[string]any
	if argsJSON != "" {
		_ = json.Unmarshal([]byte(argsJSON), &args)
	}

	if name == "mcp_invoke_tool" {
		server, _ := args["server_name"].(string)
		tool, _ := args["tool_name"].(string)
		if server != "" && tool != "" {
			return server + "/" + tool
		}
	}

	for _, k := range hintKeys {
		v, ok := args[k]
		if !ok || v == nil {
			continue
		}
		hint, ok := v.(string)
		if !ok {
			hint = fmt.Sprint(v)
		}
		if hint == "" {
			continue
		}
		return name + "(" + truncateRunes(hint, maxHintLen) + ")"
	}
	return name
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
