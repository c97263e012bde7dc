package tools

import (
	"strings"
	"testing"
)

func TestDescribe(t *testing.T) {
	long := strings.Repeat("é", 100)

	tests := []struct {
		name string
		tool string
		args string
		want string
	}{
		{"query hint", "web_search", `{"query":"golang generics"}`, "web_search(golang generics)"},
		{"url hint", "web_fetch", `{"url":"https://example.com"}`, "web_fetch(https://example.com)"},
		{"key before tool_name", "remember", `{"tool_name":"x","key":"k"}`, "remember(k)"},
		{"query wins over url", "t", `{"url":"u","query":"q"}`, "t(q)"},
		{"gateway", "mcp_invoke_tool", `{"server_name":"github","tool_name":"list_issues"}`, "github/list_issues"},
		{"gateway missing server", "mcp_invoke_tool", `{"tool_name":"list_issues"}`, "mcp_invoke_tool(list_issues)"},
		{"no hint", "get_current_time", `{"timezone":"UTC"}`, "get_current_time"},
		{"empty hint skipped", "t", `{"query":"","url":"u"}`, "t(u)"},
		{"malformed args", "t", `{"query":`, "t"},
		{"truncated", "t", `{"query":"` + long + `"}`, "t(" + strings.Repeat("é", 80) + ")"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Describe(tt.tool, tt.args); got != tt.want {
				t.Errorf("Describe(%q, %q) = %q, want %q", tt.tool, tt.args, got, tt.want)
			}
		})
	}
}
