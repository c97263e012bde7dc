// Package llm provides LLM client implementations.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call issued by the model. Arguments holds
// the raw JSON object text exactly as the model produced it; decoding
// happens at execution time so malformed arguments surface as a tool
// result rather than a transport error.
type ToolCall struct {
	ID        string `json:"id,omitempty"` // Provider-assigned ID (required by Anthropic for tool_result correlation)
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries (ollama.go, anthropic.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// ToolDefinitions is the OpenAI-style function list passed to providers.
// Each entry has the shape {"type": "function", "function": {...}}.
type ToolDefinitions = []map[string]any
