package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nugget/thane-toolloop/internal/feedback"
	"github.com/nugget/thane-toolloop/internal/llm"
	"github.com/nugget/thane-toolloop/internal/tools"
)

// chatCall records one call made to mockLLM.
type chatCall struct {
	messages []llm.Message
	tools    llm.ToolDefinitions
}

// mockLLM replays scripted replies. When the script runs out, respond
// is consulted; with no respond func it answers "done".
type mockLLM struct {
	mu      sync.Mutex
	replies []reply
	respond func(call int, msgs []llm.Message) (*llm.ChatResponse, error)
	calls   []chatCall

	// unanswered counts calls that arrived while a structured tool call
	// still lacked its result.
	unanswered int
}

type reply struct {
	resp *llm.ChatResponse
	err  error
}

func (m *mockLLM) Chat(_ context.Context, _ string, msgs []llm.Message, defs llm.ToolDefinitions) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]llm.Message, len(msgs))
	copy(cp, msgs)
	n := len(m.calls)
	m.calls = append(m.calls, chatCall{messages: cp, tools: defs})
	if !allAnswered(cp) {
		m.unanswered++
	}

	if n < len(m.replies) {
		return m.replies[n].resp, m.replies[n].err
	}
	if m.respond != nil {
		return m.respond(n, cp)
	}
	return textReply("done"), nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockLLM) call(i int) chatCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

// allAnswered reports whether every structured tool call in msgs has a
// matching tool message after it.
func allAnswered(msgs []llm.Message) bool {
	for i, m := range msgs {
		for _, tc := range m.ToolCalls {
			found := false
			for _, later := range msgs[i+1:] {
				if later.Role == llm.RoleTool && later.ToolCallID == tc.ID {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func textReply(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolReply(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

var callSeq int

func weatherCall(city string) llm.ToolCall {
	callSeq++
	return llm.ToolCall{
		ID:        fmt.Sprintf("call-%d", callSeq),
		Name:      "get_weather",
		Arguments: fmt.Sprintf(`{"city":%q}`, city),
	}
}

// fakeSink collects feedback signals.
type fakeSink struct {
	got chan feedback.Signal
	err error
}

func newFakeSink() *fakeSink {
	return &fakeSink{got: make(chan feedback.Signal, 16)}
}

func (f *fakeSink) Append(_ context.Context, s feedback.Signal) error {
	f.got <- s
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// toolCounter counts handler invocations per tool.
type toolCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *toolCounter) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[string]int)
	}
	c.n[name]++
}

func (c *toolCounter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

func testRegistry(counter *toolCounter, handlers map[string]tools.Handler) *tools.Registry {
	reg := tools.NewRegistry()
	for name, h := range handlers {
		reg.Register(&tools.Tool{
			Name:        name,
			Description: "test tool " + name,
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				if counter != nil {
					counter.inc(name)
				}
				return h(ctx, args)
			},
		})
	}
	return reg
}

func sunny(context.Context, map[string]any) (string, error) {
	return "Sunny, 20°C", nil
}

func refused(context.Context, map[string]any) (string, error) {
	return "", errors.New("connection refused")
}

func userTurn(text string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a helpful assistant."},
		{Role: llm.RoleUser, Content: text},
	}
}

func lastMessage(t *testing.T, msgs []llm.Message) llm.Message {
	t.Helper()
	if len(msgs) == 0 {
		t.Fatal("no messages")
	}
	return msgs[len(msgs)-1]
}
