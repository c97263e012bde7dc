package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaChat_ToolCallsRoundTrip(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "qwen3:8b",
			"created_at": "2026-01-02T03:04:05.123Z",
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"function": {"name": "web_search", "arguments": {"query": "go"}}}]
			},
			"done": true,
			"prompt_eval_count": 42,
			"eval_count": 7
		}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	history := []Message{
		{Role: RoleUser, Content: "search"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "get_time", Arguments: `{"tz":"UTC"}`}}},
		{Role: RoleTool, Content: "noon", ToolCallID: "a"},
	}
	resp, err := c.Chat(context.Background(), "qwen3:8b", history, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Stream {
		t.Error("request should not stream")
	}
	if len(got.Messages) != 3 {
		t.Fatalf("sent %d messages, want 3", len(got.Messages))
	}
	if args := string(got.Messages[1].ToolCalls[0].Function.Arguments); args != `{"tz":"UTC"}` {
		t.Errorf("sent arguments = %s, want object", args)
	}

	if resp.InputTokens != 42 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 42/7", resp.InputTokens, resp.OutputTokens)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("CreatedAt not parsed")
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Name != "web_search" || tc.Arguments != `{"query": "go"}` || tc.ID == "" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestOllamaChat_OverflowError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"maximum context length is 3000 tokens, but the request resulted in 3400 tokens"}`))
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), "m", nil, nil)
	var ov *OverflowError
	if !errors.As(err, &ov) {
		t.Fatalf("err = %v, want *OverflowError", err)
	}
	if ov.Max != 3000 || ov.Used != 3400 {
		t.Errorf("overflow = %+v", ov)
	}
}

func TestOllamaChat_PlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), "m", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := AsOverflow(err); ok {
		t.Error("plain API error reported as overflow")
	}
}

func TestOllamaPingAndListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"a"},{"name":"b"}]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	names, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("ListModels = %v", names)
	}
}
