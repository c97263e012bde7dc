package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are a helpful assistant."},
		{Role: RoleUser, Content: "Hello!"},
		{Role: RoleAssistant, Content: "Hi there!"},
		{Role: RoleUser, Content: "Turn on the lights."},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are a helpful assistant." {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system), got %d", len(result))
	}
	if result[0].Role != RoleUser {
		t.Errorf("expected first message to be user, got %s", result[0].Role)
	}
}

func TestConvertToAnthropic_ToolCallsAndResults(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "Turn on lights."},
		{
			Role:    RoleAssistant,
			Content: "On it.",
			ToolCalls: []ToolCall{
				{ID: "toolu_1", Name: "control_device", Arguments: `{"entity":"light.kitchen"}`},
				{Name: "get_state", Arguments: `not json`},
			},
		},
		{Role: RoleTool, Content: "Done.", ToolCallID: "toolu_1"},
		{Role: RoleTool, Content: "on", ToolCallID: "toolu_get_state_1"},
	}

	result, _ := convertToAnthropic(messages)
	if len(result) != 3 { // user, assistant with tool_use, user with both tool_results
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	blocks, ok := result[1].Content.([]anthropicContent)
	if !ok {
		t.Fatal("expected assistant content to be []anthropicContent")
	}
	if len(blocks) != 3 {
		t.Fatalf("expected text + 2 tool_use blocks, got %d", len(blocks))
	}
	if blocks[1].ID != "toolu_1" || string(blocks[1].Input) != `{"entity":"light.kitchen"}` {
		t.Errorf("first tool_use = %+v", blocks[1])
	}
	if blocks[2].ID != "toolu_get_state_1" {
		t.Errorf("synthesized id = %q", blocks[2].ID)
	}
	if string(blocks[2].Input) != `{}` {
		t.Errorf("invalid arguments should be sent as {}, got %s", blocks[2].Input)
	}

	results, ok := result[2].Content.([]anthropicContent)
	if !ok || len(results) != 2 {
		t.Fatalf("expected 2 merged tool_result blocks, got %#v", result[2].Content)
	}
	if results[0].ToolUseID != "toolu_1" || results[1].Content != "on" {
		t.Errorf("tool results = %+v", results)
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := ToolDefinitions{
		{"type": "function", "function": map[string]any{
			"name":        "web_search",
			"description": "Search the web",
			"parameters":  map[string]any{"type": "object"},
		}},
		{"type": "function", "function": map[string]any{"name": "no_params"}},
		{"type": "other"},
	}
	got := convertToolsToAnthropic(tools)
	if len(got) != 2 {
		t.Fatalf("converted %d tools, want 2", len(got))
	}
	if got[0].Name != "web_search" || got[0].Description != "Search the web" {
		t.Errorf("tool[0] = %+v", got[0])
	}
	if got[1].InputSchema == nil {
		t.Error("missing parameters should get an empty object schema")
	}
}

func TestAnthropicChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.System != "sys" {
			t.Errorf("system = %q", req.System)
		}
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"role": "assistant",
			"model": "claude-test",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_9", "name": "get_time", "input": {"tz": "UTC"}}
			],
			"usage": {"input_tokens": 11, "output_tokens": 3}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("sk-test", nil)
	c.endpoint = srv.URL

	resp, err := c.Chat(context.Background(), "claude-test", []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "time?"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Checking." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "toolu_9" || tc.Name != "get_time" || tc.Arguments != `{"tz": "UTC"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.InputTokens != 11 || resp.OutputTokens != 3 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestAnthropicChat_Overflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 210000 tokens > 200000 maximum"}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", nil)
	c.endpoint = srv.URL

	_, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "x"}}, nil)
	var ov *OverflowError
	if !errors.As(err, &ov) {
		t.Fatalf("err = %v, want *OverflowError", err)
	}
	if ov.Max != 200000 {
		t.Errorf("Max = %d, want 200000", ov.Max)
	}
}
