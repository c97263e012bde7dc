package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nugget/thane-toolloop/internal/contextguard"
	"github.com/nugget/thane-toolloop/internal/llm"
	"github.com/nugget/thane-toolloop/internal/prompts"
	"github.com/nugget/thane-toolloop/internal/tools"
)

func newTestAdapter(client llm.Client, reg ToolSet) *NativeAdapter {
	return NewNativeAdapter(Deps{LLM: client, Tools: reg, Logger: testLogger()})
}

func TestNativeAdapter_PlainAnswer(t *testing.T) {
	client := &mockLLM{replies: []reply{{resp: textReply("The answer is 42.")}}}
	out, err := newTestAdapter(client, testRegistry(nil, nil)).RunTurn(context.Background(), &Turn{
		Model:    "test-model",
		Messages: userTurn("What is the answer?"),
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.Text != "The answer is 42." || client.callCount() != 1 {
		t.Errorf("Text = %q, calls = %d", out.Text, client.callCount())
	}
	if out.Runner != "native" {
		t.Errorf("Runner = %q", out.Runner)
	}
}

func TestNativeAdapter_ToolCallWithHooks(t *testing.T) {
	client := &mockLLM{replies: []reply{
		{resp: toolReply(weatherCall("Paris"))},
		{resp: textReply("It's sunny in Paris.")},
	}}
	counter := &toolCounter{}
	reg := testRegistry(counter, map[string]tools.Handler{"get_weather": sunny})

	var seq []string
	out, err := newTestAdapter(client, reg).RunTurn(context.Background(), &Turn{
		Model:    "test-model",
		Messages: userTurn("Weather in Paris?"),
		Callbacks: Callbacks{
			OnPreToolCall: func(d string) { seq = append(seq, "pre:"+d) },
			OnProgress:    func(d string) { seq = append(seq, "progress:"+d) },
		},
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.Text != "It's sunny in Paris." {
		t.Errorf("Text = %q", out.Text)
	}
	if client.callCount() != 2 || counter.get("get_weather") != 1 {
		t.Errorf("calls = %d, tool invocations = %d", client.callCount(), counter.get("get_weather"))
	}
	if strings.Join(seq, ",") != "pre:get_weather,progress:get_weather" {
		t.Errorf("callback sequence = %v", seq)
	}
	if out.ToolCalls != 1 || out.Iterations != 2 {
		t.Errorf("ToolCalls = %d, Iterations = %d", out.ToolCalls, out.Iterations)
	}
	if out.InputTokens != 20 || out.OutputTokens != 10 {
		t.Errorf("tokens = %d/%d, want 20/10", out.InputTokens, out.OutputTokens)
	}

	// history + assistant(tool call) + tool result + final answer
	if got := len(out.Messages); got != 5 {
		t.Fatalf("messages = %d, want 5", got)
	}
	if out.Messages[3].Role != llm.RoleTool || out.Messages[3].Content != "Sunny, 20°C" {
		t.Errorf("tool message = %+v", out.Messages[3])
	}
	if client.unanswered != 0 {
		t.Errorf("%d calls left a tool call unanswered", client.unanswered)
	}
}

func TestNativeAdapter_ToolErrorBecomesText(t *testing.T) {
	client := &mockLLM{replies: []reply{
		{resp: toolReply(weatherCall("Paris"))},
		{resp: textReply("The weather service is down.")},
	}}
	sink := newFakeSink()
	reg := testRegistry(nil, map[string]tools.Handler{"get_weather": refused})
	adapter := NewNativeAdapter(Deps{LLM: client, Tools: reg, Feedback: sink, Logger: testLogger()})

	if _, err := adapter.RunTurn(context.Background(), &Turn{Model: "m", Messages: userTurn("go")}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if got := lastMessage(t, client.call(1).messages).Content; got != "Error: connection refused" {
		t.Errorf("tool result = %q", got)
	}
	if sig := <-sink.got; sig.ToolName != "get_weather" {
		t.Errorf("signal = %+v", sig)
	}
}

func TestNativeAdapter_ForcedSummary(t *testing.T) {
	tests := []struct {
		name     string
		final    string
		summary  string
		wantText string
	}{
		{"empty final text", "", "Fetched the weather: sunny.", "Fetched the weather: sunny."},
		{"incomplete final text", "Now let me summarize:", "It is sunny.", "Now let me summarize:\n\nIt is sunny."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockLLM{replies: []reply{
				{resp: toolReply(weatherCall("Paris"))},
				{resp: textReply(tt.final)},
				{resp: textReply(tt.summary)},
			}}
			reg := testRegistry(nil, map[string]tools.Handler{"get_weather": sunny})

			out, err := newTestAdapter(client, reg).RunTurn(context.Background(), &Turn{
				Model:    "test-model",
				Messages: userTurn("Weather?"),
			})
			if err != nil {
				t.Fatalf("RunTurn: %v", err)
			}
			if client.callCount() != 3 {
				t.Fatalf("LLM calls = %d, want 3", client.callCount())
			}
			summaryCall := client.call(2)
			if summaryCall.tools != nil {
				t.Error("summary call must not offer tools")
			}
			if last := lastMessage(t, summaryCall.messages); last.Content != prompts.SummaryRequest {
				t.Errorf("summary prompt = %q", last.Content)
			}
			if out.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", out.Text, tt.wantText)
			}
		})
	}
}

func TestNativeAdapter_NoSummaryWithoutTools(t *testing.T) {
	client := &mockLLM{replies: []reply{{resp: textReply("")}}}
	out, err := newTestAdapter(client, testRegistry(nil, nil)).RunTurn(context.Background(), &Turn{
		Model:    "test-model",
		Messages: userTurn("hello"),
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if client.callCount() != 1 || out.Text != "" {
		t.Errorf("calls = %d, Text = %q", client.callCount(), out.Text)
	}
}

func TestNativeAdapter_OverflowRetry(t *testing.T) {
	limits := contextguard.NewLimitCache(nil, testLogger())
	client := &mockLLM{replies: []reply{
		{err: &llm.OverflowError{Max: 4500, Used: 5100}},
		{resp: textReply("trimmed answer")},
	}}
	adapter := NewNativeAdapter(Deps{LLM: client, Tools: testRegistry(nil, nil), Limits: limits, Logger: testLogger()})

	out, err := adapter.RunTurn(context.Background(), &Turn{Model: "big-model", Messages: overflowHistory()})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.Text != "trimmed answer" || client.callCount() != 2 {
		t.Errorf("Text = %q, calls = %d", out.Text, client.callCount())
	}
	if got := client.call(1).messages[5].Content; len(got) >= 9000 {
		t.Error("retry was sent untrimmed")
	}
	if got, _ := limits.Get("big-model"); got != 4500 {
		t.Errorf("learned limit = %d", got)
	}
}

func TestNativeAdapter_OverflowMidLoopResumes(t *testing.T) {
	big := strings.Repeat("x", 20000)
	client := &mockLLM{replies: []reply{
		{resp: toolReply(llm.ToolCall{ID: "f1", Name: "fetch", Arguments: "{}"})},
		{err: &llm.OverflowError{Max: 2000, Used: 5200}},
		{resp: textReply("done fetching")},
	}}
	reg := testRegistry(nil, map[string]tools.Handler{
		"fetch": func(context.Context, map[string]any) (string, error) { return big, nil },
	})

	out, err := newTestAdapter(client, reg).RunTurn(context.Background(), &Turn{
		Model:    "m",
		Messages: userTurn("fetch it"),
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.Text != "done fetching" || out.ToolCalls != 1 {
		t.Errorf("Text = %q, ToolCalls = %d", out.Text, out.ToolCalls)
	}
	retried := client.call(2).messages
	if len(retried) != 4 {
		t.Fatalf("retry messages = %d, want 4 (resumed after the tool round)", len(retried))
	}
	if len(retried[3].Content) >= len(big) {
		t.Error("tool result not trimmed before retry")
	}
}

func TestNativeAdapter_SecondOverflowPropagates(t *testing.T) {
	client := &mockLLM{respond: func(int, []llm.Message) (*llm.ChatResponse, error) {
		return nil, &llm.OverflowError{Max: 4500, Used: 9000}
	}}
	_, err := newTestAdapter(client, testRegistry(nil, nil)).RunTurn(context.Background(), &Turn{
		Model:    "big-model",
		Messages: overflowHistory(),
	})
	var ov *llm.OverflowError
	if !errors.As(err, &ov) || ov.Max != 4500 {
		t.Fatalf("err = %v, want *llm.OverflowError", err)
	}
	if client.callCount() != 2 {
		t.Errorf("LLM calls = %d, want 2", client.callCount())
	}
}

func TestNativeAdapter_BreakerDoesNotAbort(t *testing.T) {
	client := &mockLLM{respond: func(call int, _ []llm.Message) (*llm.ChatResponse, error) {
		if call < 3 {
			return toolReply(llm.ToolCall{ID: fmt.Sprintf("s%d", call), Name: "stalled", Arguments: "{}"}), nil
		}
		return textReply("Everything timed out, sorry."), nil
	}}
	reg := testRegistry(nil, map[string]tools.Handler{
		"stalled": func(context.Context, map[string]any) (string, error) {
			return "", errors.New("request timed out")
		},
	})

	var timeouts int
	out, err := newTestAdapter(client, reg).RunTurn(context.Background(), &Turn{
		Model:     "m",
		Messages:  userTurn("go"),
		Callbacks: Callbacks{OnToolTimeout: func(string) { timeouts++ }},
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.BreakerTripped || out.Text != "Everything timed out, sorry." {
		t.Errorf("BreakerTripped = %v, Text = %q", out.BreakerTripped, out.Text)
	}
	if timeouts != 3 || client.callCount() != 4 {
		t.Errorf("timeouts = %d, calls = %d", timeouts, client.callCount())
	}
}

func TestNativeAdapter_CancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &mockLLM{replies: []reply{
		{resp: toolReply(llm.ToolCall{ID: "s", Name: "stop", Arguments: "{}"})},
	}}
	reg := testRegistry(nil, map[string]tools.Handler{
		"stop": func(context.Context, map[string]any) (string, error) {
			cancel()
			return "", context.Canceled
		},
	})
	_, err := newTestAdapter(client, reg).RunTurn(ctx, &Turn{Model: "m", Messages: userTurn("go")})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if client.callCount() != 1 {
		t.Errorf("LLM calls = %d, want 1", client.callCount())
	}
}

func TestNativeAdapter_FirstResponse(t *testing.T) {
	t.Run("without tool calls", func(t *testing.T) {
		client := &mockLLM{}
		out, err := newTestAdapter(client, testRegistry(nil, nil)).RunTurn(context.Background(), &Turn{
			Model:         "m",
			Messages:      userTurn("hi"),
			FirstResponse: textReply("Hello!"),
		})
		if err != nil {
			t.Fatalf("RunTurn: %v", err)
		}
		if out.Text != "Hello!" || client.callCount() != 0 {
			t.Errorf("Text = %q, calls = %d", out.Text, client.callCount())
		}
	})

	t.Run("with tool calls", func(t *testing.T) {
		client := &mockLLM{replies: []reply{{resp: textReply("Sunny.")}}}
		counter := &toolCounter{}
		reg := testRegistry(counter, map[string]tools.Handler{"get_weather": sunny})
		out, err := newTestAdapter(client, reg).RunTurn(context.Background(), &Turn{
			Model:         "m",
			Messages:      userTurn("weather"),
			FirstResponse: toolReply(weatherCall("Paris")),
		})
		if err != nil {
			t.Fatalf("RunTurn: %v", err)
		}
		if out.Text != "Sunny." || client.callCount() != 1 || counter.get("get_weather") != 1 {
			t.Errorf("Text = %q, calls = %d, invocations = %d", out.Text, client.callCount(), counter.get("get_weather"))
		}
		if client.unanswered != 0 {
			t.Error("first call was sent with an unanswered tool call")
		}
	})
}
