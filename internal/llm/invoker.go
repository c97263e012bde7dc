package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultInvokerRounds bounds the model/tool rounds of one Invoke call.
const DefaultInvokerRounds = 12

// ToolExecutor runs one tool call and returns the text fed back to the
// model. Failures are expected to be rendered into the text; the invoker
// never aborts on a tool error.
type ToolExecutor func(ctx context.Context, call ToolCall) string

// InvokerHooks are interception points around the invoker's internal
// tool loop. Any hook may be nil.
type InvokerHooks struct {
	// BeforeChat sees the exact slice about to be sent and may shrink
	// message contents in place.
	BeforeChat    func(ctx context.Context, round int, messages []Message)
	BeforeTool    func(ctx context.Context, call ToolCall)
	AfterTool     func(ctx context.Context, call ToolCall, result string)
	RoundComplete func(ctx context.Context, round int, results []string)
}

// FunctionInvoker drives native tool calling: it calls the model, runs
// every tool the model requested, feeds the results back, and repeats
// until the model answers without tool calls or MaxRounds is reached.
// Callers only see the aggregated outcome plus the hooks.
type FunctionInvoker struct {
	Client    Client
	Execute   ToolExecutor
	MaxRounds int
	Hooks     InvokerHooks
	Logger    *slog.Logger
}

// InvokeResult is the aggregated outcome of Invoke. Messages holds only
// the messages appended during the call, so a caller can resume from
// history+Messages after a failure.
type InvokeResult struct {
	Response     *ChatResponse
	Messages     []Message
	Rounds       int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
}

// Text returns the final assistant text, or "" when there is none.
func (r *InvokeResult) Text() string {
	if r == nil || r.Response == nil {
		return ""
	}
	return r.Response.Message.Content
}

// Invoke runs the tool loop starting from history. The returned result
// is non-nil even when err is non-nil and then reflects the rounds that
// completed before the failure.
func (f *FunctionInvoker) Invoke(ctx context.Context, model string, history []Message, tools ToolDefinitions) (*InvokeResult, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := f.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultInvokerRounds
	}

	res := &InvokeResult{}
	msgs := make([]Message, len(history), len(history)+8)
	copy(msgs, history)

	for round := 0; round < maxRounds; round++ {
		if f.Hooks.BeforeChat != nil {
			f.Hooks.BeforeChat(ctx, round, msgs)
		}
		resp, err := f.Client.Chat(ctx, model, msgs, tools)
		if err != nil {
			return res, fmt.Errorf("invoker round %d: %w", round, err)
		}
		res.Response = resp
		res.Rounds = round + 1
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens

		if len(resp.Message.ToolCalls) == 0 {
			return res, nil
		}

		assistant := resp.Message
		assistant.Role = RoleAssistant
		msgs = append(msgs, assistant)
		res.Messages = append(res.Messages, assistant)

		results := make([]string, 0, len(resp.Message.ToolCalls))
		for _, call := range resp.Message.ToolCalls {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if f.Hooks.BeforeTool != nil {
				f.Hooks.BeforeTool(ctx, call)
			}
			out := f.Execute(ctx, call)
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if f.Hooks.AfterTool != nil {
				f.Hooks.AfterTool(ctx, call, out)
			}

			toolMsg := Message{Role: RoleTool, Content: out, ToolCallID: call.ID}
			msgs = append(msgs, toolMsg)
			res.Messages = append(res.Messages, toolMsg)
			res.ToolCalls++
			results = append(results, out)
		}

		if f.Hooks.RoundComplete != nil {
			f.Hooks.RoundComplete(ctx, round, results)
		}
		logger.Debug("invoker round complete",
			"model", model,
			"round", round,
			"tool_calls", len(results),
		)
	}

	// Rounds exhausted with the last response still asking for tools;
	// its text (often empty) is what the caller gets.
	logger.Warn("invoker round limit reached", "model", model, "rounds", maxRounds)
	if res.Response != nil {
		final := *res.Response
		final.Message.ToolCalls = nil
		res.Response = &final
	}
	return res, nil
}
