package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/thane-toolloop/internal/events"
	"github.com/nugget/thane-toolloop/internal/llm"
	"github.com/nugget/thane-toolloop/internal/tools"
)

// NativeAdapter runs turns on the provider's own function-calling loop
// ([llm.FunctionInvoker]). It has no say over individual iterations;
// it observes them through the invoker's hooks, retries once after a
// context overflow, and asks for a summary when the loop ends without
// a usable answer.
type NativeAdapter struct {
	core
}

// NewNativeAdapter creates a NativeAdapter.
func NewNativeAdapter(deps Deps) *NativeAdapter {
	return &NativeAdapter{core{deps: deps.withDefaults(), source: events.SourceNative}}
}

// Name returns the runner name used in logs, events and metrics.
func (a *NativeAdapter) Name() string { return a.source }

// RunTurn runs one turn to completion.
func (a *NativeAdapter) RunTurn(ctx context.Context, turn *Turn) (out *Outcome, err error) {
	st := a.newState(turn)
	ctx, span := startTurnSpan(ctx, a.source, st)
	defer func() {
		a.finish(st, out, err)
		endSpan(span, err)
	}()

	defs := a.toolDefs(turn)
	maxRounds := turn.Behavior.maxIterations()

	st.logger.Info("turn started",
		"msgs", len(st.messages),
		"tools", len(defs),
		"max_iter", maxRounds,
		"context_limit", st.limit,
	)
	a.emit(st, events.KindTurnStart, map[string]any{"model": st.model, "messages": len(st.messages)})

	if first := turn.FirstResponse; first != nil {
		st.addUsage(first)
		st.iterations = 1
		if len(first.Message.ToolCalls) == 0 {
			text := first.Message.Content
			st.append(llm.Message{Role: llm.RoleAssistant, Content: text})
			return a.complete(st, text), nil
		}
		results, err := a.runStructured(ctx, st, first.Message)
		if err != nil {
			return nil, err
		}
		a.observeTimeouts(st, results, false)
		maxRounds = max(1, maxRounds-1)
	}

	res, err := a.invoke(ctx, st, defs, maxRounds)
	if err != nil {
		return nil, err
	}

	text := res.Text()
	if strings.TrimSpace(text) != "" {
		st.append(llm.Message{Role: llm.RoleAssistant, Content: text})
	}

	if st.toolCalls > 0 && (strings.TrimSpace(text) == "" || a.deps.Classifier.IncompleteSetup(text)) {
		st.logger.Info("requesting summary after native tool loop", "text_len", len(text))
		summary, usable, err := a.summarize(ctx, st)
		if err != nil {
			return nil, err
		}
		how := "empty"
		if summary != "" {
			how = "summary"
			if !usable {
				st.append(llm.Message{Role: llm.RoleAssistant, Content: summary})
			}
			if strings.TrimSpace(text) == "" {
				text = summary
			} else {
				text = text + "\n\n" + summary
			}
		}
		a.emit(st, events.KindSummary, map[string]any{"outcome": how})
	}

	return a.complete(st, text), nil
}

// invoke runs the function invoker from the turn's messages. A context
// overflow is retried exactly once, resuming from everything the failed
// attempt had already appended, with tool results trimmed to the
// learned window.
func (a *NativeAdapter) invoke(ctx context.Context, st *turnState, defs llm.ToolDefinitions, maxRounds int) (*llm.InvokeResult, error) {
	inv := a.invoker(st, maxRounds)

	res, err := inv.Invoke(ctx, st.model, st.messages, defs)
	st.append(res.Messages...)
	st.iterations += res.Rounds
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	ov, ok := llm.AsOverflow(err)
	if !ok {
		return nil, fmt.Errorf("native tool loop: %w", err)
	}

	a.learnLimit(ctx, st, ov, true)
	a.trim(st, st.messages)
	inv.MaxRounds = max(1, maxRounds-res.Rounds)

	retry, err := inv.Invoke(ctx, st.model, st.messages, defs)
	st.append(retry.Messages...)
	st.iterations += retry.Rounds
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if ov, ok := llm.AsOverflow(err); ok {
			a.learnLimit(ctx, st, ov, false)
		}
		return nil, fmt.Errorf("native tool loop after trimming: %w", err)
	}
	return retry, nil
}

// invoker wires a FunctionInvoker to this turn: model calls go through
// the turn's instrumentation, tools through the shared executor, and
// the hooks drive callbacks, pre-trimming and timeout tracking.
func (a *NativeAdapter) invoker(st *turnState, maxRounds int) *llm.FunctionInvoker {
	return &llm.FunctionInvoker{
		Client:    turnClient{core: &a.core, st: st},
		MaxRounds: maxRounds,
		Logger:    st.logger,
		Execute: func(ctx context.Context, call llm.ToolCall) string {
			return a.execute(ctx, st, call, tools.Describe(call.Name, call.Arguments))
		},
		Hooks: llm.InvokerHooks{
			BeforeChat: func(_ context.Context, _ int, msgs []llm.Message) {
				a.trim(st, msgs)
			},
			BeforeTool: func(_ context.Context, call llm.ToolCall) {
				st.callbacks.preToolCall(tools.Describe(call.Name, call.Arguments))
			},
			AfterTool: func(_ context.Context, call llm.ToolCall, _ string) {
				st.callbacks.progress(tools.Describe(call.Name, call.Arguments))
			},
			RoundComplete: func(_ context.Context, _ int, results []string) {
				// The invoker cannot be stopped mid-loop, so a trip is
				// only reported.
				a.observeTimeouts(st, results, false)
			},
		},
	}
}

// turnClient routes the invoker's model calls through the turn's
// tracing, metrics and usage accounting.
type turnClient struct {
	core *core
	st   *turnState
}

func (t turnClient) Chat(ctx context.Context, model string, messages []llm.Message, defs llm.ToolDefinitions) (*llm.ChatResponse, error) {
	return t.core.callModel(ctx, t.st, messages, defs)
}

func (t turnClient) Ping(ctx context.Context) error {
	return t.core.deps.LLM.Ping(ctx)
}
