package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/thane-toolloop/internal/events"
	"github.com/nugget/thane-toolloop/internal/llm"
	"github.com/nugget/thane-toolloop/internal/prompts"
	"github.com/nugget/thane-toolloop/internal/textcall"
	"github.com/nugget/thane-toolloop/internal/tools"
)

// TextLoop drives the model/tool iteration itself. It accepts
// structured tool calls and tool calls written as text, nudges models
// that stall or narrate, trims tool results when the context window
// overflows, and stops early when tools keep timing out.
type TextLoop struct {
	core
}

// NewTextLoop creates a TextLoop.
func NewTextLoop(deps Deps) *TextLoop {
	return &TextLoop{core{deps: deps.withDefaults(), source: events.SourceTextLoop}}
}

// Name returns the runner name used in logs, events and metrics.
func (l *TextLoop) Name() string { return l.source }

// RunTurn runs one turn to completion. Errors are returned only for
// cancellation and model failures the loop cannot recover from; tool
// failures are fed back to the model as text.
func (l *TextLoop) RunTurn(ctx context.Context, turn *Turn) (out *Outcome, err error) {
	st := l.newState(turn)
	ctx, span := startTurnSpan(ctx, l.source, st)
	defer func() {
		l.finish(st, out, err)
		endSpan(span, err)
	}()

	// Text-calling models learn about tools from the prompt only.
	var defs llm.ToolDefinitions
	if !turn.Behavior.TextToolCalling {
		defs = l.toolDefs(turn)
	}
	maxIter := turn.Behavior.maxIterations()

	st.logger.Info("turn started",
		"msgs", len(st.messages),
		"tools", len(defs),
		"max_iter", maxIter,
		"context_limit", st.limit,
	)
	l.emit(st, events.KindTurnStart, map[string]any{"model": st.model, "messages": len(st.messages)})

	for iter := 0; iter < maxIter; iter++ {
		st.iterations = iter + 1
		st.logger.Debug("iteration", "iter", iter, "msgs", len(st.messages))

		var resp *llm.ChatResponse
		if iter == 0 && turn.FirstResponse != nil {
			resp = turn.FirstResponse
			st.addUsage(resp)
		} else {
			resp, err = l.chat(ctx, st, defs)
			if err != nil {
				return nil, err
			}
		}

		if len(resp.Message.ToolCalls) > 0 {
			results, err := l.runStructured(ctx, st, resp.Message)
			if err != nil {
				return nil, err
			}
			if l.observeTimeouts(st, results, true) {
				return l.abort(st), nil
			}
			continue
		}

		text := resp.Message.Content
		parsed := textcall.Parse(text, l.known)
		if len(parsed.Calls) == 0 {
			if l.deps.Classifier.IncompleteSetup(text) {
				l.nudge(st, iter, "incomplete_setup", text, prompts.IncompleteSetupNudge)
				continue
			}
			if turn.Behavior.NudgeOnHallucination && st.toolSuccesses == 0 &&
				l.deps.Classifier.HallucinatedAction(text) {
				l.nudge(st, iter, "hallucination", text, prompts.HallucinationNudge)
				continue
			}
			st.append(llm.Message{Role: llm.RoleAssistant, Content: text})
			return l.complete(st, text), nil
		}

		results, err := l.runText(ctx, st, parsed)
		if err != nil {
			return nil, err
		}
		if l.observeTimeouts(st, results, true) {
			return l.abort(st), nil
		}
	}

	st.logger.Warn("iteration limit reached, requesting summary", "max_iter", maxIter)
	return l.exhausted(ctx, st)
}

// runText executes tool calls written as text. Each result goes back
// as a user message because the conversation has no structured call to
// attach it to.
func (l *TextLoop) runText(ctx context.Context, st *turnState, parsed textcall.Parsed) ([]string, error) {
	if parsed.Narration != "" {
		st.append(llm.Message{Role: llm.RoleAssistant, Content: parsed.Narration})
	}

	results := make([]string, 0, len(parsed.Calls))
	for i, tc := range parsed.Calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		call := llm.ToolCall{
			ID:        fmt.Sprintf("text_%d_%d", st.iterations, i),
			Name:      tc.Name,
			Arguments: tc.Arguments,
		}
		desc := tools.Describe(call.Name, call.Arguments)
		st.callbacks.preToolCall(desc)
		result := l.execute(ctx, st, call, desc)
		if err := ctx.Err(); err != nil {
			return results, err
		}
		st.append(llm.Message{Role: llm.RoleUser, Content: prompts.ToolResult(call.Name, result)})
		results = append(results, result)
		st.callbacks.progress(desc)
	}
	return results, nil
}

// abort ends the turn after the timeout breaker trips.
func (l *TextLoop) abort(st *turnState) *Outcome {
	st.append(llm.Message{Role: llm.RoleAssistant, Content: prompts.ServicesUnresponsive})
	out := l.complete(st, prompts.ServicesUnresponsive)
	out.BreakerTripped = true
	return out
}

// exhausted produces the final text once the iteration budget is spent:
// a summary without tools, one correction if the summary only announces
// work, and otherwise the last thing the model said before the summary
// was requested.
func (l *TextLoop) exhausted(ctx context.Context, st *turnState) (*Outcome, error) {
	finish := func(text, how string) (*Outcome, error) {
		l.emit(st, events.KindSummary, map[string]any{"outcome": how})
		out := l.complete(st, text)
		out.Exhausted = true
		return out, nil
	}

	// The unusable summary and its correction are appended below and
	// must never become the fallback.
	mark := len(st.messages)

	text, ok, err := l.summarize(ctx, st)
	if err != nil {
		return nil, err
	}
	if ok {
		return finish(text, "summary")
	}

	if text != "" {
		l.nudge(st, st.iterations, "incomplete_setup", text, prompts.IncompleteSetupNudge)
		resp, err := l.chat(ctx, st, nil)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			st.logger.Warn("corrective summary call failed", "error", err)
		default:
			corrected := textcall.Strip(resp.Message.Content)
			if corrected != "" && !l.deps.Classifier.IncompleteSetup(corrected) {
				st.append(llm.Message{Role: llm.RoleAssistant, Content: corrected})
				return finish(corrected, "corrected")
			}
		}
	}

	if fallback := lastAssistantText(st.messages[:mark]); strings.TrimSpace(fallback) != "" {
		st.logger.Info("using last assistant message as final text")
		return finish(fallback, "fallback")
	}
	return finish("", "empty")
}
