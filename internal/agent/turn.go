package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/thane-toolloop/internal/breaker"
	"github.com/nugget/thane-toolloop/internal/contextguard"
	"github.com/nugget/thane-toolloop/internal/events"
	"github.com/nugget/thane-toolloop/internal/llm"
	"github.com/nugget/thane-toolloop/internal/prompts"
	"github.com/nugget/thane-toolloop/internal/textcall"
)

// turnState is everything that belongs to one turn. It is created by
// RunTurn and never shared, so runners hold no mutable state.
type turnState struct {
	id        string
	sessionID string
	model     string
	messages  []llm.Message
	callbacks Callbacks

	// limit is the context window in tokens, zero until known.
	limit   int
	breaker *breaker.Breaker

	iterations    int
	modelCalls    int
	toolCalls     int
	toolSuccesses int // handler returned without error
	inputTokens   int
	outputTokens  int

	started time.Time
	logger  *slog.Logger
}

func (st *turnState) append(msgs ...llm.Message) {
	st.messages = append(st.messages, msgs...)
}

func (st *turnState) addUsage(resp *llm.ChatResponse) {
	st.inputTokens += resp.InputTokens
	st.outputTokens += resp.OutputTokens
}

// core is the machinery shared by both runners.
type core struct {
	deps   Deps
	source string
}

func (c *core) newState(turn *Turn) *turnState {
	id := uuid.NewString()
	if v7, err := uuid.NewV7(); err == nil {
		id = v7.String()
	}
	limit, _ := c.deps.Limits.Get(turn.Model)

	return &turnState{
		id:        id,
		sessionID: turn.SessionID,
		model:     turn.Model,
		messages:  turn.Messages,
		callbacks: turn.Callbacks,
		limit:     limit,
		breaker:   breaker.New(c.deps.TimeoutThreshold),
		started:   time.Now(),
		logger: c.deps.Logger.With(
			"component", c.source,
			"session_id", turn.SessionID,
			"turn_id", id,
			"model", turn.Model,
		),
	}
}

func (c *core) emit(st *turnState, kind string, data map[string]any) {
	if c.deps.Events == nil {
		return
	}
	if data == nil {
		data = make(map[string]any, 2)
	}
	data["session_id"] = st.sessionID
	data["turn_id"] = st.id
	c.deps.Events.Emit(c.source, kind, data)
}

// toolDefs returns the catalog sent to the provider.
func (c *core) toolDefs(turn *Turn) llm.ToolDefinitions {
	if turn.Tools != nil {
		return turn.Tools
	}
	if c.deps.Tools == nil {
		return nil
	}
	return c.deps.Tools.List()
}

func (c *core) known(name string) bool {
	return c.deps.Tools != nil && c.deps.Tools.Has(name)
}

// callModel makes one model call with tracing, metrics and events.
// Errors are returned as the provider produced them.
func (c *core) callModel(ctx context.Context, st *turnState, msgs []llm.Message, defs llm.ToolDefinitions) (*llm.ChatResponse, error) {
	call := st.modelCalls
	st.modelCalls++

	ctx, span := tracer.Start(ctx, "agent.llm_call", trace.WithAttributes(
		attribute.String("model", st.model),
		attribute.Int("call", call),
		attribute.Int("messages", len(msgs)),
		attribute.Int("tools", len(defs)),
	))

	c.emit(st, events.KindLLMCall, map[string]any{"iter": call, "model": st.model})
	st.logger.Log(ctx, llm.LevelTrace, "model request", "call", call, "msgs", len(msgs), "tools", len(defs))

	start := time.Now()
	resp, err := c.deps.LLM.Chat(ctx, st.model, msgs, defs)
	elapsed := time.Since(start)
	recordLLMCall(st.model, elapsed, err)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	st.addUsage(resp)
	st.logger.Debug("model responded",
		"call", call,
		"tool_calls", len(resp.Message.ToolCalls),
		"tokens_in", resp.InputTokens,
		"tokens_out", resp.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	c.emit(st, events.KindLLMResponse, map[string]any{
		"iter":       call,
		"model":      st.model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"tool_calls": len(resp.Message.ToolCalls),
	})
	return resp, nil
}

// chat calls the model on the turn's messages, pre-trimming when the
// context window is known and retrying exactly once after an overflow.
func (c *core) chat(ctx context.Context, st *turnState, defs llm.ToolDefinitions) (*llm.ChatResponse, error) {
	c.trim(st, st.messages)
	resp, err := c.callModel(ctx, st, st.messages, defs)
	if err == nil {
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	ov, ok := llm.AsOverflow(err)
	if !ok {
		return nil, fmt.Errorf("model call: %w", err)
	}

	c.learnLimit(ctx, st, ov, true)
	c.trim(st, st.messages)

	resp, err = c.callModel(ctx, st, st.messages, defs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if ov, ok := llm.AsOverflow(err); ok {
			c.learnLimit(ctx, st, ov, false)
		}
		return nil, fmt.Errorf("model call after trimming: %w", err)
	}
	return resp, nil
}

// learnLimit records the window reported by an overflow for this turn
// and for later turns on the same model.
func (c *core) learnLimit(ctx context.Context, st *turnState, ov *llm.OverflowError, retry bool) {
	if ov.Max > 0 {
		st.limit = ov.Max
		c.deps.Limits.Learn(ctx, st.model, ov.Max)
	}
	action := "propagated"
	if retry {
		action = "retried"
	}
	overflowsTotal.WithLabelValues(st.model, action).Inc()
	st.logger.Warn("context window overflow",
		"max_tokens", ov.Max,
		"used_tokens", ov.Used,
		"action", action,
	)
	c.emit(st, events.KindOverflow, map[string]any{
		"model":       st.model,
		"max_tokens":  ov.Max,
		"used_tokens": ov.Used,
		"retry":       retry,
	})
}

// trim shrinks tool results in msgs when the turn knows its window.
func (c *core) trim(st *turnState, msgs []llm.Message) {
	if st.limit <= 0 {
		return
	}
	res := contextguard.Trim(msgs, st.limit)
	if len(res.Trimmed) == 0 {
		if !res.Fits() {
			st.logger.Warn("context over budget with nothing left to trim",
				"estimate", res.After, "budget", res.Budget)
		}
		return
	}

	trimmedTotal.Add(float64(len(res.Trimmed)))
	st.logger.Info("trimmed tool results to fit context window",
		"before", res.Before,
		"after", res.After,
		"budget", res.Budget,
		"trimmed", len(res.Trimmed),
	)
	c.emit(st, events.KindTrimmed, map[string]any{
		"before":  res.Before,
		"after":   res.After,
		"budget":  res.Budget,
		"trimmed": len(res.Trimmed),
	})
}

// observeTimeouts feeds one iteration's results to the breaker and
// reports whether it tripped.
func (c *core) observeTimeouts(st *turnState, results []string, aborting bool) bool {
	if !st.breaker.Observe(breaker.HasTimeout(results)) {
		return false
	}
	breakerTripsTotal.WithLabelValues(c.source).Inc()
	st.logger.Warn("consecutive tool timeouts",
		"consecutive", st.breaker.Consecutive(),
		"aborted", aborting,
	)
	c.emit(st, events.KindBreakerTripped, map[string]any{
		"consecutive": st.breaker.Consecutive(),
		"aborted":     aborting,
	})
	return true
}

func (c *core) nudge(st *turnState, iter int, reason, text, prompt string) {
	nudgesTotal.WithLabelValues(reason).Inc()
	st.logger.Info("nudging model", "iter", iter, "reason", reason)
	c.emit(st, events.KindNudge, map[string]any{"iter": iter, "reason": reason})
	if strings.TrimSpace(text) != "" {
		st.append(llm.Message{Role: llm.RoleAssistant, Content: text})
	}
	st.append(llm.Message{Role: llm.RoleUser, Content: prompt})
}

// summarize asks the model, without tools, to report what was done. It
// returns the summary text and whether it was usable.
func (c *core) summarize(ctx context.Context, st *turnState) (string, bool, error) {
	st.append(llm.Message{Role: llm.RoleUser, Content: prompts.SummaryRequest})
	resp, err := c.chat(ctx, st, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", false, ctxErr
		}
		st.logger.Warn("summary call failed", "error", err)
		return "", false, nil
	}
	text := textcall.Strip(resp.Message.Content)
	if text == "" {
		return "", false, nil
	}
	if c.deps.Classifier.IncompleteSetup(text) {
		return text, false, nil
	}
	st.append(llm.Message{Role: llm.RoleAssistant, Content: text})
	return text, true, nil
}

// lastAssistantText returns the newest non-empty assistant content with
// tool-call text removed.
func lastAssistantText(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != llm.RoleAssistant {
			continue
		}
		if text := textcall.Strip(msgs[i].Content); text != "" {
			return text
		}
	}
	return ""
}

// complete closes out a successful turn.
func (c *core) complete(st *turnState, text string) *Outcome {
	out := &Outcome{
		Text:         text,
		SessionID:    st.sessionID,
		Messages:     st.messages,
		Model:        st.model,
		Runner:       c.source,
		Iterations:   st.iterations,
		ToolCalls:    st.toolCalls,
		InputTokens:  st.inputTokens,
		OutputTokens: st.outputTokens,
	}
	return out
}

// finish records metrics, events and the completion log for a turn,
// successful or not.
func (c *core) finish(st *turnState, out *Outcome, err error) {
	elapsed := time.Since(st.started)
	turnsTotal.WithLabelValues(c.source, turnOutcomeLabel(out, err)).Inc()
	turnDuration.WithLabelValues(c.source).Observe(elapsed.Seconds())
	turnIterations.WithLabelValues(c.source).Observe(float64(st.iterations))

	if err != nil {
		st.logger.Warn("turn failed",
			"iterations", st.iterations,
			"tool_calls", st.toolCalls,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
		return
	}

	st.logger.Info("turn complete",
		"iterations", st.iterations,
		"tool_calls", st.toolCalls,
		"tokens_in", st.inputTokens,
		"tokens_out", st.outputTokens,
		"exhausted", out.Exhausted,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	c.emit(st, events.KindTurnComplete, map[string]any{
		"model":      st.model,
		"iterations": st.iterations,
		"tool_calls": st.toolCalls,
		"tokens_in":  st.inputTokens,
		"tokens_out": st.outputTokens,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}
