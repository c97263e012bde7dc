package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/thane-toolloop/internal/breaker"
	"github.com/nugget/thane-toolloop/internal/events"
	"github.com/nugget/thane-toolloop/internal/feedback"
	"github.com/nugget/thane-toolloop/internal/llm"
	"github.com/nugget/thane-toolloop/internal/tools"
)

// feedbackTimeout bounds a detached feedback write.
const feedbackTimeout = 5 * time.Second

// execute runs one tool call and returns the text fed back to the
// model. It never fails: errors become "Error: ..." text. Callers check
// ctx afterwards so cancellation is not mistaken for a tool failure.
func (c *core) execute(ctx context.Context, st *turnState, call llm.ToolCall, desc string) string {
	st.toolCalls++

	toolCtx := ctx
	if c.deps.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(toolCtx, c.deps.ToolTimeout)
		defer cancel()
	}
	toolCtx, span := tracer.Start(toolCtx, "agent.tool_call", trace.WithAttributes(
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
	))

	c.emit(st, events.KindToolCall, map[string]any{"tool": call.Name, "description": desc})
	st.logger.Log(ctx, llm.LevelTrace, "tool arguments", "tool", call.Name, "args", call.Arguments)

	start := time.Now()
	var result string
	var err error
	if c.deps.Tools == nil {
		err = &tools.ErrToolUnavailable{ToolName: call.Name}
	} else {
		result, err = c.deps.Tools.Execute(toolCtx, call.Name, call.Arguments)
	}
	elapsed := time.Since(start)

	if err != nil && ctx.Err() == nil && c.deps.ToolTimeout > 0 &&
		errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("tool %s timed out after %s", call.Name, c.deps.ToolTimeout)
	}
	endSpan(span, err)

	status := toolStatus(err)
	toolCallsTotal.WithLabelValues(call.Name, status).Inc()

	if err != nil {
		result = "Error: " + err.Error()
		st.logger.Warn("tool call failed",
			"tool", call.Name,
			"status", status,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
		if reportable(status) && ctx.Err() == nil {
			c.report(st, call.Name, err)
		}
	} else {
		st.toolSuccesses++
		st.logger.Debug("tool call complete",
			"tool", call.Name,
			"result_len", len(result),
			"elapsed", elapsed.Round(time.Millisecond),
		)
	}

	timedOut := breaker.IsTimeout(result)
	if timedOut {
		st.callbacks.toolTimeout(desc)
	}
	c.emit(st, events.KindToolDone, map[string]any{
		"tool":        call.Name,
		"ok":          err == nil,
		"timed_out":   timedOut,
		"duration_ms": elapsed.Milliseconds(),
	})
	return result
}

// toolStatus labels an execution error for metrics and feedback.
func toolStatus(err error) string {
	var unavailable *tools.ErrToolUnavailable
	var invalid *tools.ErrInvalidArguments
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &unavailable):
		return "unknown"
	case errors.As(err, &invalid):
		return "invalid"
	case breaker.IsTimeout(err.Error()), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// reportable is true for failures of the tool itself. Unknown names and
// malformed arguments are the model's mistakes and are not reported.
func reportable(status string) bool {
	return status == "error" || status == "timeout"
}

// report sends a tool failure to the feedback sink without waiting.
func (c *core) report(st *turnState, tool string, err error) {
	sink := c.deps.Feedback
	if sink == nil {
		return
	}
	sig := feedback.Signal{
		SessionID:    st.sessionID,
		Type:         feedback.ToolFailure,
		ToolName:     tool,
		ErrorMessage: err.Error(),
		Timestamp:    time.Now(),
	}
	logger := st.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), feedbackTimeout)
		defer cancel()
		if err := sink.Append(ctx, sig); err != nil {
			logger.Debug("feedback signal not recorded", "tool", tool, "error", err)
		}
	}()
}

// runStructured executes the structured tool calls of one assistant
// message in order, appending the assistant message and one tool
// message per call.
func (c *core) runStructured(ctx context.Context, st *turnState, msg llm.Message) ([]string, error) {
	assistant := msg
	assistant.Role = llm.RoleAssistant
	assistant.ToolCalls = make([]llm.ToolCall, len(msg.ToolCalls))
	for i, call := range msg.ToolCalls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d_%d", st.modelCalls, i)
		}
		assistant.ToolCalls[i] = call
	}
	st.append(assistant)

	results := make([]string, 0, len(assistant.ToolCalls))
	for _, call := range assistant.ToolCalls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		desc := tools.Describe(call.Name, call.Arguments)
		st.callbacks.preToolCall(desc)
		result := c.execute(ctx, st, call, desc)
		if err := ctx.Err(); err != nil {
			return results, err
		}
		st.append(llm.Message{Role: llm.RoleTool, Content: result, ToolCallID: call.ID})
		results = append(results, result)
		st.callbacks.progress(desc)
	}
	return results, nil
}
