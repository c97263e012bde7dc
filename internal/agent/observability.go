package agent

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/thane-toolloop/internal/llm"
)

const tracerName = "toolloop.agent"

var tracer = otel.Tracer(tracerName)

// Package-level metrics, registered with the default registry and served
// by the API's /metrics endpoint.
var (
	// Labels: runner ("text_loop", "native"), outcome ("answered",
	// "summarized", "breaker", "error", "canceled").
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolloop",
			Subsystem: "turn",
			Name:      "total",
			Help:      "Completed turns by runner and outcome.",
		},
		[]string{"runner", "outcome"},
	)

	turnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toolloop",
			Subsystem: "turn",
			Name:      "duration_seconds",
			Help:      "Wall time of a turn in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"runner"},
	)

	turnIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toolloop",
			Subsystem: "turn",
			Name:      "iterations",
			Help:      "Model iterations per turn.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16, 24},
		},
		[]string{"runner"},
	)

	// Labels: status ("success", "overflow", "error").
	llmCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toolloop",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of model calls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"model", "status"},
	)

	// Labels: status ("ok", "error", "unknown", "invalid", "timeout").
	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolloop",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Tool invocations by tool and status.",
		},
		[]string{"tool", "status"},
	)

	// Labels: action ("retried", "propagated").
	overflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolloop",
			Subsystem: "context",
			Name:      "overflows_total",
			Help:      "Context window overflows reported by providers.",
		},
		[]string{"model", "action"},
	)

	trimmedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "toolloop",
			Subsystem: "context",
			Name:      "trimmed_results_total",
			Help:      "Tool results truncated to fit a context window.",
		},
	)

	// Labels: reason ("incomplete_setup", "hallucination").
	nudgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolloop",
			Subsystem: "turn",
			Name:      "nudges_total",
			Help:      "Corrective prompts injected into turns.",
		},
		[]string{"reason"},
	)

	breakerTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolloop",
			Subsystem: "turn",
			Name:      "breaker_trips_total",
			Help:      "Timeout breaker trips by runner.",
		},
		[]string{"runner"},
	)
)

func recordLLMCall(model string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if _, ok := llm.AsOverflow(err); ok {
			status = "overflow"
		}
	}
	llmCallDuration.WithLabelValues(model, status).Observe(d.Seconds())
}

// turnOutcomeLabel maps a finished turn to the turns_total outcome label.
func turnOutcomeLabel(out *Outcome, err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case err != nil:
		return "error"
	case out.BreakerTripped:
		return "breaker"
	case out.Exhausted:
		return "summarized"
	default:
		return "answered"
	}
}

func startTurnSpan(ctx context.Context, runner string, st *turnState) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("runner", runner),
		attribute.String("model", st.model),
		attribute.String("session_id", st.sessionID),
		attribute.String("turn_id", st.id),
		attribute.Int("messages", len(st.messages)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
