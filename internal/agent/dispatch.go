package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nugget/thane-toolloop/internal/llm"
	"github.com/nugget/thane-toolloop/internal/prompts"
	"github.com/nugget/thane-toolloop/internal/usage"
)

// ErrNoModel is returned when a request names no model and no default
// is configured.
var ErrNoModel = errors.New("no model requested and no default configured")

// Request is a plain user turn: one new message on top of an optional
// prior conversation.
type Request struct {
	SessionID string        `json:"session_id,omitempty"`
	Model     string        `json:"model,omitempty"`
	Message   string        `json:"message"`
	History   []llm.Message `json:"history,omitempty"`

	Callbacks Callbacks `json:"-"`
}

// UsageRecorder persists per-turn accounting. *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// DispatcherConfig selects models and prompts for a Dispatcher.
type DispatcherConfig struct {
	DefaultModel string
	// SystemPrompt defaults to prompts.BaseSystem.
	SystemPrompt string
	// Models maps model names to their behavior. Unlisted models are
	// driven natively with default limits.
	Models map[string]ModelBehavior
	// DefaultMaxIterations applies to models whose behavior sets no
	// limit.
	DefaultMaxIterations int
	// Usage records every completed turn. Optional.
	Usage UsageRecorder
}

// Dispatcher builds turns from requests and runs each on the runner
// the model's behavior calls for.
type Dispatcher struct {
	deps   Deps
	cfg    DispatcherConfig
	logger *slog.Logger
}

// NewDispatcher returns a Dispatcher sharing deps across all turns.
func NewDispatcher(deps Deps, cfg DispatcherConfig) *Dispatcher {
	deps = deps.withDefaults()
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = prompts.BaseSystem
	}
	return &Dispatcher{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.With("component", "dispatcher"),
	}
}

// DefaultModel returns the model used when a request names none.
func (d *Dispatcher) DefaultModel() string { return d.cfg.DefaultModel }

// Behavior returns the configured behavior for model.
func (d *Dispatcher) Behavior(model string) ModelBehavior {
	b := d.cfg.Models[model]
	if b.MaxIterations <= 0 && d.cfg.DefaultMaxIterations > 0 {
		b.MaxIterations = d.cfg.DefaultMaxIterations
	}
	return b
}

// Run executes req and records its usage.
func (d *Dispatcher) Run(ctx context.Context, req Request) (*Outcome, error) {
	model := req.Model
	if model == "" {
		model = d.cfg.DefaultModel
	}
	if model == "" {
		return nil, ErrNoModel
	}
	sessionID := req.SessionID
	if sessionID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate session ID: %w", err)
		}
		sessionID = id.String()
	}

	behavior := d.Behavior(model)
	var defs llm.ToolDefinitions
	if d.deps.Tools != nil {
		defs = d.deps.Tools.List()
	}

	msgs := make([]llm.Message, 0, len(req.History)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: SystemPrompt(d.cfg.SystemPrompt, behavior, defs)})
	for _, m := range req.History {
		if m.Role != llm.RoleSystem {
			msgs = append(msgs, m)
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Message})

	runner := New(d.deps, behavior)
	out, err := runner.RunTurn(ctx, &Turn{
		SessionID: sessionID,
		Model:     model,
		Messages:  msgs,
		Tools:     defs,
		Behavior:  behavior,
		Callbacks: req.Callbacks,
	})
	if err != nil {
		return nil, err
	}
	d.record(ctx, sessionID, out)
	return out, nil
}

func (d *Dispatcher) record(ctx context.Context, sessionID string, out *Outcome) {
	if d.cfg.Usage == nil {
		return
	}
	err := d.cfg.Usage.Record(context.WithoutCancel(ctx), usage.Record{
		SessionID:    sessionID,
		Model:        out.Model,
		Runner:       out.Runner,
		Iterations:   out.Iterations,
		ToolCalls:    out.ToolCalls,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
	})
	if err != nil {
		d.logger.Warn("failed to record usage", "session_id", sessionID, "error", err)
	}
}
