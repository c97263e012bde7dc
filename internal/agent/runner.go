// Package agent turns one user turn into a finished response by calling
// the model, running the tools it asks for and feeding the results back
// until the model answers. Two runners share that contract: [TextLoop]
// drives the iteration itself and understands tool calls written as
// plain text, and [NativeAdapter] hands the iteration to the provider's
// own function-calling loop and supervises it through hooks.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/thane-toolloop/internal/breaker"
	"github.com/nugget/thane-toolloop/internal/classify"
	"github.com/nugget/thane-toolloop/internal/contextguard"
	"github.com/nugget/thane-toolloop/internal/events"
	"github.com/nugget/thane-toolloop/internal/feedback"
	"github.com/nugget/thane-toolloop/internal/llm"
)

// DefaultMaxIterations bounds a turn when the model sets no limit.
const DefaultMaxIterations = 12

// Runner executes turns. Implementations keep no per-turn state on the
// receiver, so one Runner may serve concurrent turns.
type Runner interface {
	RunTurn(ctx context.Context, turn *Turn) (*Outcome, error)
	Name() string
}

// ToolSet is what the runners need from a tool registry.
// *tools.Registry satisfies it.
type ToolSet interface {
	Execute(ctx context.Context, name, argsJSON string) (string, error)
	Has(name string) bool
	List() []map[string]any
}

// ModelBehavior describes how the selected model handles tools.
type ModelBehavior struct {
	// TextToolCalling means the model writes tool calls as text
	// instead of structured calls. Tools are described in the prompt
	// and never sent through the provider API.
	TextToolCalling bool `yaml:"text_tool_calling" json:"text_tool_calling"`

	// MaxIterations overrides DefaultMaxIterations when positive.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// NudgeOnHallucination enables the corrective prompt for replies
	// that claim actions no tool performed.
	NudgeOnHallucination bool `yaml:"nudge_on_hallucination" json:"nudge_on_hallucination"`

	// ExplicitLoop forces TextLoop for a model with native tool
	// calling.
	ExplicitLoop bool `yaml:"explicit_loop" json:"explicit_loop"`
}

func (b ModelBehavior) maxIterations() int {
	if b.MaxIterations > 0 {
		return b.MaxIterations
	}
	return DefaultMaxIterations
}

// Callbacks report progress to the caller. Any of them may be nil. They
// run on the turn's goroutine and should return quickly.
type Callbacks struct {
	OnPreToolCall func(description string)
	OnProgress    func(description string)
	OnToolTimeout func(description string)
}

func (c Callbacks) preToolCall(desc string) {
	if c.OnPreToolCall != nil {
		c.OnPreToolCall(desc)
	}
}

func (c Callbacks) progress(desc string) {
	if c.OnProgress != nil {
		c.OnProgress(desc)
	}
}

func (c Callbacks) toolTimeout(desc string) {
	if c.OnToolTimeout != nil {
		c.OnToolTimeout(desc)
	}
}

// Turn is one request to a Runner.
type Turn struct {
	// SessionID tags logs, events and feedback signals.
	SessionID string
	Model     string

	// Messages is the assembled conversation, system prompt included.
	// Runners append to it and may shrink tool-result contents in
	// place; Outcome.Messages is the resulting list.
	Messages []llm.Message

	// Tools is the catalog offered to the model. Nil means everything
	// in Deps.Tools.
	Tools llm.ToolDefinitions

	// FirstResponse, when set, is used as the model's reply for the
	// first iteration instead of calling the model.
	FirstResponse *llm.ChatResponse

	Behavior  ModelBehavior
	Callbacks Callbacks
}

// Outcome is the result of a turn.
type Outcome struct {
	// Text is the reply for the user. It may be empty, which callers
	// treat as nothing to say.
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`

	// Messages is the mutated conversation for the caller to persist.
	Messages []llm.Message `json:"-"`

	Model        string `json:"model"`
	Runner       string `json:"runner"`
	Iterations   int    `json:"iterations"`
	ToolCalls    int    `json:"tool_calls"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`

	// Exhausted is set when the iteration limit forced a summary.
	Exhausted bool `json:"exhausted,omitempty"`
	// BreakerTripped is set when consecutive tool timeouts ended the
	// turn early.
	BreakerTripped bool `json:"breaker_tripped,omitempty"`
}

// Deps are the collaborators shared by every turn a Runner executes.
type Deps struct {
	LLM   llm.Client
	Tools ToolSet

	// Classifier defaults to classify.Default().
	Classifier classify.Classifier
	// Feedback receives tool failures. Optional.
	Feedback feedback.Sink
	// Limits remembers learned context windows across turns. Optional.
	Limits *contextguard.LimitCache
	// Events receives turn activity. Optional.
	Events *events.Bus
	Logger *slog.Logger

	// TimeoutThreshold is the number of consecutive iterations with a
	// timed-out tool that ends a turn. Zero means
	// breaker.DefaultThreshold.
	TimeoutThreshold int
	// ToolTimeout bounds each tool call when positive.
	ToolTimeout time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Classifier == nil {
		d.Classifier = classify.Default()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.TimeoutThreshold <= 0 {
		d.TimeoutThreshold = breaker.DefaultThreshold
	}
	return d
}

// New returns the runner suited to behavior: models that write tool
// calls as text, or that are configured for the explicit loop, get a
// TextLoop; everything else gets a NativeAdapter.
func New(deps Deps, behavior ModelBehavior) Runner {
	if behavior.TextToolCalling || behavior.ExplicitLoop {
		return NewTextLoop(deps)
	}
	return NewNativeAdapter(deps)
}
