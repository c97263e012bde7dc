// Package feedback records signals about tool behavior observed during
// turns. The loop reports every tool failure here so unreliable tools
// can be spotted without reading transcripts.
package feedback

import (
	"context"
	"time"
)

// SignalType classifies a feedback signal.
type SignalType string

// ToolFailure marks a tool invocation that returned an error.
const ToolFailure SignalType = "tool_failure"

// Signal is one observation reported by the loop.
type Signal struct {
	ID           string
	SessionID    string
	Type         SignalType
	ToolName     string
	ErrorMessage string
	Timestamp    time.Time
}

// Sink accepts feedback signals. The loop calls Append without waiting
// on the result; implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, s Signal) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s Signal) error

// Append calls f.
func (f SinkFunc) Append(ctx context.Context, s Signal) error {
	return f(ctx, s)
}
