package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Transport carries JSON-RPC messages to one server.
type Transport interface {
	// Call sends req and waits for the reply with the same ID.
	Call(ctx context.Context, req *Request) (*Response, error)
	// Notify sends a message that has no reply.
	Notify(ctx context.Context, n *Notification) error
	Close() error
}

// ServerSpec describes how to reach one MCP server.
type ServerSpec struct {
	Name string

	// Transport is "stdio" or "http".
	Transport string

	// stdio
	Command string
	Args    []string
	Env     []string

	// http
	URL     string
	Headers map[string]string

	// Expose lists server tools to register directly, in addition to
	// the gateway tools.
	Expose []string

	// Timeout bounds each request. Zero means DefaultRequestTimeout.
	Timeout time.Duration
}

// DefaultRequestTimeout applies to servers without an explicit timeout.
const DefaultRequestTimeout = 60 * time.Second

// NewTransport builds the transport described by spec.
func NewTransport(spec ServerSpec, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", spec.Name)

	switch spec.Transport {
	case "stdio", "":
		if spec.Command == "" {
			return nil, fmt.Errorf("mcp server %s: stdio transport requires a command", spec.Name)
		}
		return NewStdioTransport(spec.Command, spec.Args, spec.Env, logger), nil
	case "http":
		if spec.URL == "" {
			return nil, fmt.Errorf("mcp server %s: http transport requires a url", spec.Name)
		}
		return NewHTTPTransport(spec.URL, spec.Headers, logger), nil
	default:
		return nil, fmt.Errorf("mcp server %s: unknown transport %q", spec.Name, spec.Transport)
	}
}
