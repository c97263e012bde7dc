package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/thane-toolloop/internal/buildinfo"
)

const protocolVersion = "2025-03-26"

// ToolInfo is a tool advertised by a server.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Content is one block of a tools/call result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type callResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

type listResult struct {
	Tools      []ToolInfo `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type initResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// ToolError is a tool-level failure reported by the server (isError in
// the call result), as opposed to a protocol or transport failure.
type ToolError struct {
	Server string
	Tool   string
	Text   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s/%s failed: %s", e.Server, e.Tool, e.Text)
}

// Client speaks MCP to one server.
type Client struct {
	name      string
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger
	ids       atomic.Int64

	mu         sync.RWMutex
	serverName string
	tools      []ToolInfo
}

// NewClient wraps a transport. Initialize must succeed before other
// calls.
func NewClient(name string, transport Transport, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		name:      name,
		transport: transport,
		timeout:   timeout,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) error {
	var res initResult
	err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "toolloop",
			"version": buildinfo.Version,
		},
	}, &res)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.serverName = res.ServerInfo.Name
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, newNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("initialized notification to %s: %w", c.name, err)
	}
	c.logger.Info("mcp server initialized",
		"server_name", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol", res.ProtocolVersion,
	)
	return nil
}

// Tools returns the server's tools, fetching and caching them on first
// use. Paginated listings are followed to the end.
func (c *Client) Tools(ctx context.Context) ([]ToolInfo, error) {
	c.mu.RLock()
	cached := c.tools
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}
	return c.RefreshTools(ctx)
}

// RefreshTools re-reads the tool list from the server.
func (c *Client) RefreshTools(ctx context.Context) ([]ToolInfo, error) {
	all := []ToolInfo{}
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		var res listResult
		if err := c.call(ctx, "tools/list", params, &res); err != nil {
			return nil, fmt.Errorf("list tools on %s: %w", c.name, err)
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			break
		}
		cursor = res.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.mu.Unlock()
	c.logger.Debug("mcp tools listed", "count", len(all))
	return all, nil
}

// CallTool invokes a tool and flattens its content to text. A result
// flagged isError is returned as *ToolError.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res callResult
	if err := c.call(ctx, "tools/call", map[string]any{"name": tool, "arguments": args}, &res); err != nil {
		return "", fmt.Errorf("call %s/%s: %w", c.name, tool, err)
	}
	text := flatten(res.Content)
	if res.IsError {
		return "", &ToolError{Server: c.name, Tool: tool, Text: text}
	}
	return text, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Close shuts the transport down.
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := newRequest(c.ids.Add(1), method, params)
	start := time.Now()
	resp, err := c.transport.Call(ctx, req)
	if err != nil {
		return err
	}
	c.logger.Debug("mcp request complete",
		"method", method,
		"id", req.ID,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return decodeResult(resp, out)
}

// flatten joins text blocks; other block types become placeholders.
func flatten(blocks []Content) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
			continue
		}
		if b.MimeType != "" {
			parts = append(parts, fmt.Sprintf("[%s: %s]", b.Type, b.MimeType))
		} else {
			parts = append(parts, "["+b.Type+"]")
		}
	}
	return strings.Join(parts, "\n")
}
