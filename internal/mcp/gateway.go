package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/nugget/thane-toolloop/internal/events"
	"github.com/nugget/thane-toolloop/internal/tools"
)

// Gateway tool names.
const (
	ListToolName   = "mcp_list_tools"
	InvokeToolName = "mcp_invoke_tool"
)

var unsafeChars = regexp.MustCompile(`[^a-z0-9_]+`)

// Gateway owns the connected MCP servers and exposes them as tools.
type Gateway struct {
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	bridged []*tools.Tool
}

// NewGateway creates an empty gateway. bus may be nil.
func NewGateway(bus *events.Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		bus:     bus,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// Connect starts and initializes every server in specs. A server that
// fails is logged and skipped; the joined failures are returned so the
// caller can decide whether a partial gateway is acceptable.
func (g *Gateway) Connect(ctx context.Context, specs []ServerSpec) error {
	var errs []error
	for _, spec := range specs {
		if err := g.connect(ctx, spec); err != nil {
			g.logger.Warn("mcp server unavailable", "server", spec.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) connect(ctx context.Context, spec ServerSpec) error {
	transport, err := NewTransport(spec, g.logger)
	if err != nil {
		return err
	}
	client := NewClient(spec.Name, transport, spec.Timeout, g.logger)
	if err := client.Initialize(ctx); err != nil {
		client.Close()
		return err
	}
	list, err := client.Tools(ctx)
	if err != nil {
		client.Close()
		return err
	}
	g.Add(client, spec.Expose, list)
	return nil
}

// Add registers a connected client. Tools named in expose are bridged
// directly under ToolName(server, tool).
func (g *Gateway) Add(client *Client, expose []string, list []ToolInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.clients[client.Name()]; ok && old != client {
		old.Close()
	}
	g.clients[client.Name()] = client
	for _, info := range list {
		if slices.Contains(expose, info.Name) {
			g.bridged = append(g.bridged, bridge(client, info))
		}
	}

	g.logger.Info("mcp server connected", "server", client.Name(), "tools", len(list), "bridged", len(expose))
	g.bus.Emit(events.SourceMCP, events.KindServerConnected, map[string]any{
		"server": client.Name(),
		"tools":  len(list),
	})
}

// Servers returns the connected server names, sorted.
func (g *Gateway) Servers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.clients))
	for name := range g.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (g *Gateway) client(name string) (*Client, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if c, ok := g.clients[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("unknown MCP server %q (available: %s)", name, strings.Join(g.namesLocked(), ", "))
}

func (g *Gateway) namesLocked() []string {
	names := make([]string, 0, len(g.clients))
	for name := range g.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Register adds the gateway tools and any bridged server tools to reg.
func (g *Gateway) Register(reg *tools.Registry) {
	reg.Register(&tools.Tool{
		Name:        ListToolName,
		Description: "List the tools offered by connected MCP servers. Pass server_name to list one server only.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"server_name": map[string]any{
					"type":        "string",
					"description": "Server to list; omit for all servers.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			server, _ := args["server_name"].(string)
			return g.ListTools(ctx, server)
		},
	})

	reg.Register(&tools.Tool{
		Name:        InvokeToolName,
		Description: "Call a tool on a connected MCP server. Use mcp_list_tools first to learn the tool names and their arguments.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"server_name": map[string]any{"type": "string", "description": "MCP server name."},
				"tool_name":   map[string]any{"type": "string", "description": "Tool name on that server."},
				"arguments":   map[string]any{"type": "object", "description": "Arguments for the tool."},
			},
			"required": []string{"server_name", "tool_name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			server, _ := args["server_name"].(string)
			tool, _ := args["tool_name"].(string)
			if server == "" || tool == "" {
				return "", errors.New("server_name and tool_name are required")
			}
			toolArgs, err := invokeArguments(args["arguments"])
			if err != nil {
				return "", err
			}
			return g.Invoke(ctx, server, tool, toolArgs)
		},
	})

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.bridged {
		reg.Register(t)
	}
}

// ListTools renders the tools of one server, or of all servers when
// server is empty.
func (g *Gateway) ListTools(ctx context.Context, server string) (string, error) {
	names := []string{server}
	if server == "" {
		names = g.Servers()
	}
	if len(names) == 0 {
		return "No MCP servers are connected.", nil
	}

	var b strings.Builder
	for i, name := range names {
		c, err := g.client(name)
		if err != nil {
			return "", err
		}
		list, err := c.Tools(ctx)
		if err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Server %s (%d tools):\n", name, len(list))
		for _, t := range list {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
			if len(t.InputSchema) > 0 {
				if raw, err := json.Marshal(t.InputSchema); err == nil {
					fmt.Fprintf(&b, "  arguments: %s\n", raw)
				}
			}
		}
	}
	return b.String(), nil
}

// Invoke calls tool on server.
func (g *Gateway) Invoke(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	c, err := g.client(server)
	if err != nil {
		return "", err
	}
	return c.CallTool(ctx, tool, args)
}

// Ping checks that server still answers. An RPC error reply counts as
// alive since not every server implements ping.
func (g *Gateway) Ping(ctx context.Context, server string) error {
	c, err := g.client(server)
	if err != nil {
		return err
	}
	var rpcErr *RPCError
	if err := c.Ping(ctx); err != nil && !errors.As(err, &rpcErr) {
		return err
	}
	return nil
}

// Close shuts down every client.
func (g *Gateway) Close() error {
	g.mu.Lock()
	clients := g.clients
	g.clients = make(map[string]*Client)
	g.bridged = nil
	g.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// invokeArguments accepts the arguments member as an object or as a
// JSON string holding one, which smaller models tend to produce.
func invokeArguments(v any) (map[string]any, error) {
	switch a := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return a, nil
	case string:
		if strings.TrimSpace(a) == "" {
			return map[string]any{}, nil
		}
		args, err := tools.DecodeArguments(a)
		if err != nil {
			return nil, fmt.Errorf("arguments: %w", err)
		}
		return args, nil
	default:
		return nil, fmt.Errorf("arguments must be an object, got %T", v)
	}
}

// ToolName is the registry name of a bridged server tool.
func ToolName(server, tool string) string {
	return "mcp_" + sanitize(server) + "_" + sanitize(tool)
}

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(strings.ToLower(s), "_")
	return strings.Trim(s, "_")
}

func bridge(c *Client, info ToolInfo) *tools.Tool {
	name := info.Name
	return &tools.Tool{
		Name:        ToolName(c.Name(), name),
		Description: info.Description,
		Parameters:  info.InputSchema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return c.CallTool(ctx, name, args)
		},
	}
}
