// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes a tool with its decoded argument object.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry, replacing any tool of the same
// name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools in the function-calling format providers
// expect, sorted by name so prompts are stable between calls.
func (r *Registry) List() []map[string]any {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a tool by name with the given JSON arguments. Unknown
// tools yield *ErrToolUnavailable and undecodable arguments yield
// *ErrInvalidArguments; handler errors are returned as-is.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	args, err := DecodeArguments(argsJSON)
	if err != nil {
		return "", &ErrInvalidArguments{ToolName: name, Err: err}
	}

	return tool.Handler(ctx, args)
}

// DecodeArguments parses a JSON argument object. Empty input and a
// literal null decode to an empty map.
func DecodeArguments(argsJSON string) (map[string]any, error) {
	args := map[string]any{}
	if argsJSON == "" {
		return args, nil
	}
	var raw any
	if err := json.Unmarshal([]byte(argsJSON), &raw); err != nil {
		return nil, err
	}
	switch v := raw.(type) {
	case nil:
		return args, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("expected a JSON object, got %T", raw)
	}
}
