package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// A nil tools slice disables native tool calling for the request.
	// Providers report context-window overflow as *OverflowError.
	Chat(ctx context.Context, model string, messages []Message, tools ToolDefinitions) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
