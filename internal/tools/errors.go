package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return "unknown tool: " + e.ToolName
}

// ErrInvalidArguments is returned when a tool call's arguments are not a
// decodable JSON object.
type ErrInvalidArguments struct {
	ToolName string
	Err      error
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments: %v", e.Err)
}

// Unwrap returns the decode error.
func (e *ErrInvalidArguments) Unwrap() error {
	return e.Err
}
