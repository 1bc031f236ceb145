// Package tool implements the Tool Adapter side of agentbridge: converting
// orchestrator tool descriptors (core.Tool) into the native tool format of an
// external runtime, with deterministic name sanitization, a documented
// collision policy and a uniform asynchronous calling surface.
package tool

import (
	"fmt"

	"github.com/hupe1980/agentbridge/core"
)

// ToolAdapter converts orchestrator tools into a runtime's native tool type T.
//
// Implementations must reset their converted collection on every call to
// ConfigureTools; calling it twice with the same tools yields the same set as
// calling it once.
type ToolAdapter[T any] interface {
	// ConfigureTools replaces the converted tool set. Nil or empty input
	// configures zero tools.
	ConfigureTools(tools []core.Tool) error

	// Tools returns the converted tools in input order.
	Tools() []T
}

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

const (
	// CodeValidation marks arguments rejected by the tool's input schema.
	CodeValidation = "VALIDATION_ERROR"
	// CodeExecution marks a failure of the underlying capability.
	CodeExecution = "EXECUTION_ERROR"
	// CodeNotFound marks a call to a name no binding exists for.
	CodeNotFound = "NOT_FOUND"
)

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
