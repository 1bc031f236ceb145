package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies adapter errors.
type ErrorKind string

const (
	// KindConfiguration marks tool or output setup rejected by the runtime or
	// by the name collision policy. Fatal for the agent's setup.
	KindConfiguration ErrorKind = "ADAPTER_CONFIGURATION"

	// KindExecution marks a runtime failure during an invocation. Surfaced per
	// task and never retried by adapters.
	KindExecution ErrorKind = "AGENT_EXECUTION"

	// KindResultFormat marks a result that could not be parsed or validated.
	// Non-fatal: the raw text is still returned.
	KindResultFormat ErrorKind = "RESULT_FORMAT"
)

// FormatReason distinguishes result format failures.
type FormatReason string

const (
	// ReasonParse means the raw result was not a JSON value.
	ReasonParse FormatReason = "parse"
	// ReasonValidation means the payload parsed but did not satisfy the schema.
	ReasonValidation FormatReason = "validation"
)

var (
	// ErrInFlight is the cause when tools are reconfigured during an invocation.
	ErrInFlight = errors.New("invocation in flight")
	// ErrTurnLimit is the cause when a runtime tool loop exceeds its turn budget.
	ErrTurnLimit = errors.New("turn limit exceeded")
	// ErrNameCollision is the cause when sanitized tool names collide.
	ErrNameCollision = errors.New("tool name collision")
)

// Error is the typed error returned by adapters. Use errors.As to inspect it
// and the Is* helpers to test its kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Agent   string
	Tool    string
	Reason  FormatReason
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Reason != "" {
		prefix += "/" + string(e.Reason)
	}
	subject := e.Agent
	if e.Tool != "" {
		if subject != "" {
			subject += "."
		}
		subject += e.Tool
	}
	msg := e.Message
	if subject != "" {
		msg = subject + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", prefix, msg)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error { return e.Err }

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(struct {
		Kind    ErrorKind    `json:"kind"`
		Message string       `json:"message"`
		Agent   string       `json:"agent,omitempty"`
		Tool    string       `json:"tool,omitempty"`
		Reason  FormatReason `json:"reason,omitempty"`
		Cause   string       `json:"cause,omitempty"`
	}{e.Kind, e.Message, e.Agent, e.Tool, e.Reason, cause})
}

// NewConfigurationError creates an AdapterConfigurationError.
func NewConfigurationError(agent, msg string, cause error) *Error {
	return &Error{Kind: KindConfiguration, Agent: agent, Message: msg, Err: cause}
}

// NewExecutionError creates an AgentExecutionError.
func NewExecutionError(agent, msg string, cause error) *Error {
	return &Error{Kind: KindExecution, Agent: agent, Message: msg, Err: cause}
}

// NewResultFormatError creates a ResultFormatError with the given reason.
func NewResultFormatError(reason FormatReason, msg string, cause error) *Error {
	return &Error{Kind: KindResultFormat, Reason: reason, Message: msg, Err: cause}
}

// WithTool sets the tool name and returns the error for chaining.
func (e *Error) WithTool(name string) *Error {
	e.Tool = name
	return e
}

// WithAgent sets the agent name and returns the error for chaining.
func (e *Error) WithAgent(name string) *Error {
	e.Agent = name
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfiguration reports whether err is an AdapterConfigurationError.
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }

// IsExecution reports whether err is an AgentExecutionError.
func IsExecution(err error) bool { return KindOf(err) == KindExecution }

// IsResultFormat reports whether err is a ResultFormatError.
func IsResultFormat(err error) bool { return KindOf(err) == KindResultFormat }

// FormatReasonOf returns the reason of a ResultFormatError, or "".
func FormatReasonOf(err error) FormatReason {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindResultFormat {
		return e.Reason
	}
	return ""
}
