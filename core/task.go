package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentbridge/schema"
)

// Task is the orchestrator's unit of work as seen by adapters. Adapters only
// read it.
type Task struct {
	ID             string
	Description    string
	ExpectedOutput string
	// Context carries additional input (e.g. outputs of upstream tasks).
	Context string
	// OutputType declares a typed output schema. Takes precedence over OutputJSON.
	OutputType *schema.Schema
	// OutputJSON declares a raw JSON-schema output.
	OutputJSON *schema.Schema
	Metadata   map[string]string
	CreatedAt  time.Time
}

// NewTask creates a task with a generated ID.
func NewTask(description, expectedOutput string) *Task {
	return &Task{
		ID:             uuid.NewString(),
		Description:    description,
		ExpectedOutput: expectedOutput,
		CreatedAt:      time.Now().UTC(),
	}
}

// WithOutputType sets the typed output declaration and returns the task.
func (t *Task) WithOutputType(s *schema.Schema) *Task {
	t.OutputType = s
	return t
}

// WithOutputJSON sets the JSON-schema output declaration and returns the task.
func (t *Task) WithOutputJSON(s *schema.Schema) *Task {
	t.OutputJSON = s
	return t
}

// OutputKind tags an OutputRequirement.
type OutputKind int

const (
	// OutputNone requests plain text.
	OutputNone OutputKind = iota
	// OutputJSONSchema requests a payload conforming to a JSON schema.
	OutputJSONSchema
	// OutputTypedSchema requests a payload bound to a typed schema.
	OutputTypedSchema
)

// String returns the kind name used in logs and span attributes.
func (k OutputKind) String() string {
	switch k {
	case OutputNone:
		return "none"
	case OutputJSONSchema:
		return "json_schema"
	case OutputTypedSchema:
		return "typed_schema"
	default:
		return "unknown"
	}
}

// OutputRequirement is the structured-output requirement of one task.
// The zero value is OutputNone.
type OutputRequirement struct {
	kind   OutputKind
	schema *schema.Schema
}

// NoOutput returns the plain text requirement.
func NoOutput() OutputRequirement { return OutputRequirement{} }

// JSONOutput returns a JSON-schema requirement. A nil schema yields NoOutput.
func JSONOutput(s *schema.Schema) OutputRequirement {
	if s == nil {
		return NoOutput()
	}
	return OutputRequirement{kind: OutputJSONSchema, schema: s}
}

// TypedOutput returns a typed-schema requirement. A nil schema yields NoOutput.
func TypedOutput(s *schema.Schema) OutputRequirement {
	if s == nil {
		return NoOutput()
	}
	return OutputRequirement{kind: OutputTypedSchema, schema: s}
}

// Kind returns the requirement kind.
func (r OutputRequirement) Kind() OutputKind { return r.kind }

// Schema returns the declared schema, or nil for OutputNone.
func (r OutputRequirement) Schema() *schema.Schema { return r.schema }

// Structured reports whether the requirement asks for a structured payload.
func (r OutputRequirement) Structured() bool { return r.kind != OutputNone }

// RequirementFor derives the requirement of a task. A typed declaration wins
// over a JSON-schema declaration; neither yields OutputNone.
func RequirementFor(t *Task) OutputRequirement {
	switch {
	case t == nil:
		return NoOutput()
	case t.OutputType != nil:
		return TypedOutput(t.OutputType)
	case t.OutputJSON != nil:
		return JSONOutput(t.OutputJSON)
	default:
		return NoOutput()
	}
}
