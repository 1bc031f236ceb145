package agent

import (
	"github.com/hupe1980/agentbridge/core"
)

// Provider supplies dynamic instruction text for a task.
type Provider interface {
	Instruction(task *core.Task) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(task *core.Task) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(task *core.Task) (string, error) { return f(task) }

// Instruction represents either a static instruction string or a dynamic provider.
// The resolved text is rendered as a template over the agent's role, goal,
// backstory and the task, e.g. "You are {{.role}}. {{.task.description}}".
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(task *core.Task) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// IsZero reports whether neither text nor provider is set.
func (i Instruction) IsZero() bool { return i.provider == nil && i.text == "" }

// Resolve returns the instruction text, invoking the provider if needed.
func (i Instruction) Resolve(task *core.Task) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(task)
	}
	return i.text, nil
}
