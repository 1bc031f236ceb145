package agent

import (
	"context"

	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/converter"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/tool"
)

// Info describes a runtime variant's capabilities.
type Info struct {
	// Runtime names the external runtime ("openai", "anthropic", "mcp", "cli", "mock").
	Runtime string
	// NativeTools reports that the runtime calls tools itself.
	NativeTools bool
	// NativeStructuredOutput reports that ConfigureStructuredOutput changes
	// how the runtime is invoked. Otherwise it is a no-op and the converter
	// alone enforces the output contract.
	NativeStructuredOutput bool
	// Reentrant reports that one instance may serve concurrent invocations.
	Reentrant bool
}

// Request is one invocation of the external runtime.
type Request struct {
	Task *core.Task
	// SystemPrompt is the resolved instruction, already augmented with the
	// output format block.
	SystemPrompt string
	// Input is the user turn describing the task.
	Input string
	// OnToolCall observes tool calls issued during the invocation.
	OnToolCall func(ctx context.Context, outcome tool.CallOutcome)
}

// Adapter wraps one external agent runtime so it can take part in an
// orchestrator built around core.Task and core.Tool.
//
// Lifecycle: an Adapter is constructed once per logical agent definition and
// reused across task executions. Configuration (ConfigureTools,
// ConfigureStructuredOutput) must complete before the invocation that relies
// on it. None of the built-in variants is reentrant: Execute serializes
// invocations of one instance, and reconfiguring tools while an invocation
// is in flight fails with a configuration error wrapping core.ErrInFlight.
type Adapter interface {
	// Name returns the agent name.
	Name() string

	// Info describes the runtime.
	Info() Info

	// Converter returns the converter bound to this adapter.
	Converter() *converter.Converter

	// ConfigureTools replaces the runtime's tool set. Nil or empty
	// configures zero tools.
	ConfigureTools(tools []core.Tool) error

	// ConfigureStructuredOutput forwards req to runtimes with native
	// structured output support. It never fails for lack of support.
	ConfigureStructuredOutput(req core.OutputRequirement) error

	// SystemPrompt resolves the base instruction for task.
	SystemPrompt(task *core.Task) (string, error)

	// Invoke runs the external runtime and returns its raw textual result.
	Invoke(ctx context.Context, req Request) (string, error)
}

// Factory constructs a runtime variant from decoded options.
type Factory func(name string, opts *config.Options, logger logging.Logger) (Adapter, error)
