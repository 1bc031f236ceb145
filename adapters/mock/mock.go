// Package mock provides a deterministic in-memory runtime variant for tests
// and examples.
//
// The runtime answers from canned responses keyed by task input, or from a
// script of steps that may request tool calls before answering. Tool calls
// run through the same executor the SDK backed variants use.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/agentbridge/agent"
	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/tool"
)

// Runtime is the registry name of this variant.
const Runtime = "mock"

// Tool is the converted tool form: a function definition as a chat model
// would receive it.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall requests one tool call from a scripted step.
type ToolCall struct {
	Name string         `koanf:"name" json:"name"`
	Args map[string]any `koanf:"args" json:"args"`
}

// Step is one scripted turn. A step with tool calls runs them and moves on
// to the next step; otherwise Text (or Err) ends the invocation.
type Step struct {
	Text      string     `koanf:"text"`
	ToolCalls []ToolCall `koanf:"tool_calls"`
	Err       error      `koanf:"-"`
}

// Response is a canned answer for one task input.
type Response struct {
	Input  string `koanf:"input"`
	Output string `koanf:"output"`
}

// Options configure the mock runtime. Responses and Steps are decoded from
// agent_config.
type Options struct {
	// Responses are canned answers keyed by task input. Later entries win.
	Responses []Response `koanf:"responses"`
	// Steps is consumed in order across invocations.
	Steps []Step `koanf:"steps"`
	// NativeStructuredOutput makes the runtime report native support and
	// record the requirement it is handed.
	NativeStructuredOutput bool `koanf:"native_structured_output"`
}

// Adapter is the scripted runtime. It is not reentrant.
type Adapter struct {
	*agent.Base
	opts  Options
	tools *tool.Adapter[Tool]

	mu        sync.Mutex
	responses map[string]string
	steps     []Step
	requests  []agent.Request
	outcomes  []tool.CallOutcome

	requirements []core.OutputRequirement
}

// New creates a mock adapter. cfg may be nil.
func New(name string, cfg *config.Options, logger logging.Logger, optFns ...func(o *Options)) (*Adapter, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.FromMap(nil); err != nil {
			return nil, err
		}
	}

	opts := Options{}
	if err := config.Decode(cfg.AgentConfig, &opts); err != nil {
		return nil, core.NewConfigurationError(name, "invalid agent_config", err)
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	responses := make(map[string]string, len(opts.Responses))
	for _, r := range opts.Responses {
		responses[r.Input] = r.Output
	}

	base := agent.NewBase(name, func(o *agent.BaseOptions) {
		o.Info = agent.Info{Runtime: Runtime, NativeTools: true, NativeStructuredOutput: opts.NativeStructuredOutput}
		o.Config = cfg
		o.Logger = logger
	})

	return &Adapter{
		Base:      base,
		opts:      opts,
		responses: responses,
		steps:     append([]Step(nil), opts.Steps...),
		tools: tool.NewAdapter(convertTool, func(o *tool.AdapterOptions) {
			o.Agent = name
			o.Logger = base.Logger()
		}),
	}, nil
}

// Factory constructs the variant for the runtime registry.
func Factory(name string, cfg *config.Options, logger logging.Logger) (agent.Adapter, error) {
	return New(name, cfg, logger)
}

// ConfigureTools records the converted tool definitions.
func (a *Adapter) ConfigureTools(tools []core.Tool) error {
	return a.ApplyTools(tools, a.tools)
}

// ToolDefinitions returns the converted tools.
func (a *Adapter) ToolDefinitions() []Tool { return a.tools.Tools() }

func convertTool(b tool.Binding) (Tool, error) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if s := b.Tool.InputSchema(); s != nil {
		params = s.Map()
	}
	return Tool{Name: b.Name, Description: b.Tool.Description(), Parameters: params}, nil
}

// ConfigureStructuredOutput records req. With NativeStructuredOutput every
// requirement handed over is also kept for Requirements.
func (a *Adapter) ConfigureStructuredOutput(req core.OutputRequirement) error {
	if err := a.Base.ConfigureStructuredOutput(req); err != nil {
		return err
	}
	if !a.opts.NativeStructuredOutput {
		return nil
	}

	a.mu.Lock()
	a.requirements = append(a.requirements, req)
	a.mu.Unlock()

	return nil
}

// Requirements returns the requirements received in native mode, one per
// execution.
func (a *Adapter) Requirements() []core.OutputRequirement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.OutputRequirement(nil), a.requirements...)
}

// AddResponse registers a canned answer for an input.
func (a *Adapter) AddResponse(input, response string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[input] = response
}

// Script appends steps to the script.
func (a *Adapter) Script(steps ...Step) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = append(a.steps, steps...)
}

// Requests returns the requests seen so far.
func (a *Adapter) Requests() []agent.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Request(nil), a.requests...)
}

// Outcomes returns the tool call outcomes produced so far.
func (a *Adapter) Outcomes() []tool.CallOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]tool.CallOutcome(nil), a.outcomes...)
}

func (a *Adapter) next() (Step, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.steps) == 0 {
		return Step{}, false
	}
	s := a.steps[0]
	a.steps = a.steps[1:]
	return s, true
}

// Invoke plays the script, or answers from the canned responses once the
// script is exhausted.
func (a *Adapter) Invoke(ctx context.Context, req agent.Request) (string, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	limiter := a.NewTurnLimiter()
	executor := a.NewExecutor(req.OnToolCall)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := limiter.Next(); err != nil {
			return "", core.NewExecutionError(a.Name(), "tool loop did not converge", err)
		}

		step, ok := a.next()
		if !ok {
			return a.respond(req.Input), nil
		}
		if step.Err != nil {
			return "", step.Err
		}
		if len(step.ToolCalls) == 0 {
			return step.Text, nil
		}

		calls := make([]tool.Call, len(step.ToolCalls))
		for i, tc := range step.ToolCalls {
			args, err := json.Marshal(tc.Args)
			if err != nil {
				return "", core.NewExecutionError(a.Name(), "invalid scripted arguments", err)
			}
			calls[i] = tool.Call{ID: "call_" + uuid.NewString(), Name: tc.Name, Arguments: string(args)}
		}

		outcomes := executor.Execute(ctx, a.tools, calls)

		a.mu.Lock()
		a.outcomes = append(a.outcomes, outcomes...)
		a.mu.Unlock()
	}
}

func (a *Adapter) respond(input string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.responses[input]; ok {
		return r
	}
	return fmt.Sprintf("Mock response to: %s", input)
}

var _ agent.Adapter = (*Adapter)(nil)
