package agent

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/converter"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/internal/util"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/tool"
)

// ToolConfigurer is the non-generic face of tool.ToolAdapter.
type ToolConfigurer interface {
	ConfigureTools(tools []core.Tool) error
}

// BaseOptions configures a Base.
type BaseOptions struct {
	Info        Info
	Config      *config.Options
	Instruction Instruction
	Logger      logging.Logger
	// Converter options applied to the bound converter.
	Converter []func(o *converter.Options)
}

// defaultInstruction is used when neither an Instruction nor the
// instruction option is set.
const defaultInstruction = `You are {{.role | default .name}}.{{if .goal}}
Your goal: {{.goal}}{{end}}{{if .backstory}}
Backstory: {{.backstory}}{{end}}{{if .allow_delegation}}
You may delegate parts of the work to coworkers when delegation tools are offered.{{end}}`

// Base bundles the state every runtime variant shares: identity, options,
// instruction, the configured tool set, the current output requirement, the
// bound converter and the invocation slot. Embed *Base in a variant and
// implement Invoke (plus ConfigureTools and, where the runtime supports it,
// ConfigureStructuredOutput).
//
// All exported methods are goroutine-safe.
type Base struct {
	name        string
	info        Info
	config      *config.Options
	instruction Instruction
	converter   *converter.Converter
	logger      logging.Logger

	slot     chan struct{}
	inFlight atomic.Bool

	mu          sync.RWMutex
	tools       []core.Tool
	requirement core.OutputRequirement
}

// NewBase constructs a Base. Missing options fall back to defaults.
func NewBase(name string, optFns ...func(o *BaseOptions)) *Base {
	opts := BaseOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Config == nil {
		cfg, err := config.FromMap(nil)
		if err != nil {
			cfg = &config.Options{MaxIterations: config.DefaultMaxIterations}
		}
		opts.Config = cfg
	}

	logger := opts.Logger
	if logger == nil {
		if opts.Config.Verbose {
			logger = logging.NewLogger(opts.Config.LoggerConfig())
		} else {
			logger = logging.NoOpLogger{}
		}
	}
	if opts.Info.Runtime != "" {
		logger = logging.With(logger, "runtime", opts.Info.Runtime)
	}

	instruction := opts.Instruction
	if instruction.IsZero() && opts.Config.Instruction != "" {
		instruction = NewInstructionFromText(opts.Config.Instruction)
	}

	convOpts := append([]func(o *converter.Options){
		converter.WithAgent(name),
		converter.WithLogger(logger),
	}, opts.Converter...)

	return &Base{
		name:        name,
		info:        opts.Info,
		config:      opts.Config,
		instruction: instruction,
		converter:   converter.New(convOpts...),
		logger:      logger,
		slot:        make(chan struct{}, 1),
		requirement: core.NoOutput(),
	}
}

// Name returns the agent name.
func (b *Base) Name() string { return b.name }

// Info describes the runtime.
func (b *Base) Info() Info { return b.info }

// Converter returns the bound converter.
func (b *Base) Converter() *converter.Converter { return b.converter }

// Config returns the decoded options.
func (b *Base) Config() *config.Options { return b.config }

// Logger returns the adapter logger.
func (b *Base) Logger() logging.Logger { return b.logger }

// Tools returns a copy of the configured tools.
func (b *Base) Tools() []core.Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Tool, len(b.tools))
	copy(out, b.tools)
	return out
}

// InFlight reports whether an invocation is running.
func (b *Base) InFlight() bool { return b.inFlight.Load() }

// ApplyTools configures target with tools and records them. Variants call it
// from their ConfigureTools. It fails while an invocation is in flight; an
// invocation that starts meanwhile waits until the new set is applied.
func (b *Base) ApplyTools(tools []core.Tool, target ToolConfigurer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight.Load() {
		err := core.NewConfigurationError(b.name, "cannot reconfigure tools during an invocation", core.ErrInFlight)
		b.logger.Error("agent.tools.configure_failed", "agent", b.name, "error", err.Error())
		return err
	}

	if err := target.ConfigureTools(tools); err != nil {
		b.tools = nil
		if core.KindOf(err) == "" {
			err = core.NewConfigurationError(b.name, "tool configuration rejected", err)
		}
		return err
	}

	b.tools = make([]core.Tool, len(tools))
	copy(b.tools, tools)

	b.logger.Info("agent.tools.configured", "agent", b.name, "count", len(tools))

	return nil
}

// ConfigureStructuredOutput records req. Variants with native structured
// output override it and call it first.
func (b *Base) ConfigureStructuredOutput(req core.OutputRequirement) error {
	b.mu.Lock()
	b.requirement = req
	b.mu.Unlock()
	return nil
}

// Requirement returns the last requirement passed to ConfigureStructuredOutput.
func (b *Base) Requirement() core.OutputRequirement {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.requirement
}

// SystemPrompt resolves and renders the base instruction for task.
func (b *Base) SystemPrompt(task *core.Task) (string, error) {
	text := defaultInstruction
	if !b.instruction.IsZero() {
		resolved, err := b.instruction.Resolve(task)
		if err != nil {
			return "", core.NewConfigurationError(b.name, "instruction provider failed", err)
		}
		text = resolved
	}
	out, err := util.RenderTemplate(text, b.templateData(task))
	if err != nil {
		return "", core.NewConfigurationError(b.name, "invalid instruction template", err)
	}
	return out, nil
}

func (b *Base) templateData(task *core.Task) map[string]any {
	data := map[string]any{
		"name":             b.name,
		"role":             b.config.Role,
		"goal":             b.config.Goal,
		"backstory":        b.config.Backstory,
		"allow_delegation": b.config.AllowDelegation,
	}
	if task != nil {
		data["task"] = map[string]any{
			"id":              task.ID,
			"description":     task.Description,
			"expected_output": task.ExpectedOutput,
			"context":         task.Context,
		}
	}
	return data
}

// NewExecutor returns a tool executor bound to this agent.
func (b *Base) NewExecutor(onCall func(ctx context.Context, outcome tool.CallOutcome)) *tool.Executor {
	return tool.NewExecutor(tool.ExecutorConfig{
		Agent:  b.name,
		Logger: b.logger,
		OnCall: onCall,
	})
}

// NewTurnLimiter returns a limiter sized by the max_iter option.
func (b *Base) NewTurnLimiter() *core.TurnLimiter {
	return core.NewTurnLimiter(b.config.MaxIterations)
}

// acquire takes the invocation slot, waiting for an in-flight invocation of
// the same instance to finish.
func (b *Base) acquire(ctx context.Context) (func(), error) {
	if b.info.Reentrant {
		return func() {}, nil
	}
	select {
	case b.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, core.NewExecutionError(b.name, "waiting for in-flight invocation", ctx.Err())
	}
	// inFlight flips under mu so it cannot change while ApplyTools runs.
	b.mu.Lock()
	b.inFlight.Store(true)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.inFlight.Store(false)
		b.mu.Unlock()
		<-b.slot
	}, nil
}
