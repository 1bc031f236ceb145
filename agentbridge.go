// Package agentbridge provides a high-level façade over the agent, tool and
// converter adapters, letting an orchestrator drive heterogeneous agent
// runtimes through one contract. Most applications interact with this
// package by:
//  1. Creating a Bridge via New() (optionally overriding logger and telemetry)
//  2. Building adapters for a runtime (Build), which decodes the options
//     mapping and configures the orchestrator's tools
//  3. Executing tasks on those adapters (Execute)
//
// Built-in runtimes: openai, anthropic, gemini, cli and mock. Additional
// runtimes are added with Register.
package agentbridge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentbridge/adapters/anthropic"
	"github.com/hupe1980/agentbridge/adapters/cli"
	"github.com/hupe1980/agentbridge/adapters/gemini"
	"github.com/hupe1980/agentbridge/adapters/mock"
	"github.com/hupe1980/agentbridge/adapters/openai"
	"github.com/hupe1980/agentbridge/agent"
	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/telemetry"
)

// Options configures the Bridge.
type Options struct {
	// Logger is handed to adapters that do not enable verbose logging
	// themselves. Defaults to a NoOp logger.
	Logger logging.Logger

	// Telemetry records spans and counters for Execute. Defaults to the
	// global OpenTelemetry providers.
	Telemetry *telemetry.Instrumentation
}

// Bridge is the façade aggregating the runtime registry and the execution
// pipeline.
type Bridge struct {
	opts Options

	mu        sync.RWMutex
	factories map[string]agent.Factory
}

// New creates a Bridge with the built-in runtimes registered.
func New(optFns ...func(o *Options)) (*Bridge, error) {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	if opts.Telemetry == nil {
		inst, err := telemetry.New()
		if err != nil {
			return nil, err
		}
		opts.Telemetry = inst
	}

	b := &Bridge{opts: opts, factories: map[string]agent.Factory{}}
	b.Register(openai.Runtime, openai.Factory)
	b.Register(anthropic.Runtime, anthropic.Factory)
	b.Register(gemini.Runtime, gemini.Factory)
	b.Register(cli.Runtime, cli.Factory)
	b.Register(mock.Runtime, mock.Factory)

	return b, nil
}

// Register adds or replaces the factory for runtime.
func (b *Bridge) Register(runtime string, factory agent.Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[runtime] = factory
}

// Runtimes lists the registered runtime names in sorted order.
func (b *Bridge) Runtimes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.factories))
	for name := range b.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs an adapter for runtime from the options mapping and
// configures tools on it. Unknown option keys are ignored.
func (b *Bridge) Build(ctx context.Context, runtime, name string, options map[string]any, tools []core.Tool) (agent.Adapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewConfigurationError(name, "build cancelled", err)
	}

	b.mu.RLock()
	factory, ok := b.factories[runtime]
	b.mu.RUnlock()
	if !ok {
		return nil, core.NewConfigurationError(name, fmt.Sprintf("unknown runtime %q", runtime), nil)
	}

	cfg, err := config.FromMap(options)
	if err != nil {
		return nil, core.NewConfigurationError(name, "invalid options", err)
	}

	var logger logging.Logger
	if !cfg.Verbose {
		logger = b.opts.Logger
	}

	a, err := factory(name, cfg, logger)
	if err != nil {
		if core.KindOf(err) == "" {
			err = core.NewConfigurationError(name, "runtime construction failed", err)
		}
		return nil, err
	}

	if err := a.ConfigureTools(tools); err != nil {
		return nil, err
	}

	b.opts.Logger.Info("agentbridge.adapter.built", "agent", name, "runtime", runtime, "tools", len(tools))

	return a, nil
}

// Execute runs task on a through the full pipeline. See agent.Execute.
func (b *Bridge) Execute(ctx context.Context, a agent.Adapter, task *core.Task) (*agent.Output, error) {
	return agent.Execute(ctx, a, task, func(o *agent.ExecuteOptions) {
		o.Telemetry = b.opts.Telemetry
	})
}

// ExecuteResult runs task and returns only the canonical result string. A
// result format failure is reported alongside the raw text.
func (b *Bridge) ExecuteResult(ctx context.Context, a agent.Adapter, task *core.Task) (string, error) {
	out, err := b.Execute(ctx, a, task)
	if err != nil {
		return "", err
	}
	return out.Text, out.FormatErr
}
