package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
)

// Binding ties a sanitized runtime name to the orchestrator tool it came
// from. Runtimes call tools by the sanitized name; Lookup maps it back.
type Binding struct {
	Name string
	Tool core.Tool
}

// Original returns the orchestrator's name for the tool.
func (b Binding) Original() string { return b.Tool.Name() }

// Mode returns the execution mode declared by the tool.
func (b Binding) Mode() core.Mode { return b.Tool.Invocation().Mode() }

// Call invokes the tool through its synchronous surface.
func (b Binding) Call(ctx context.Context, args map[string]any) (any, error) {
	return b.Tool.Invocation().Call(ctx, args)
}

// CallAsync invokes the tool through its asynchronous surface.
func (b Binding) CallAsync(ctx context.Context, args map[string]any) <-chan core.CallResult {
	return b.Tool.Invocation().CallAsync(ctx, args)
}

// CallJSON decodes a JSON argument object and invokes the tool
// asynchronously. Decoding failures are delivered on the channel.
func (b Binding) CallJSON(ctx context.Context, arguments string) <-chan core.CallResult {
	args, err := DecodeArguments(arguments)
	if err != nil {
		out := make(chan core.CallResult, 1)
		out <- core.CallResult{Err: &ToolError{Tool: b.Original(), Message: err.Error(), Code: CodeValidation}}
		close(out)
		return out
	}
	return b.CallAsync(ctx, args)
}

// DecodeArguments decodes a runtime supplied argument object. Empty input
// yields an empty map.
func DecodeArguments(arguments string) (map[string]any, error) {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal args: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// Converter turns one binding into the runtime's native tool type.
type Converter[T any] func(b Binding) (T, error)

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	// Names is the runtime's naming policy.
	Names NamePolicy
	// Collisions decides how duplicate sanitized names are handled.
	Collisions CollisionPolicy
	// Agent names the owning agent in errors and logs.
	Agent  string
	Logger logging.Logger
}

// Adapter is the generic ToolAdapter implementation shared by all runtime
// variants. It owns the converted collection exclusively.
//
// Concurrency:
//
//	ConfigureTools, Tools and Lookup may be called concurrently; readers see
//	either the old or the new configuration, never a mix.
type Adapter[T any] struct {
	opts    AdapterOptions
	convert Converter[T]

	mu        sync.RWMutex
	bindings  []Binding
	byName    map[string]Binding
	converted []T
}

// NewAdapter creates an Adapter that converts bindings with convert.
func NewAdapter[T any](convert Converter[T], optFns ...func(o *AdapterOptions)) *Adapter[T] {
	opts := AdapterOptions{
		Names:      DefaultNames,
		Collisions: CollisionSuffix,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Adapter[T]{opts: opts, convert: convert, byName: map[string]Binding{}}
}

// ConfigureTools resets the converted collection and converts tools. On
// error the adapter is left with zero tools and the error is an
// AdapterConfigurationError.
func (a *Adapter[T]) ConfigureTools(tools []core.Tool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.bindings = nil
	a.byName = map[string]Binding{}
	a.converted = nil

	if len(tools) == 0 {
		a.opts.Logger.Debug("tool.adapter.configured", "agent", a.opts.Agent, "count", 0)
		return nil
	}

	for i, t := range tools {
		if t == nil {
			return a.fail(core.NewConfigurationError(a.opts.Agent, fmt.Sprintf("tool at index %d is nil", i), nil))
		}
		if !t.Invocation().Valid() {
			return a.fail(core.NewConfigurationError(a.opts.Agent, "tool has no invocation capability", core.ErrNoInvocation).WithTool(t.Name()))
		}
	}

	names, err := AssignNames(tools, a.opts.Names, a.opts.Collisions)
	if err != nil {
		if cerr, ok := err.(*core.Error); ok {
			cerr.Agent = a.opts.Agent
		}
		return a.fail(err)
	}

	bindings := make([]Binding, len(tools))
	converted := make([]T, len(tools))
	byName := make(map[string]Binding, len(tools))
	for i, t := range tools {
		b := Binding{Name: names[i], Tool: t}
		c, err := a.convert(b)
		if err != nil {
			return a.fail(core.NewConfigurationError(a.opts.Agent, "tool conversion rejected", err).WithTool(t.Name()))
		}
		if names[i] != t.Name() {
			a.opts.Logger.Debug("tool.adapter.renamed", "agent", a.opts.Agent, "tool", t.Name(), "name", names[i])
		}
		bindings[i] = b
		converted[i] = c
		byName[b.Name] = b
	}

	a.bindings = bindings
	a.byName = byName
	a.converted = converted

	a.opts.Logger.Debug("tool.adapter.configured", "agent", a.opts.Agent, "count", len(converted))

	return nil
}

func (a *Adapter[T]) fail(err error) error {
	a.opts.Logger.Error("tool.adapter.configure_failed", "agent", a.opts.Agent, "error", err.Error())
	return err
}

// Tools returns a copy of the converted tools in input order.
func (a *Adapter[T]) Tools() []T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]T, len(a.converted))
	copy(out, a.converted)
	return out
}

// Bindings returns a copy of the bindings in input order.
func (a *Adapter[T]) Bindings() []Binding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Binding, len(a.bindings))
	copy(out, a.bindings)
	return out
}

// Lookup finds the binding for a sanitized runtime name.
func (a *Adapter[T]) Lookup(name string) (Binding, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.byName[name]
	return b, ok
}

// Len returns the number of configured tools.
func (a *Adapter[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.converted)
}

// Names returns the naming policy in use.
func (a *Adapter[T]) Names() NamePolicy { return a.opts.Names }

var _ ToolAdapter[struct{}] = (*Adapter[struct{}])(nil)
