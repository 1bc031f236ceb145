package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/agentbridge/schema"
)

// Tool describes an invocable capability owned by the orchestrator.
//
// Tools are read-only to adapters: several adapters may convert the same Tool
// concurrently, so implementations must not mutate themselves after
// construction.
type Tool interface {
	// Name returns the tool name, unique within one agent.
	Name() string

	// Description returns the human-readable description shown to runtimes.
	Description() string

	// InputSchema describes accepted arguments. Nil means "no arguments".
	InputSchema() *schema.Schema

	// Invocation returns the capability used to run the tool.
	Invocation() Invocation
}

// Mode declares how an Invocation executes.
type Mode int

const (
	// ModeBlocking runs the capability on the caller's goroutine.
	ModeBlocking Mode = iota
	// ModeAsync returns immediately and delivers the result on a channel.
	ModeAsync
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeBlocking:
		return "blocking"
	case ModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// CallResult is the outcome of one tool invocation.
type CallResult struct {
	Value any
	Err   error
}

// BlockingFunc is a synchronous tool capability.
type BlockingFunc func(ctx context.Context, args map[string]any) (any, error)

// AsyncFunc is an asynchronous tool capability. It must deliver exactly one
// CallResult on the returned channel.
type AsyncFunc func(ctx context.Context, args map[string]any) <-chan CallResult

// ErrNoInvocation is returned when an Invocation carries no capability.
var ErrNoInvocation = errors.New("tool has no invocation capability")

// Invocation is an explicit invocation capability with a declared Mode. It
// exposes both a synchronous (Call) and an asynchronous (CallAsync) surface
// over a single underlying capability; each call through either surface runs
// the capability exactly once.
type Invocation struct {
	mode     Mode
	blocking BlockingFunc
	async    AsyncFunc
}

// Blocking wraps a synchronous capability.
func Blocking(fn BlockingFunc) Invocation {
	return Invocation{mode: ModeBlocking, blocking: fn}
}

// Async wraps an asynchronous capability.
func Async(fn AsyncFunc) Invocation {
	return Invocation{mode: ModeAsync, async: fn}
}

// Mode returns the declared execution mode.
func (i Invocation) Mode() Mode { return i.mode }

// Valid reports whether the invocation carries a capability.
func (i Invocation) Valid() bool {
	if i.mode == ModeAsync {
		return i.async != nil
	}
	return i.blocking != nil
}

// Call runs the capability and waits for its result. For asynchronous
// capabilities the wait is abandoned when ctx is done.
func (i Invocation) Call(ctx context.Context, args map[string]any) (any, error) {
	if !i.Valid() {
		return nil, ErrNoInvocation
	}
	if i.mode == ModeBlocking {
		return i.runBlocking(ctx, args)
	}
	ch := i.async(ctx, args)
	if ch == nil {
		return nil, errors.New("async tool returned nil result channel")
	}
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, errors.New("async tool closed result channel without a result")
		}
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallAsync starts the capability and returns a channel that receives
// exactly one result. Blocking capabilities run on a new goroutine; the
// channel is buffered so that goroutine never blocks on delivery, even when
// the caller stops listening.
func (i Invocation) CallAsync(ctx context.Context, args map[string]any) <-chan CallResult {
	out := make(chan CallResult, 1)
	if !i.Valid() {
		out <- CallResult{Err: ErrNoInvocation}
		close(out)
		return out
	}
	go func() {
		defer close(out)
		v, err := i.Call(ctx, args)
		out <- CallResult{Value: v, Err: err}
	}()
	return out
}

func (i Invocation) runBlocking(ctx context.Context, args map[string]any) (v any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return i.blocking(ctx, args)
}
