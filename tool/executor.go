package tool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hupe1980/agentbridge/internal/util"
	"github.com/hupe1980/agentbridge/logging"
)

// Call is a tool call requested by a runtime, addressed by sanitized name.
type Call struct {
	ID        string
	Name      string
	Arguments string // JSON object
}

// CallOutcome is the result of one Call.
type CallOutcome struct {
	Call     Call
	Tool     string // orchestrator name, empty when the call was unknown
	Value    any
	Err      error
	Duration time.Duration
}

// Content renders the outcome as the text handed back to the runtime.
func (o CallOutcome) Content() string {
	if o.Err != nil {
		return "error: " + o.Err.Error()
	}
	switch v := o.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}
	if s, err := util.Canonical(o.Value); err == nil {
		return s
	}
	return fmt.Sprintf("%v", o.Value)
}

// Resolver maps sanitized names to bindings. *Adapter satisfies it.
type Resolver interface {
	Lookup(name string) (Binding, bool)
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	MaxParallel int           // 0 or <1 => no explicit limit (len(calls))
	Timeout     time.Duration // per call; 0 disables
	Agent       string
	Logger      logging.Logger
	// OnCall observes every finished call (metrics, tracing).
	OnCall func(ctx context.Context, outcome CallOutcome)
}

// Executor runs batches of tool calls through the asynchronous surface of
// their bindings. Implementations:
//   - Respect ctx cancellation
//   - Never panic (recover internally and report errors)
//   - Produce exactly one outcome per incoming call, in call order
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor constructs an executor with the given config.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	return &Executor{cfg: cfg}
}

// Execute runs calls, possibly in parallel, and returns outcomes in call order.
func (e *Executor) Execute(ctx context.Context, resolver Resolver, calls []Call) []CallOutcome {
	n := len(calls)
	if n == 0 {
		return nil
	}

	outcomes := make([]CallOutcome, n)

	// Fast path: single call, execute inline.
	if n == 1 {
		outcomes[0] = e.executeSingle(ctx, resolver, calls[0])
		return outcomes
	}

	maxPar := e.cfg.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxPar)

	batchStart := time.Now()
	for i := range calls {
		if err := ctx.Err(); err != nil { // pre-check cancellation
			outcomes[i] = CallOutcome{Call: calls[i], Err: err}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, c Call) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[idx] = e.executeSingle(ctx, resolver, c)
		}(i, calls[i])
	}

	wg.Wait()

	e.cfg.Logger.Debug(
		"tool.batch.complete",
		"agent", e.cfg.Agent,
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return outcomes
}

func (e *Executor) executeSingle(ctx context.Context, resolver Resolver, c Call) (out CallOutcome) {
	out.Call = c
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out.Err = panicError(r)
			e.cfg.Logger.Error("tool.call.panic", "agent", e.cfg.Agent, "tool", c.Name, "recover", r)
		}
		out.Duration = time.Since(start)
		e.cfg.Logger.Info(
			"tool.call.executed",
			"agent", e.cfg.Agent,
			"tool", c.Name,
			"call_id", c.ID,
			"duration_ms", out.Duration.Milliseconds(),
			"error", out.Err != nil,
		)
		if e.cfg.OnCall != nil {
			e.cfg.OnCall(ctx, out)
		}
	}()

	b, ok := resolver.Lookup(c.Name)
	if !ok {
		out.Err = NewToolError(c.Name, fmt.Sprintf("tool %s not found", c.Name), CodeNotFound)
		return out
	}
	out.Tool = b.Original()

	callCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	select {
	case res := <-b.CallJSON(callCtx, c.Arguments):
		out.Value, out.Err = res.Value, res.Err
	case <-callCtx.Done():
		out.Err = callCtx.Err()
	}

	return out
}

// panicError converts a recovered panic value to an error without pulling external dependencies.
func panicError(r any) error { return &panicErr{val: r, stack: debug.Stack()} }

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }

var _ Resolver = (*Adapter[struct{}])(nil)
