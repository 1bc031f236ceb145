package agent

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/internal/util"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/telemetry"
	"github.com/hupe1980/agentbridge/tool"
)

// ExecuteOptions configures Execute.
type ExecuteOptions struct {
	// Input overrides the user turn derived from the task.
	Input     string
	Logger    logging.Logger
	Telemetry *telemetry.Instrumentation
}

// Output is the result of one task execution.
type Output struct {
	// Raw is the runtime's unmodified result.
	Raw string
	// Text is the canonical result, or Raw when no structure was required
	// or the result could not be parsed or validated.
	Text string
	// Value is the parsed structured value, if any.
	Value any
	// Repaired reports that the payload was recovered from surrounding text.
	Repaired bool
	// FormatErr is the non-fatal ResultFormatError, if any.
	FormatErr error
}

const taskTemplate = `{{.description}}{{if .expected_output}}

Expected output: {{.expected_output}}{{end}}{{if .context}}

Context:
{{.context}}{{end}}`

// TaskPrompt renders the user turn for task.
func TaskPrompt(task *core.Task) string {
	if task == nil {
		return ""
	}
	out, err := util.RenderTemplate(taskTemplate, map[string]any{
		"description":     task.Description,
		"expected_output": task.ExpectedOutput,
		"context":         task.Context,
	})
	if err != nil {
		return task.Description
	}
	return out
}

// Execute runs task on a:
//
//  1. wait for the adapter's invocation slot
//  2. derive the output requirement and hand it to the runtime
//  3. resolve the instruction and append the output format block
//  4. invoke the runtime
//  5. post-process the raw result
//
// Runtime failures are returned as AgentExecutionErrors and never retried. A
// result that fails parsing or validation is not an error: Output.Text then
// holds the raw text and Output.FormatErr the reason. When ctx is cancelled
// no post-processing happens.
func Execute(ctx context.Context, a Adapter, task *core.Task, optFns ...func(o *ExecuteOptions)) (*Output, error) {
	opts := ExecuteOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if a == nil {
		return nil, core.NewConfigurationError("", "nil adapter", nil)
	}
	if opts.Logger == nil {
		if l, ok := a.(interface{ Logger() logging.Logger }); ok {
			opts.Logger = l.Logger()
		} else {
			opts.Logger = logging.NoOpLogger{}
		}
	}
	if task == nil {
		return nil, core.NewExecutionError(a.Name(), "nil task", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, core.NewExecutionError(a.Name(), "task cancelled", err)
	}

	if s, ok := a.(interface {
		acquire(ctx context.Context) (func(), error)
	}); ok {
		release, err := s.acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	info := a.Info()
	conv := a.Converter()
	req := conv.ConfigureStructuredOutput(task)

	ctx, span := opts.Telemetry.StartExecute(ctx, telemetry.ExecuteAttrs{
		Agent:      a.Name(),
		Runtime:    info.Runtime,
		TaskID:     task.ID,
		OutputKind: req.Kind().String(),
	})

	fail := func(err error) (*Output, error) {
		opts.Logger.Error("agent.execute.error", "agent", a.Name(), "task", task.ID, "error", err.Error())
		span.End(ctx, false, err)
		return nil, err
	}

	if err := a.ConfigureStructuredOutput(req); err != nil {
		if core.KindOf(err) == "" {
			err = core.NewConfigurationError(a.Name(), "structured output rejected", err)
		}
		return fail(err)
	}

	base, err := a.SystemPrompt(task)
	if err != nil {
		return fail(err)
	}

	input := opts.Input
	if input == "" {
		input = TaskPrompt(task)
	}

	start := time.Now()
	opts.Logger.Debug("agent.invoke.start", "agent", a.Name(), "runtime", info.Runtime, "task", task.ID, "output", req.Kind().String())

	raw, err := a.Invoke(ctx, Request{
		Task:         task,
		SystemPrompt: conv.EnhanceSystemPrompt(base),
		Input:        input,
		OnToolCall: func(ctx context.Context, outcome tool.CallOutcome) {
			span.ToolCall(ctx, outcome.Call.Name, outcome.Duration, outcome.Err)
		},
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = core.NewExecutionError(a.Name(), "task cancelled", errors.Join(cerr, err))
		} else if core.KindOf(err) == "" {
			err = core.NewExecutionError(a.Name(), "runtime invocation failed", err)
		}
		return fail(err)
	}
	if cerr := ctx.Err(); cerr != nil {
		return fail(core.NewExecutionError(a.Name(), "task cancelled", cerr))
	}

	res := conv.PostProcess(raw)
	if res.Err != nil {
		span.FormatError(ctx, res.Err)
	}

	opts.Logger.Info(
		"agent.invoke.complete",
		"agent", a.Name(),
		"task", task.ID,
		"duration_ms", time.Since(start).Milliseconds(),
		"repaired", res.Repaired,
		"format_error", res.Err != nil,
	)
	span.End(ctx, res.Repaired, nil)

	return &Output{
		Raw:       raw,
		Text:      res.Text,
		Value:     res.Value,
		Repaired:  res.Repaired,
		FormatErr: res.Err,
	}, nil
}
