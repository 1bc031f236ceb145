package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/internal/util"
	"github.com/hupe1980/agentbridge/schema"
)

// FunctionTool is the stock core.Tool implementation that exposes a plain Go
// function to external runtimes.
//
// Responsibilities:
//   - Holds an optional input schema
//   - Validates runtime supplied arguments against that schema before execution
//   - Declares its execution mode explicitly (blocking or async)
//   - Normalizes error handling so callers receive *ToolError with consistent codes:
//     VALIDATION_ERROR  -> schema / argument mismatch
//     EXECUTION_ERROR   -> underlying function returned an error (non-ToolError)
//     (custom codes preserved if the function returns *ToolError directly)
//
// Concurrency:
//
//	A FunctionTool has no mutable state after construction and is safe for
//	concurrent use by multiple adapters and goroutines.
type FunctionTool struct {
	name        string
	description string
	input       *schema.Schema
	invocation  core.Invocation
}

// NewFunctionTool wraps a blocking function.
//
// Example:
//
//	params, _ := schema.Parse("sum_args", []byte(`{
//	  "type": "object",
//	  "properties": {"a": {"type": "number"}, "b": {"type": "number"}},
//	  "required": ["a", "b"]
//	}`))
//
//	sumTool := tool.NewFunctionTool("calculate_sum", "Calculate the sum of two numbers", params,
//	  func(_ context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(name, description string, input *schema.Schema, fn core.BlockingFunc) *FunctionTool {
	t := &FunctionTool{name: name, description: description, input: input}
	t.invocation = core.Blocking(func(ctx context.Context, args map[string]any) (any, error) {
		if err := t.validate(args); err != nil {
			return nil, err
		}
		result, err := fn(ctx, args)
		if err != nil {
			return nil, t.wrap(err)
		}
		return result, nil
	})
	return t
}

// NewAsyncFunctionTool wraps an asynchronous function. fn must deliver
// exactly one result on the returned channel.
func NewAsyncFunctionTool(name, description string, input *schema.Schema, fn core.AsyncFunc) *FunctionTool {
	t := &FunctionTool{name: name, description: description, input: input}
	t.invocation = core.Async(func(ctx context.Context, args map[string]any) <-chan core.CallResult {
		out := make(chan core.CallResult, 1)
		if err := t.validate(args); err != nil {
			out <- core.CallResult{Err: err}
			close(out)
			return out
		}
		inner := fn(ctx, args)
		go func() {
			defer close(out)
			select {
			case res, ok := <-inner:
				if !ok {
					out <- core.CallResult{Err: t.wrap(errors.New("result channel closed without a result"))}
					return
				}
				if res.Err != nil {
					res.Err = t.wrap(res.Err)
				}
				out <- res
			case <-ctx.Done():
				out <- core.CallResult{Err: ctx.Err()}
			}
		}()
		return out
	})
	return t
}

// NewFunctionToolFor derives the input schema from T and decodes arguments
// into a T before calling fn.
//
// Example:
//
//	type SumArgs struct {
//	  A float64 `json:"a"`
//	  B float64 `json:"b"`
//	}
//
//	sumTool, err := tool.NewFunctionToolFor("calculate_sum", "Calculate the sum of two numbers",
//	  func(_ context.Context, in SumArgs) (any, error) { return in.A + in.B, nil },
//	)
func NewFunctionToolFor[T any](name, description string, fn func(ctx context.Context, in T) (any, error)) (*FunctionTool, error) {
	input, err := schema.For[T](name + "_args")
	if err != nil {
		return nil, err
	}
	return NewFunctionTool(name, description, input, func(ctx context.Context, args map[string]any) (any, error) {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		var in T
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, &ToolError{Tool: name, Message: err.Error(), Code: CodeValidation}
		}
		return fn(ctx, in)
	}), nil
}

// Name returns the tool name.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to runtimes.
func (t *FunctionTool) Description() string { return t.description }

// InputSchema returns the argument schema, or nil.
func (t *FunctionTool) InputSchema() *schema.Schema { return t.input }

// Invocation returns the tool's invocation capability.
func (t *FunctionTool) Invocation() core.Invocation { return t.invocation }

func (t *FunctionTool) validate(args map[string]any) error {
	if t.input == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// Normalize Go values (ints, structs) to their JSON shape before validating.
	data, err := json.Marshal(args)
	if err != nil {
		return &ToolError{Tool: t.name, Message: fmt.Sprintf("arguments are not JSON encodable: %v", err), Code: CodeValidation}
	}
	generic, err := util.DecodeJSON(data)
	if err != nil {
		return &ToolError{Tool: t.name, Message: err.Error(), Code: CodeValidation}
	}
	if err := t.input.Validate(generic); err != nil {
		return &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
		}
	}
	return nil
}

func (t *FunctionTool) wrap(err error) error {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ToolError{Tool: t.name, Message: err.Error(), Code: CodeExecution}
}

var _ core.Tool = (*FunctionTool)(nil)
