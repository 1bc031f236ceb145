// Package telemetry records OpenTelemetry spans and metrics for agent
// executions. Providers default to the otel globals, so nothing is exported
// unless the host application installs an SDK.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentbridge/core"
)

// InstrumentationName names the tracer and meter.
const InstrumentationName = "github.com/hupe1980/agentbridge"

// Span, event and metric names.
const (
	SpanExecute = "agentbridge.execute"

	EventFormatError = "result.format_error"
	EventToolCall    = "tool.call"

	MetricInvocations     = "agentbridge.invocations"
	MetricExecutionErrors = "agentbridge.execution_errors"
	MetricFormatErrors    = "agentbridge.format_errors"
	MetricToolCalls       = "agentbridge.tool_calls"
)

// Attribute keys.
const (
	AttrAgent       = "agentbridge.agent"
	AttrRuntime     = "agentbridge.runtime"
	AttrTaskID      = "agentbridge.task.id"
	AttrOutputKind  = "agentbridge.output.kind"
	AttrRepaired    = "agentbridge.output.repaired"
	AttrReason      = "agentbridge.format.reason"
	AttrErrorKind   = "agentbridge.error.kind"
	AttrToolName    = "agentbridge.tool.name"
	AttrToolSuccess = "agentbridge.tool.success"
	AttrToolMillis  = "agentbridge.tool.duration_ms"
)

// Options configures an Instrumentation.
type Options struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Instrumentation owns the tracer and the counters.
// A nil *Instrumentation is valid and records nothing.
type Instrumentation struct {
	tracer trace.Tracer

	invocations     metric.Int64Counter
	executionErrors metric.Int64Counter
	formatErrors    metric.Int64Counter
	toolCalls       metric.Int64Counter
}

// New creates an Instrumentation from the configured (or global) providers.
func New(optFns ...func(o *Options)) (*Instrumentation, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}

	meter := opts.MeterProvider.Meter(InstrumentationName)

	invocations, err := meter.Int64Counter(
		MetricInvocations,
		metric.WithDescription("Agent invocations by agent and runtime"),
	)
	if err != nil {
		return nil, err
	}

	executionErrors, err := meter.Int64Counter(
		MetricExecutionErrors,
		metric.WithDescription("Failed agent invocations"),
	)
	if err != nil {
		return nil, err
	}

	formatErrors, err := meter.Int64Counter(
		MetricFormatErrors,
		metric.WithDescription("Results that failed parsing or schema validation, by reason"),
	)
	if err != nil {
		return nil, err
	}

	toolCalls, err := meter.Int64Counter(
		MetricToolCalls,
		metric.WithDescription("Tool calls issued by external runtimes"),
	)
	if err != nil {
		return nil, err
	}

	return &Instrumentation{
		tracer:          opts.TracerProvider.Tracer(InstrumentationName),
		invocations:     invocations,
		executionErrors: executionErrors,
		formatErrors:    formatErrors,
		toolCalls:       toolCalls,
	}, nil
}

// ExecuteAttrs describe one execution.
type ExecuteAttrs struct {
	Agent      string
	Runtime    string
	TaskID     string
	OutputKind string
}

func (a ExecuteAttrs) base() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrAgent, a.Agent),
		attribute.String(AttrRuntime, a.Runtime),
	}
}

// Execution tracks one in-flight execution. A nil *Execution is valid.
type Execution struct {
	inst  *Instrumentation
	span  trace.Span
	attrs ExecuteAttrs
}

// StartExecute opens the execute span and counts the invocation.
func (i *Instrumentation) StartExecute(ctx context.Context, attrs ExecuteAttrs) (context.Context, *Execution) {
	if i == nil {
		return ctx, nil
	}

	ctx, span := i.tracer.Start(ctx, SpanExecute,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs.base(),
			attribute.String(AttrTaskID, attrs.TaskID),
			attribute.String(AttrOutputKind, attrs.OutputKind),
		)...),
	)

	i.invocations.Add(ctx, 1, metric.WithAttributes(attrs.base()...))

	return ctx, &Execution{inst: i, span: span, attrs: attrs}
}

// ToolCall records a finished tool call.
func (e *Execution) ToolCall(ctx context.Context, name string, d time.Duration, err error) {
	if e == nil {
		return
	}
	attrs := append(e.attrs.base(),
		attribute.String(AttrToolName, name),
		attribute.Bool(AttrToolSuccess, err == nil),
	)
	e.inst.toolCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	e.span.AddEvent(EventToolCall, trace.WithAttributes(
		attribute.String(AttrToolName, name),
		attribute.Bool(AttrToolSuccess, err == nil),
		attribute.Int64(AttrToolMillis, d.Milliseconds()),
	))
}

// FormatError records a non-fatal result format error as a span event.
// The span status is left unset.
func (e *Execution) FormatError(ctx context.Context, err error) {
	if e == nil || err == nil {
		return
	}
	reason := string(core.FormatReasonOf(err))
	e.inst.formatErrors.Add(ctx, 1, metric.WithAttributes(append(e.attrs.base(),
		attribute.String(AttrReason, reason),
	)...))
	e.span.AddEvent(EventFormatError, trace.WithAttributes(
		attribute.String(AttrReason, reason),
		attribute.String("error.message", err.Error()),
	))
}

// End closes the span. A non-nil err marks the execution failed.
func (e *Execution) End(ctx context.Context, repaired bool, err error) {
	if e == nil {
		return
	}
	defer e.span.End()

	e.span.SetAttributes(attribute.Bool(AttrRepaired, repaired))
	if err == nil {
		e.span.SetStatus(codes.Ok, "")
		return
	}

	kind := string(core.KindOf(err))
	if kind == "" {
		kind = "UNKNOWN"
	}
	e.inst.executionErrors.Add(ctx, 1, metric.WithAttributes(append(e.attrs.base(),
		attribute.String(AttrErrorKind, kind),
	)...))
	e.span.RecordError(err)
	e.span.SetStatus(codes.Error, err.Error())
}
