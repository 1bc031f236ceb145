// Package converter enforces a task's structured output requirement on the
// textual result of an external agent runtime.
//
// A Converter is bound one-to-one to an agent adapter. For every task the
// caller must:
//
//  1. ConfigureStructuredOutput(task) to derive the requirement
//  2. EnhanceSystemPrompt(base) to tell the runtime what to produce
//  3. PostProcess(raw) once the runtime has produced a result
//
// PostProcess is total: it always yields a string. When the result cannot be
// parsed or validated the raw text is returned unchanged together with a
// ResultFormatError so the orchestrator can decide whether to retry.
package converter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/internal/util"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/schema"
)

// Options configures a Converter.
type Options struct {
	// Repair enables lenient parsing: stripping one surrounding markdown code
	// fence and extracting the first embedded JSON value from prose that
	// satisfies the schema.
	// Validation failures are never repaired. Defaults to true.
	Repair bool
	// Agent names the owning agent in diagnostics.
	Agent  string
	Logger logging.Logger
}

// WithRepair toggles lenient parsing.
func WithRepair(enabled bool) func(o *Options) {
	return func(o *Options) { o.Repair = enabled }
}

// WithLogger sets the diagnostics logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithAgent sets the owning agent name.
func WithAgent(name string) func(o *Options) {
	return func(o *Options) { o.Agent = name }
}

// Converter holds the per-agent output requirement. The zero requirement
// (core.OutputNone) is the explicit initial state.
//
// Concurrency:
//
//	All methods are safe for concurrent use, but the requirement is a single
//	per-instance value: configuring it for one task while another task of the
//	same instance is post-processing is a caller error.
type Converter struct {
	opts Options

	mu          sync.RWMutex
	requirement core.OutputRequirement
	configured  bool
}

// New creates a Converter in the None state.
func New(optFns ...func(o *Options)) *Converter {
	opts := Options{
		Repair: true,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Converter{opts: opts, requirement: core.NoOutput()}
}

// ConfigureStructuredOutput derives the requirement of task and makes it
// current. A typed declaration takes precedence over a JSON schema; a nil
// task or a task without declarations selects None.
func (c *Converter) ConfigureStructuredOutput(task *core.Task) core.OutputRequirement {
	req := core.RequirementFor(task)
	c.Configure(req)
	return req
}

// Configure makes req current.
func (c *Converter) Configure(req core.OutputRequirement) {
	c.mu.Lock()
	c.requirement = req
	c.configured = true
	c.mu.Unlock()

	c.opts.Logger.Debug("converter.configured", "agent", c.opts.Agent, "kind", req.Kind().String())
}

// Requirement returns the current requirement.
func (c *Converter) Requirement() core.OutputRequirement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requirement
}

// Configured reports whether a requirement has been set since construction
// or the last Reset.
func (c *Converter) Configured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configured
}

// Reset returns the converter to its initial None state.
func (c *Converter) Reset() {
	c.mu.Lock()
	c.requirement = core.NoOutput()
	c.configured = false
	c.mu.Unlock()
}

const outputDirective = "Your response must contain only the JSON payload. " +
	"Do not add explanations, commentary or markdown code fences before or after it."

// EnhanceSystemPrompt appends the output instructions for the current
// requirement to base. It is the identity for None and otherwise a pure
// function of base and the requirement.
func (c *Converter) EnhanceSystemPrompt(base string) string {
	req := c.Requirement()
	if !req.Structured() {
		return base
	}
	s := req.Schema()

	var b strings.Builder
	if base != "" {
		b.WriteString(strings.TrimRight(base, "\n"))
		b.WriteString("\n\n")
	}
	b.WriteString("## Output format\n\n")
	fmt.Fprintf(&b, "Respond with a single JSON value that conforms to the JSON schema %q below.\n\n", s.Name())
	b.WriteString("```json\n")
	b.WriteString(s.Render())
	b.WriteString("\n```\n\n")
	b.WriteString(outputDirective)

	return b.String()
}

// Result is the outcome of post-processing one raw result.
type Result struct {
	// Text is the canonical payload, or the raw text when Err is set or no
	// structure was required.
	Text string
	// Value is the parsed value: a generic JSON value for JSON schemas or
	// the bound Go value for typed schemas. Nil on failure and for None.
	Value any
	// Repaired reports that the payload was recovered from surrounding text.
	Repaired bool
	// Err is a ResultFormatError, or nil.
	Err error
}

// PostProcess parses, validates and canonicalizes raw according to the
// current requirement.
func (c *Converter) PostProcess(raw string) Result {
	req := c.Requirement()
	if !req.Structured() {
		return Result{Text: raw}
	}
	s := req.Schema()

	data, generic, repaired, reason, err := c.decode(raw, s)
	if err != nil {
		if reason == core.ReasonValidation {
			return c.fail(raw, reason, "result does not match schema", err)
		}
		return c.fail(raw, reason, "result is not valid JSON", err)
	}

	if req.Kind() == core.OutputJSONSchema {
		text, err := util.CanonicalBytes(data)
		if err != nil {
			return c.fail(raw, core.ReasonParse, "result could not be canonicalized", err)
		}
		return Result{Text: text, Value: generic, Repaired: repaired}
	}

	value, err := s.Bind(data)
	if err != nil {
		return c.fail(raw, core.ReasonValidation, "result does not satisfy "+s.String(), err)
	}
	text, err := util.Canonical(value)
	if err != nil {
		return c.fail(raw, core.ReasonValidation, "validated value could not be serialized", err)
	}
	return Result{Text: text, Value: value, Repaired: repaired}
}

// PostProcessResult is PostProcess reduced to the canonical string and the
// format error, if any. The string is never empty unless raw was.
func (c *Converter) PostProcessResult(raw string) (string, error) {
	r := c.PostProcess(raw)
	return r.Text, r.Err
}

// decode locates the JSON value in raw that satisfies s. If raw (or its
// fenced body, when repairing) is a JSON value, that value is the result.
// Otherwise the embedded objects and arrays are tried in order and the first
// one that decodes and validates wins. Failing that, the first decoded
// candidate's validation error is reported, or the parse error if none
// decoded.
func (c *Converter) decode(raw string, s *schema.Schema) ([]byte, any, bool, core.FormatReason, error) {
	trimmed := strings.TrimSpace(raw)
	v, err := util.DecodeJSON([]byte(trimmed))
	if err == nil {
		return checked([]byte(trimmed), v, false, s)
	}
	if !c.opts.Repair {
		return nil, nil, false, core.ReasonParse, err
	}

	body := util.StripCodeFence(trimmed)
	if body != trimmed {
		if v, perr := util.DecodeJSON([]byte(body)); perr == nil {
			return checked([]byte(body), v, true, s)
		}
	}

	var verr error
	for _, span := range util.JSONCandidates(body) {
		v, perr := util.DecodeJSON([]byte(span))
		if perr != nil {
			continue
		}
		if err := s.Validate(v); err != nil {
			if verr == nil {
				verr = err
			}
			continue
		}
		return []byte(span), v, true, "", nil
	}
	if verr != nil {
		return nil, nil, false, core.ReasonValidation, verr
	}
	return nil, nil, false, core.ReasonParse, err
}

func checked(data []byte, v any, repaired bool, s *schema.Schema) ([]byte, any, bool, core.FormatReason, error) {
	if err := s.Validate(v); err != nil {
		return nil, nil, false, core.ReasonValidation, err
	}
	return data, v, repaired, "", nil
}

func (c *Converter) fail(raw string, reason core.FormatReason, msg string, cause error) Result {
	err := core.NewResultFormatError(reason, msg, cause).WithAgent(c.opts.Agent)
	c.opts.Logger.Warn(
		"converter.result.format_error",
		"agent", c.opts.Agent,
		"reason", string(reason),
		"error", err.Error(),
	)
	return Result{Text: raw, Err: err}
}
