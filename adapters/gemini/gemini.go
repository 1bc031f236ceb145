// Package gemini provides an agent.Adapter backed by the Google Gemini API.
// Tools are exposed as function declarations and executed in a bounded tool
// loop. Structured output requirements are forwarded as a JSON response
// schema when no tools are configured, since the API does not combine
// controlled generation with function calling.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/hupe1980/agentbridge/agent"
	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/tool"
)

// Runtime is the registry name of this variant.
const Runtime = "gemini"

// Options configure the Gemini adapter. They are decoded from the
// agent_config option.
type Options struct {
	Model       string  `koanf:"model"`
	Temperature float64 `koanf:"temperature"`
	// APIKey defaults to GOOGLE_API_KEY or GEMINI_API_KEY.
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`

	// Client replaces the client built from BaseURL and APIKey.
	Client *genai.Client `koanf:"-"`
}

// Adapter wraps the GenerateContent API. It is not reentrant.
type Adapter struct {
	*agent.Base
	client *genai.Client
	opts   Options
	tools  *tool.Adapter[*genai.FunctionDeclaration]

	responseSchema *genai.Schema
}

// New creates a Gemini adapter. cfg may be nil.
func New(ctx context.Context, name string, cfg *config.Options, logger logging.Logger, optFns ...func(o *Options)) (*Adapter, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.FromMap(nil); err != nil {
			return nil, err
		}
	}

	opts := Options{
		Model:       "gemini-2.0-flash",
		Temperature: 0.7,
	}
	if err := config.Decode(cfg.AgentConfig, &opts); err != nil {
		return nil, core.NewConfigurationError(name, "invalid agent_config", err)
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	base := agent.NewBase(name, func(o *agent.BaseOptions) {
		o.Info = agent.Info{Runtime: Runtime, NativeTools: true, NativeStructuredOutput: true}
		o.Config = cfg
		o.Logger = logger
	})

	client := opts.Client
	if client == nil {
		cc := &genai.ClientConfig{
			APIKey:  opts.APIKey,
			Backend: genai.BackendGeminiAPI,
		}
		if opts.BaseURL != "" {
			cc.HTTPOptions.BaseURL = opts.BaseURL
		}
		c, err := genai.NewClient(ctx, cc)
		if err != nil {
			return nil, core.NewConfigurationError(name, "gemini client", err)
		}
		client = c
	}

	return &Adapter{
		Base:   base,
		client: client,
		opts:   opts,
		tools: tool.NewAdapter(convertTool, func(o *tool.AdapterOptions) {
			o.Names = tool.GeminiNames
			o.Agent = name
			o.Logger = base.Logger()
		}),
	}, nil
}

// Factory constructs the variant for the runtime registry.
func Factory(name string, cfg *config.Options, logger logging.Logger) (agent.Adapter, error) {
	return New(context.Background(), name, cfg, logger)
}

// ConfigureTools converts tools into function declarations.
func (a *Adapter) ConfigureTools(tools []core.Tool) error {
	return a.ApplyTools(tools, a.tools)
}

// FunctionDeclarations returns the converted tool definitions.
func (a *Adapter) FunctionDeclarations() []*genai.FunctionDeclaration { return a.tools.Tools() }

func convertTool(b tool.Binding) (*genai.FunctionDeclaration, error) {
	if c := b.Name[0]; c >= '0' && c <= '9' {
		return nil, fmt.Errorf("function name %q must not start with a digit", b.Name)
	}

	fd := &genai.FunctionDeclaration{
		Name:        b.Name,
		Description: b.Tool.Description(),
	}

	if s := b.Tool.InputSchema(); s != nil {
		m := s.Map()
		if t, ok := m["type"]; ok && t != "object" {
			return nil, fmt.Errorf("input schema must be a JSON object schema, got type %v", t)
		}
		params, err := toSchema(m)
		if err != nil {
			return nil, err
		}
		fd.Parameters = params
	}

	return fd, nil
}

// toSchema maps a JSON Schema document onto the OpenAPI subset the API
// accepts. Unsupported keywords are dropped.
func toSchema(m map[string]any) (*genai.Schema, error) {
	s := &genai.Schema{}

	switch t := m["type"].(type) {
	case string:
		s.Type = genai.Type(strings.ToUpper(t))
	case []any:
		for _, v := range t {
			if name, ok := v.(string); ok && name != "null" {
				s.Type = genai.Type(strings.ToUpper(name))
				break
			}
		}
	case nil:
		if _, ok := m["properties"]; ok {
			s.Type = genai.TypeObject
		}
	}
	if s.Type == "NULL" {
		return nil, errors.New("null schemas are not supported")
	}

	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if f, ok := m["format"].(string); ok {
		s.Format = f
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, v := range enum {
			s.Enum = append(s.Enum, fmt.Sprint(v))
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, v := range req {
			if name, ok := v.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			pm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			ps, err := toSchema(pm)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", name, err)
			}
			s.Properties[name] = ps
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		is, err := toSchema(items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		s.Items = is
	}

	return s, nil
}

// ConfigureStructuredOutput maps the requirement onto a JSON response
// schema. Schemas the API cannot express are left to the converter.
func (a *Adapter) ConfigureStructuredOutput(req core.OutputRequirement) error {
	if err := a.Base.ConfigureStructuredOutput(req); err != nil {
		return err
	}

	a.responseSchema = nil
	if !req.Structured() {
		return nil
	}

	rs, err := toSchema(req.Schema().Map())
	if err != nil || rs.Type == "" {
		a.Logger().Debug("gemini.response_schema.skipped", "agent", a.Name(), "schema", req.Schema().Name())
		return nil
	}
	a.responseSchema = rs

	return nil
}

// Invoke runs the tool loop until the model answers without function calls
// or the max_iter budget is spent.
func (a *Adapter) Invoke(ctx context.Context, req agent.Request) (string, error) {
	contents := []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: req.Input}}},
	}

	gc := a.generateConfig(req.SystemPrompt)
	limiter := a.NewTurnLimiter()
	executor := a.NewExecutor(req.OnToolCall)

	for {
		if err := limiter.Next(); err != nil {
			return "", core.NewExecutionError(a.Name(), "tool loop did not converge", err)
		}

		resp, err := a.client.Models.GenerateContent(ctx, a.opts.Model, contents, gc)
		if err != nil {
			return "", core.NewExecutionError(a.Name(), "gemini api error", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return "", core.NewExecutionError(a.Name(), "gemini returned no candidates", nil)
		}

		content := resp.Candidates[0].Content

		var (
			text  strings.Builder
			calls []tool.Call
		)
		for i, part := range content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if fc := part.FunctionCall; fc != nil {
				args, err := json.Marshal(fc.Args)
				if err != nil {
					return "", core.NewExecutionError(a.Name(), "invalid function call arguments", err)
				}
				calls = append(calls, tool.Call{ID: fmt.Sprintf("%s#%d", fc.Name, i), Name: fc.Name, Arguments: string(args)})
			}
		}

		if len(calls) == 0 {
			return text.String(), nil
		}

		if content.Role == "" {
			content.Role = "model"
		}
		contents = append(contents, content)

		parts := make([]*genai.Part, 0, len(calls))
		for _, out := range executor.Execute(ctx, a.tools, calls) {
			key := "output"
			if out.Err != nil {
				key = "error"
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				Name:     out.Call.Name,
				Response: map[string]any{key: out.Content()},
			}})
		}
		contents = append(contents, &genai.Content{Role: "user", Parts: parts})

		a.Logger().Debug("agent.tool_loop.turn", "agent", a.Name(), "turn", limiter.Count(), "tool_calls", len(calls))
	}
}

func (a *Adapter) generateConfig(system string) *genai.GenerateContentConfig {
	temp := float32(a.opts.Temperature)
	gc := &genai.GenerateContentConfig{Temperature: &temp}

	if system != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	if decls := a.tools.Tools(); len(decls) > 0 {
		gc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	} else if a.responseSchema != nil {
		gc.ResponseMIMEType = "application/json"
		gc.ResponseSchema = a.responseSchema
	}

	return gc
}

var _ agent.Adapter = (*Adapter)(nil)
