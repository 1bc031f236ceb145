// Package openai provides an agent.Adapter backed by the OpenAI Chat
// Completions API. Tools are exposed as function tools and executed in a
// bounded tool loop; structured output requirements with an object root are
// forwarded as a json_schema response format.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/hupe1980/agentbridge/agent"
	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/tool"
)

// Runtime is the registry name of this variant.
const Runtime = "openai"

// Options configure the OpenAI adapter. They are decoded from the
// agent_config option.
type Options struct {
	Model               string  `koanf:"model"`
	Temperature         float64 `koanf:"temperature"`
	MaxCompletionTokens int64   `koanf:"max_completion_tokens"`
	BaseURL             string  `koanf:"base_url"`
	APIKey              string  `koanf:"api_key"`
	// MaxRetries enables SDK retries. Zero, the default, sends each request
	// once and leaves retrying to the caller.
	MaxRetries int `koanf:"max_retries"`
	// Strict requests strict schema adherence for json_schema output. The
	// schema must then satisfy OpenAI's strict mode subset.
	Strict bool `koanf:"strict"`

	// Client replaces the client built from BaseURL and APIKey.
	Client *openai.Client `koanf:"-"`
}

// Adapter wraps the Chat Completions API. It is not reentrant.
type Adapter struct {
	*agent.Base
	client *openai.Client
	opts   Options
	tools  *tool.Adapter[openai.ChatCompletionToolParam]

	responseFormat *openai.ChatCompletionNewParamsResponseFormatUnion
}

// New creates an OpenAI adapter. cfg may be nil.
func New(name string, cfg *config.Options, logger logging.Logger, optFns ...func(o *Options)) (*Adapter, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.FromMap(nil); err != nil {
			return nil, err
		}
	}

	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
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
		reqOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
		if opts.APIKey != "" {
			reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
		}
		if opts.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
		}
		c := openai.NewClient(reqOpts...)
		client = &c
	}

	return &Adapter{
		Base:   base,
		client: client,
		opts:   opts,
		tools: tool.NewAdapter(convertTool, func(o *tool.AdapterOptions) {
			o.Names = tool.OpenAINames
			o.Agent = name
			o.Logger = base.Logger()
		}),
	}, nil
}

// Factory constructs the variant for the runtime registry.
func Factory(name string, cfg *config.Options, logger logging.Logger) (agent.Adapter, error) {
	return New(name, cfg, logger)
}

// ConfigureTools converts tools into function tool definitions.
func (a *Adapter) ConfigureTools(tools []core.Tool) error {
	return a.ApplyTools(tools, a.tools)
}

// ToolParams returns the converted tool definitions.
func (a *Adapter) ToolParams() []openai.ChatCompletionToolParam { return a.tools.Tools() }

// convertTool maps a binding onto a function tool definition.
func convertTool(b tool.Binding) (openai.ChatCompletionToolParam, error) {
	params := openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
	if s := b.Tool.InputSchema(); s != nil {
		params = openai.FunctionParameters(s.Map())
		if params["type"] != "object" {
			return openai.ChatCompletionToolParam{}, fmt.Errorf("function parameters must be a JSON object schema, got type %v", params["type"])
		}
	}

	fn := openai.FunctionDefinitionParam{
		Name:       b.Name,
		Parameters: params,
	}
	if d := b.Tool.Description(); d != "" {
		fn.Description = openai.String(d)
	}

	return openai.ChatCompletionToolParam{
		Type:     "function",
		Function: fn,
	}, nil
}

// ConfigureStructuredOutput maps the requirement onto a json_schema response
// format. Schemas without an object root are left to the converter.
func (a *Adapter) ConfigureStructuredOutput(req core.OutputRequirement) error {
	if err := a.Base.ConfigureStructuredOutput(req); err != nil {
		return err
	}

	a.responseFormat = nil
	if !req.Structured() {
		return nil
	}

	s := req.Schema()
	m := s.Map()
	if m["type"] != "object" {
		a.Logger().Debug("openai.response_format.skipped", "agent", a.Name(), "schema", s.Name())
		return nil
	}

	js := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   tool.OpenAINames.Sanitize(s.Name()),
		Schema: m,
	}
	if a.opts.Strict {
		js.Strict = openai.Bool(true)
	}
	a.responseFormat = &openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: js},
	}

	return nil
}

// Invoke runs the tool loop until the model answers without tool calls or
// the max_iter budget is spent.
func (a *Adapter) Invoke(ctx context.Context, req agent.Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 4)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Input))

	tools := a.tools.Tools()
	limiter := a.NewTurnLimiter()
	executor := a.NewExecutor(req.OnToolCall)

	for {
		if err := limiter.Next(); err != nil {
			return "", core.NewExecutionError(a.Name(), "tool loop did not converge", err)
		}

		resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(messages, tools))
		if err != nil {
			return "", core.NewExecutionError(a.Name(), "openai api error", err)
		}
		if len(resp.Choices) == 0 {
			return "", core.NewExecutionError(a.Name(), "no choices returned", nil)
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			if msg.Refusal != "" {
				return "", core.NewExecutionError(a.Name(), "model refused: "+msg.Refusal, nil)
			}
			return msg.Content, nil
		}

		messages = append(messages, assistantMessage(msg))

		calls := make([]tool.Call, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			calls[i] = tool.Call{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		}
		for _, out := range executor.Execute(ctx, a.tools, calls) {
			messages = append(messages, openai.ToolMessage(out.Content(), out.Call.ID))
		}

		a.Logger().Debug("agent.tool_loop.turn", "agent", a.Name(), "turn", limiter.Count(), "tool_calls", len(calls))
	}
}

// buildParams assembles the request parameters including tool definitions
// and the response format.
func (a *Adapter) buildParams(
	messages []openai.ChatCompletionMessageParamUnion,
	tools []openai.ChatCompletionToolParam,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               a.opts.Model,
		Temperature:         openai.Float(a.opts.Temperature),
		MaxCompletionTokens: openai.Int(a.opts.MaxCompletionTokens),
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if a.responseFormat != nil {
		params.ResponseFormat = *a.responseFormat
	}
	return params
}

// assistantMessage echoes a tool calling assistant turn back into the history.
func assistantMessage(msg openai.ChatCompletionMessage) openai.ChatCompletionMessageParamUnion {
	toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if msg.Content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(msg.Content),
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

var _ agent.Adapter = (*Adapter)(nil)
