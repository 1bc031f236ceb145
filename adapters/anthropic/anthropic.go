// Package anthropic provides an agent.Adapter backed by the Anthropic
// Messages API. Tools are exposed as client tools and executed in a bounded
// tool loop. The Messages API has no native structured output mode, so
// ConfigureStructuredOutput is a no-op and the converter enforces the
// output contract through the prompt and post-processing.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/agentbridge/agent"
	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/tool"
)

// Runtime is the registry name of this variant.
const Runtime = "anthropic"

// Options configure the Anthropic adapter. They are decoded from the
// agent_config option.
type Options struct {
	Model       string  `koanf:"model"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int64   `koanf:"max_tokens"`
	APIKey      string  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url"`
	// MaxRetries enables SDK retries. Zero, the default, sends each request
	// once and leaves retrying to the caller.
	MaxRetries int `koanf:"max_retries"`

	// Client replaces the client built from BaseURL and APIKey.
	Client *anthropic.Client `koanf:"-"`
}

// Adapter wraps the Messages API. It is not reentrant.
type Adapter struct {
	*agent.Base
	client *anthropic.Client
	opts   Options
	tools  *tool.Adapter[anthropic.ToolUnionParam]
}

// New creates an Anthropic adapter. cfg may be nil.
func New(name string, cfg *config.Options, logger logging.Logger, optFns ...func(o *Options)) (*Adapter, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.FromMap(nil); err != nil {
			return nil, err
		}
	}

	opts := Options{
		Model:       string(anthropic.ModelClaude3_5Sonnet20241022),
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	if err := config.Decode(cfg.AgentConfig, &opts); err != nil {
		return nil, core.NewConfigurationError(name, "invalid agent_config", err)
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	base := agent.NewBase(name, func(o *agent.BaseOptions) {
		o.Info = agent.Info{Runtime: Runtime, NativeTools: true}
		o.Config = cfg
		o.Logger = logger
	})

	client := opts.Client
	if client == nil {
		clientOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
		if opts.APIKey != "" {
			clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
		}
		if opts.BaseURL != "" {
			clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
		}
		c := anthropic.NewClient(clientOpts...)
		client = &c
	}

	return &Adapter{
		Base:   base,
		client: client,
		opts:   opts,
		tools: tool.NewAdapter(convertTool, func(o *tool.AdapterOptions) {
			o.Names = tool.AnthropicNames
			o.Agent = name
			o.Logger = base.Logger()
		}),
	}, nil
}

// Factory constructs the variant for the runtime registry.
func Factory(name string, cfg *config.Options, logger logging.Logger) (agent.Adapter, error) {
	return New(name, cfg, logger)
}

// ConfigureTools converts tools into client tool definitions.
func (a *Adapter) ConfigureTools(tools []core.Tool) error {
	return a.ApplyTools(tools, a.tools)
}

// ToolParams returns the converted tool definitions.
func (a *Adapter) ToolParams() []anthropic.ToolUnionParam { return a.tools.Tools() }

// convertTool maps a binding onto a client tool definition.
func convertTool(b tool.Binding) (anthropic.ToolUnionParam, error) {
	inputSchema := anthropic.ToolInputSchemaParam{
		Type: constant.Object("object"),
	}

	if s := b.Tool.InputSchema(); s != nil {
		params := s.Map()
		if t, ok := params["type"]; ok && t != "object" {
			return anthropic.ToolUnionParam{}, fmt.Errorf("input schema must be a JSON object schema, got type %v", t)
		}
		if properties, exists := params["properties"]; exists {
			inputSchema.Properties = properties
		}
		if required, exists := params["required"].([]any); exists {
			reqStrings := make([]string, 0, len(required))
			for _, r := range required {
				if s, ok := r.(string); ok {
					reqStrings = append(reqStrings, s)
				}
			}
			inputSchema.Required = reqStrings
		}
	}

	t := anthropic.ToolUnionParamOfTool(inputSchema, b.Name)
	if d := b.Tool.Description(); d != "" {
		t.OfTool.Description = anthropic.String(d)
	}
	return t, nil
}

// Invoke runs the tool loop until the model stops requesting tools or the
// max_iter budget is spent.
func (a *Adapter) Invoke(ctx context.Context, req agent.Request) (string, error) {
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Input)),
	}

	tools := a.tools.Tools()
	limiter := a.NewTurnLimiter()
	executor := a.NewExecutor(req.OnToolCall)

	for {
		if err := limiter.Next(); err != nil {
			return "", core.NewExecutionError(a.Name(), "tool loop did not converge", err)
		}

		params := anthropic.MessageNewParams{
			Model:       anthropic.Model(a.opts.Model),
			Messages:    messages,
			MaxTokens:   a.opts.MaxTokens,
			Temperature: anthropic.Float(a.opts.Temperature),
		}
		if req.SystemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
		}
		if len(tools) > 0 {
			params.Tools = tools
		}

		resp, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return "", core.NewExecutionError(a.Name(), "anthropic api error", err)
		}

		var (
			text  strings.Builder
			calls []tool.Call
		)
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.AsText().Text)
			case "tool_use":
				use := block.AsToolUse()
				calls = append(calls, tool.Call{ID: use.ID, Name: use.Name, Arguments: string(use.Input)})
			}
		}

		if len(calls) == 0 {
			return text.String(), nil
		}

		messages = append(messages, resp.ToParam())

		results := make([]anthropic.ContentBlockParamUnion, 0, len(calls))
		for _, out := range executor.Execute(ctx, a.tools, calls) {
			results = append(results, anthropic.NewToolResultBlock(out.Call.ID, out.Content(), out.Err != nil))
		}
		messages = append(messages, anthropic.NewUserMessage(results...))

		a.Logger().Debug("agent.tool_loop.turn", "agent", a.Name(), "turn", limiter.Count(), "tool_calls", len(calls))
	}
}

var _ agent.Adapter = (*Adapter)(nil)
