// Package cli provides an agent.Adapter that runs an external agent CLI as a
// child process for every invocation.
//
// The system prompt and task input are written to the process's stdin (or
// passed behind PromptFlag) and its stdout is taken as the raw result.
// Configured tools are served over MCP streamable HTTP on a loopback address
// for the lifetime of the process; the endpoint is announced through the
// AGENTBRIDGE_MCP_URL environment variable.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentbridge/adapters/mcp"
	"github.com/hupe1980/agentbridge/agent"
	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/tool"
)

// Runtime is the registry name of this variant.
const Runtime = "cli"

// Environment variables set for the child process.
const (
	EnvRunID  = "AGENTBRIDGE_RUN_ID"
	EnvAgent  = "AGENTBRIDGE_AGENT"
	EnvMCPURL = "AGENTBRIDGE_MCP_URL"
)

// mcpPath is the endpoint the tool server is mounted on.
const mcpPath = "/mcp"

// Options configure the CLI adapter. They are decoded from the agent_config
// option.
type Options struct {
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Env     map[string]string `koanf:"env"`
	Dir     string            `koanf:"dir"`

	// PromptFlag, when set, passes the prompt as "<flag> <prompt>" instead of
	// on stdin.
	PromptFlag string `koanf:"prompt_flag"`

	// Timeout bounds one process run. Zero means no limit beyond ctx.
	Timeout time.Duration `koanf:"timeout"`

	// ListenAddr is the loopback address the tool server binds to.
	ListenAddr string `koanf:"listen_addr"`
}

// Adapter runs an external agent process. It is not reentrant.
type Adapter struct {
	*agent.Base
	opts  Options
	tools *mcp.ToolAdapter
}

// New creates a CLI adapter. cfg may be nil; agent_config.command is
// required.
func New(name string, cfg *config.Options, logger logging.Logger, optFns ...func(o *Options)) (*Adapter, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.FromMap(nil); err != nil {
			return nil, err
		}
	}

	opts := Options{ListenAddr: "127.0.0.1:0"}
	if err := config.Decode(cfg.AgentConfig, &opts); err != nil {
		return nil, core.NewConfigurationError(name, "invalid agent_config", err)
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Command == "" {
		return nil, core.NewConfigurationError(name, "agent_config.command is required", nil)
	}

	base := agent.NewBase(name, func(o *agent.BaseOptions) {
		o.Info = agent.Info{Runtime: Runtime, NativeTools: true}
		o.Config = cfg
		o.Logger = logger
	})

	return &Adapter{
		Base: base,
		opts: opts,
		tools: mcp.NewToolAdapter(func(o *mcp.Options) {
			o.Name = "agentbridge-" + name
			o.Agent = name
			o.Logger = base.Logger()
		}),
	}, nil
}

// Factory constructs the variant for the runtime registry.
func Factory(name string, cfg *config.Options, logger logging.Logger) (agent.Adapter, error) {
	return New(name, cfg, logger)
}

// ConfigureTools publishes tools on the adapter's MCP server.
func (a *Adapter) ConfigureTools(tools []core.Tool) error {
	return a.ApplyTools(tools, a.tools)
}

// ToolServer returns the MCP tool adapter backing the tool endpoint.
func (a *Adapter) ToolServer() *mcp.ToolAdapter { return a.tools }

// Invoke runs the command once and returns its stdout.
func (a *Adapter) Invoke(ctx context.Context, req agent.Request) (string, error) {
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	runID := uuid.NewString()
	env := append(os.Environ(), EnvRunID+"="+runID, EnvAgent+"="+a.Name())
	for k, v := range a.opts.Env {
		env = append(env, k+"="+v)
	}

	if a.tools.Len() > 0 {
		url, stop, err := a.serveTools(req)
		if err != nil {
			return "", core.NewExecutionError(a.Name(), "failed to start tool server", err)
		}
		defer stop()
		env = append(env, EnvMCPURL+"="+url)
	}

	prompt := composePrompt(req.SystemPrompt, req.Input)

	args := append([]string(nil), a.opts.Args...)
	if a.opts.PromptFlag != "" {
		args = append(args, a.opts.PromptFlag, prompt)
	}

	cmd := exec.CommandContext(ctx, a.opts.Command, args...)
	cmd.Env = env
	cmd.Dir = a.opts.Dir
	cmd.WaitDelay = time.Second
	if a.opts.PromptFlag == "" {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.Logger().Debug("cli.process.start", "agent", a.Name(), "command", a.opts.Command, "run_id", runID)

	start := time.Now()
	err := cmd.Run()

	a.Logger().Debug(
		"cli.process.exit",
		"agent", a.Name(),
		"run_id", runID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err != nil,
	)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		msg := fmt.Sprintf("command %s failed", a.opts.Command)
		if tail := lastLine(stderr.String()); tail != "" {
			msg += ": " + tail
		}
		return "", core.NewExecutionError(a.Name(), msg, err)
	}

	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

// serveTools binds the MCP tool server to a loopback listener for one run.
func (a *Adapter) serveTools(req agent.Request) (string, func(), error) {
	ln, err := net.Listen("tcp", a.opts.ListenAddr)
	if err != nil {
		return "", nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(mcpPath, a.tools.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger().Warn("cli.tool_server.error", "agent", a.Name(), "error", err.Error())
		}
	}()

	var restore func()
	if req.OnToolCall != nil {
		restore = a.tools.Observe(func(ctx context.Context, o tool.CallOutcome) { req.OnToolCall(ctx, o) })
	}

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if restore != nil {
			restore()
		}
	}

	return "http://" + ln.Addr().String() + mcpPath, stop, nil
}

func composePrompt(system, input string) string {
	if strings.TrimSpace(system) == "" {
		return input
	}
	return system + "\n\n" + input
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

var _ agent.Adapter = (*Adapter)(nil)
