// Package mcp exposes orchestrator tools as Model Context Protocol tools.
//
// ToolAdapter converts core.Tool values into server.ServerTool entries and
// keeps an MCP server in sync with the configured set, so any MCP capable
// agent runtime can call them. The server can be mounted as a streamable
// HTTP handler or served over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/tool"
)

// Options configure a ToolAdapter.
type Options struct {
	// Name and Version identify the MCP server implementation.
	Name    string
	Version string

	Collisions tool.CollisionPolicy
	Agent      string
	Logger     logging.Logger

	// ServerOptions are passed to server.NewMCPServer.
	ServerOptions []server.ServerOption
}

// ToolAdapter is the MCP variant of the Tool Adapter.
type ToolAdapter struct {
	*tool.Adapter[server.ServerTool]

	opts   Options
	server *server.MCPServer

	mu        sync.Mutex
	published []string

	obsMu    sync.RWMutex
	observer func(ctx context.Context, outcome tool.CallOutcome)
}

// NewToolAdapter creates a ToolAdapter backed by a fresh MCP server.
func NewToolAdapter(optFns ...func(o *Options)) *ToolAdapter {
	opts := Options{
		Name:       "agentbridge",
		Version:    "0.1.0",
		Collisions: tool.CollisionSuffix,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	serverOpts := append([]server.ServerOption{server.WithToolCapabilities(true)}, opts.ServerOptions...)

	t := &ToolAdapter{
		opts:   opts,
		server: server.NewMCPServer(opts.Name, opts.Version, serverOpts...),
	}
	t.Adapter = tool.NewAdapter(t.convert, func(o *tool.AdapterOptions) {
		o.Names = tool.MCPNames
		o.Collisions = opts.Collisions
		o.Agent = opts.Agent
		o.Logger = opts.Logger
	})

	return t
}

// ConfigureTools converts tools and replaces the set published on the
// server. On error nothing is published.
func (t *ToolAdapter) ConfigureTools(tools []core.Tool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.Adapter.ConfigureTools(tools)

	if len(t.published) > 0 {
		t.server.DeleteTools(t.published...)
		t.published = nil
	}
	if err != nil {
		return err
	}

	converted := t.Adapter.Tools()
	if len(converted) == 0 {
		return nil
	}

	t.server.AddTools(converted...)
	for _, st := range converted {
		t.published = append(t.published, st.Tool.Name)
	}

	return nil
}

// Server returns the underlying MCP server.
func (t *ToolAdapter) Server() *server.MCPServer { return t.server }

// Handler returns a streamable HTTP handler serving the published tools.
func (t *ToolAdapter) Handler(optFns ...server.StreamableHTTPOption) http.Handler {
	return server.NewStreamableHTTPServer(t.server, optFns...)
}

// ServeStdio serves the published tools on stdin/stdout until the input is
// closed.
func (t *ToolAdapter) ServeStdio() error {
	return server.ServeStdio(t.server)
}

// Observe installs fn as the call observer and returns a func restoring the
// previous one. Observers see every call made through the server.
func (t *ToolAdapter) Observe(fn func(ctx context.Context, outcome tool.CallOutcome)) (restore func()) {
	t.obsMu.Lock()
	prev := t.observer
	t.observer = fn
	t.obsMu.Unlock()

	return func() {
		t.obsMu.Lock()
		t.observer = prev
		t.obsMu.Unlock()
	}
}

func (t *ToolAdapter) notify(ctx context.Context, outcome tool.CallOutcome) {
	t.obsMu.RLock()
	fn := t.observer
	t.obsMu.RUnlock()

	if fn != nil {
		fn(ctx, outcome)
	}
}

// convert builds the MCP tool definition and a handler routing calls to the
// binding.
func (t *ToolAdapter) convert(b tool.Binding) (server.ServerTool, error) {
	raw, err := inputSchema(b)
	if err != nil {
		return server.ServerTool{}, err
	}

	return server.ServerTool{
		Tool:    mcp.NewToolWithRawSchema(b.Name, b.Tool.Description(), raw),
		Handler: t.handler(b),
	}, nil
}

func inputSchema(b tool.Binding) (json.RawMessage, error) {
	s := b.Tool.InputSchema()
	if s == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`), nil
	}

	m := s.Map()
	if m["type"] != "object" {
		return nil, fmt.Errorf("mcp input schema must be a JSON object schema, got type %v", m["type"])
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}

	return data, nil
}

// handler invokes the binding through its synchronous surface. Tool failures
// are reported as error results rather than protocol errors so the calling
// agent can react to them.
func (t *ToolAdapter) handler(b tool.Binding) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		v, err := b.Call(ctx, args)

		outcome := tool.CallOutcome{
			Call:     tool.Call{Name: b.Name},
			Tool:     b.Original(),
			Value:    v,
			Err:      err,
			Duration: time.Since(start),
		}

		t.opts.Logger.Info(
			"mcp.tool.call",
			"agent", t.opts.Agent,
			"tool", b.Name,
			"duration_ms", outcome.Duration.Milliseconds(),
			"error", err != nil,
		)
		t.notify(ctx, outcome)

		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(outcome.Content()), nil
	}
}

var _ tool.ToolAdapter[server.ServerTool] = (*ToolAdapter)(nil)
