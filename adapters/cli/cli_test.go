package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbridge/agent"
	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/schema"
	"github.com/hupe1980/agentbridge/tool"
)

func newShellAdapter(t *testing.T, script string, agentConfig map[string]any) *Adapter {
	t.Helper()
	ac := map[string]any{
		"command": "/bin/sh",
		"args":    []any{"-c", script},
	}
	for k, v := range agentConfig {
		ac[k] = v
	}
	cfg, err := config.FromMap(map[string]any{"agent_config": ac})
	require.NoError(t, err)
	a, err := New("writer", cfg, nil)
	require.NoError(t, err)
	return a
}

func TestNew_RequiresCommand(t *testing.T) {
	_, err := New("writer", nil, nil)
	assert.True(t, core.IsConfiguration(err))
}

func TestNew_DecodesAgentConfig(t *testing.T) {
	cfg, err := config.FromMap(map[string]any{"agent_config": map[string]any{
		"command":     "claude",
		"args":        []any{"--output-format", "text"},
		"prompt_flag": "-p",
		"timeout":     "2m",
	}})
	require.NoError(t, err)

	a, err := New("writer", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "claude", a.opts.Command)
	assert.Equal(t, []string{"--output-format", "text"}, a.opts.Args)
	assert.Equal(t, "-p", a.opts.PromptFlag)
	assert.Equal(t, 2*time.Minute, a.opts.Timeout)
	assert.Equal(t, "127.0.0.1:0", a.opts.ListenAddr)
	assert.Equal(t, Runtime, a.Info().Runtime)
	assert.False(t, a.Info().NativeStructuredOutput)
}

func TestExecute_PromptOnStdin(t *testing.T) {
	a := newShellAdapter(t, "cat", nil)

	out, err := agent.Execute(context.Background(), a, core.NewTask("Say hi", ""))
	require.NoError(t, err)
	assert.Equal(t, "You are writer.\n\nSay hi", out.Text)
}

func TestExecute_PromptFlag(t *testing.T) {
	a := newShellAdapter(t, `printf '%s' "$2"`, map[string]any{
		"args":        []any{"-c", `printf '%s' "$2"`, "sh"},
		"prompt_flag": "-p",
	})

	out, err := agent.Execute(context.Background(), a, core.NewTask("Say hi", ""))
	require.NoError(t, err)
	assert.Equal(t, "You are writer.\n\nSay hi", out.Text)
}

func TestExecute_StructuredOutputIsNormalized(t *testing.T) {
	a := newShellAdapter(t, "cat >/dev/null; printf '```json\\n{\"code\": \"print(1)\"}\\n```\\n'", nil)
	s, err := schema.Parse("code", []byte(`{"type":"object","properties":{"code":{"type":"string"}}}`))
	require.NoError(t, err)

	out, err := agent.Execute(context.Background(), a, core.NewTask("Write hello world", "").WithOutputJSON(s))
	require.NoError(t, err)
	assert.Equal(t, `{"code":"print(1)"}`, out.Text)
	assert.True(t, out.Repaired)
}

func TestExecute_Environment(t *testing.T) {
	a := newShellAdapter(t, `printf '%s|%s|%s' "$AGENTBRIDGE_AGENT" "$GREETING" "${AGENTBRIDGE_MCP_URL:-none}"`, map[string]any{
		"env": map[string]any{"GREETING": "hello"},
	})

	out, err := agent.Execute(context.Background(), a, core.NewTask("t", ""))
	require.NoError(t, err)
	assert.Equal(t, "writer|hello|none", out.Text)
}

func TestExecute_NonZeroExit(t *testing.T) {
	a := newShellAdapter(t, "echo 'quota exceeded' >&2; exit 3", nil)

	out, err := agent.Execute(context.Background(), a, core.NewTask("t", ""))
	assert.Nil(t, out)
	require.Error(t, err)
	assert.True(t, core.IsExecution(err))
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestExecute_Timeout(t *testing.T) {
	a := newShellAdapter(t, "exec sleep 5", map[string]any{"timeout": "50ms"})

	start := time.Now()
	_, err := agent.Execute(context.Background(), a, core.NewTask("t", ""))
	require.Error(t, err)
	assert.True(t, core.IsExecution(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecute_ToolServerURL(t *testing.T) {
	a := newShellAdapter(t, `printf '%s' "$AGENTBRIDGE_MCP_URL"`, nil)
	require.NoError(t, a.ConfigureTools([]core.Tool{tool.NewFunctionTool("ping", "", nil, nil)}))

	out, err := agent.Execute(context.Background(), a, core.NewTask("t", ""))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Text, "http://127.0.0.1:"), out.Text)
	assert.True(t, strings.HasSuffix(out.Text, "/mcp"), out.Text)
}

// TestHelperProcess is not a real test. It acts as an MCP capable agent
// process when run by TestExecute_ToolsServedOverMCP.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("AGENTBRIDGE_HELPER_PROCESS") != "1" {
		return
	}

	ctx := context.Background()
	c, err := client.NewStreamableHttpClient(os.Getenv(EnvMCPURL))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	init := mcpgo.InitializeRequest{}
	init.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcpgo.Implementation{Name: "helper", Version: "0.0.0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = "search_docs"
	req.Params.Arguments = map[string]any{"query": "mcp"}
	res, err := c.CallTool(ctx, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	for _, content := range res.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			fmt.Print(tc.Text)
		}
	}
	os.Exit(0)
}

func TestExecute_ToolsServedOverMCP(t *testing.T) {
	cfg, err := config.FromMap(map[string]any{"agent_config": map[string]any{
		"command": os.Args[0],
		"args":    []any{"-test.run=^TestHelperProcess$"},
		"env":     map[string]any{"AGENTBRIDGE_HELPER_PROCESS": "1"},
		"timeout": "30s",
	}})
	require.NoError(t, err)
	a, err := New("researcher", cfg, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	search, err := tool.NewFunctionToolFor("Search Docs", "Search the documentation", func(_ context.Context, in struct {
		Query string `json:"query"`
	}) (any, error) {
		calls.Add(1)
		return "found: " + in.Query, nil
	})
	require.NoError(t, err)
	require.NoError(t, a.ConfigureTools([]core.Tool{search}))

	out, err := agent.Execute(context.Background(), a, core.NewTask("look it up", ""))
	require.NoError(t, err)
	assert.Equal(t, "found: mcp", out.Text)
	assert.Equal(t, int32(1), calls.Load())
}
