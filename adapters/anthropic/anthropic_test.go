package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbridge/agent"
	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/schema"
	"github.com/hupe1980/agentbridge/tool"
)

type fakeServer struct {
	*httptest.Server

	mu        sync.Mutex
	requests  []map[string]any
	responses []string
	status    int
}

func newFakeServer(t *testing.T, responses ...string) *fakeServer {
	t.Helper()
	f := &fakeServer{responses: responses, status: http.StatusOK}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)

		f.mu.Lock()
		f.requests = append(f.requests, req)
		idx := len(f.requests) - 1
		if idx >= len(f.responses) {
			idx = len(f.responses) - 1
		}
		status := f.status
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, f.responses[idx])
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) Requests() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.requests...)
}

const toolUseResponse = `{
  "id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-sonnet-20241022",
  "content": [
    {"type": "text", "text": "Let me look that up."},
    {"type": "tool_use", "id": "toolu_1", "name": "search_docs", "input": {"query": "hello"}}
  ],
  "stop_reason": "tool_use", "stop_sequence": null,
  "usage": {"input_tokens": 10, "output_tokens": 5}
}`

const finalResponse = `{
  "id": "msg_2", "type": "message", "role": "assistant", "model": "claude-3-5-sonnet-20241022",
  "content": [
    {"type": "text", "text": "{\"code\": "},
    {"type": "text", "text": "\"print(1)\"}"}
  ],
  "stop_reason": "end_turn", "stop_sequence": null,
  "usage": {"input_tokens": 20, "output_tokens": 8}
}`

func newTestAdapter(t *testing.T, srv *fakeServer, extra map[string]any) *Adapter {
	t.Helper()
	options := map[string]any{
		"agent_config": map[string]any{
			"base_url": srv.URL + "/",
			"api_key":  "test-key",
		},
	}
	for k, v := range extra {
		options[k] = v
	}
	cfg, err := config.FromMap(options)
	require.NoError(t, err)
	a, err := New("coder", cfg, nil)
	require.NoError(t, err)
	return a
}

func searchTool(calls *int) core.Tool {
	s := schema.MustFor[struct {
		Query string `json:"query"`
	}]("search_args")
	return tool.NewFunctionTool("Search Docs", "Search the documentation", s, func(_ context.Context, args map[string]any) (any, error) {
		*calls++
		return map[string]any{"hits": []string{"hello world"}, "query": args["query"]}, nil
	})
}

func TestNew_Defaults(t *testing.T) {
	a, err := New("writer", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-sonnet-20241022", a.opts.Model)
	assert.Equal(t, int64(4096), a.opts.MaxTokens)
	assert.Equal(t, Runtime, a.Info().Runtime)
	assert.True(t, a.Info().NativeTools)
	assert.False(t, a.Info().NativeStructuredOutput)
}

func TestConfigureTools(t *testing.T) {
	a, err := New("writer", nil, nil)
	require.NoError(t, err)
	calls := 0

	require.NoError(t, a.ConfigureTools([]core.Tool{searchTool(&calls), tool.NewFunctionTool("ping", "", nil, nil)}))
	params := a.ToolParams()
	require.Len(t, params, 2)
	require.NotNil(t, params[0].OfTool)
	assert.Equal(t, "search_docs", params[0].OfTool.Name)
	assert.Equal(t, []string{"query"}, params[0].OfTool.InputSchema.Required)
	assert.Equal(t, "ping", params[1].OfTool.Name)
	assert.Nil(t, params[1].OfTool.InputSchema.Properties)
}

func TestConfigureTools_RejectsNonObjectSchema(t *testing.T) {
	a, err := New("writer", nil, nil)
	require.NoError(t, err)
	s, err := schema.Parse("scalar", []byte(`{"type":"string"}`))
	require.NoError(t, err)

	err = a.ConfigureTools([]core.Tool{tool.NewFunctionTool("scalar", "", s, nil)})
	assert.True(t, core.IsConfiguration(err))
	assert.Empty(t, a.ToolParams())
}

func TestExecute_ToolLoop(t *testing.T) {
	srv := newFakeServer(t, toolUseResponse, finalResponse)
	a := newTestAdapter(t, srv, nil)
	calls := 0
	require.NoError(t, a.ConfigureTools([]core.Tool{searchTool(&calls)}))

	s, err := schema.Parse("code", []byte(`{"type":"object","properties":{"code":{"type":"string"}}}`))
	require.NoError(t, err)
	task := core.NewTask("Write hello world", "a code object").WithOutputJSON(s)

	out, err := agent.Execute(context.Background(), a, task)
	require.NoError(t, err)
	assert.Equal(t, `{"code":"print(1)"}`, out.Text)
	assert.Equal(t, 1, calls)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)

	first := reqs[0]
	system := first["system"].([]any)
	require.Len(t, system, 1)
	assert.Contains(t, system[0].(map[string]any)["text"], "## Output format")
	tools := first["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "search_docs", tools[0].(map[string]any)["name"])
	_, hasFormat := first["response_format"]
	assert.False(t, hasFormat)

	messages := reqs[1]["messages"].([]any)
	require.Len(t, messages, 3)
	assert.Equal(t, "assistant", messages[1].(map[string]any)["role"])

	last := messages[2].(map[string]any)
	assert.Equal(t, "user", last["role"])
	block := last["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "toolu_1", block["tool_use_id"])
}

func TestExecute_ToolErrorIsFlagged(t *testing.T) {
	srv := newFakeServer(t, toolUseResponse, finalResponse)
	a := newTestAdapter(t, srv, nil)

	_, err := agent.Execute(context.Background(), a, core.NewTask("t", ""))
	require.NoError(t, err)

	messages := srv.Requests()[1]["messages"].([]any)
	block := messages[2].(map[string]any)["content"].([]any)[0].(map[string]any)
	assert.Equal(t, true, block["is_error"])
}

func TestExecute_TurnLimit(t *testing.T) {
	srv := newFakeServer(t, toolUseResponse)
	a := newTestAdapter(t, srv, map[string]any{"max_iter": 3})
	calls := 0
	require.NoError(t, a.ConfigureTools([]core.Tool{searchTool(&calls)}))

	_, err := agent.Execute(context.Background(), a, core.NewTask("loop forever", ""))
	require.Error(t, err)
	assert.True(t, core.IsExecution(err))
	assert.ErrorIs(t, err, core.ErrTurnLimit)
	assert.Len(t, srv.Requests(), 3)
	assert.Equal(t, 3, calls)
}

func TestExecute_APIError(t *testing.T) {
	srv := newFakeServer(t, `{"type": "error", "error": {"type": "api_error", "message": "boom"}}`)
	srv.status = http.StatusInternalServerError
	a := newTestAdapter(t, srv, nil)

	_, err := agent.Execute(context.Background(), a, core.NewTask("t", ""))
	require.Error(t, err)
	assert.True(t, core.IsExecution(err))
}

func TestExecute_NoRetryByDefault(t *testing.T) {
	srv := newFakeServer(t, `{"type": "error", "error": {"type": "api_error", "message": "boom"}}`)
	srv.status = http.StatusInternalServerError

	cfg, err := config.FromMap(map[string]any{"agent_config": map[string]any{
		"base_url": srv.URL + "/",
		"api_key":  "test-key",
	}})
	require.NoError(t, err)
	a, err := New("coder", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, a.opts.MaxRetries)

	_, err = agent.Execute(context.Background(), a, core.NewTask("t", ""))
	require.Error(t, err)
	assert.True(t, core.IsExecution(err))
	assert.Len(t, srv.Requests(), 1)
}

func TestNew_MaxRetriesOptIn(t *testing.T) {
	cfg, err := config.FromMap(map[string]any{"agent_config": map[string]any{"max_retries": 3}})
	require.NoError(t, err)
	a, err := New("writer", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, a.opts.MaxRetries)
}
