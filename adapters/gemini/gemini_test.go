package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/hupe1980/agentbridge/agent"
	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/schema"
	"github.com/hupe1980/agentbridge/tool"
)

type fakeServer struct {
	*httptest.Server

	mu        sync.Mutex
	bodies    []string
	responses []string
	status    int
}

func newFakeServer(t *testing.T, responses ...string) *fakeServer {
	t.Helper()
	f := &fakeServer{responses: responses, status: http.StatusOK}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":generateContent"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		idx := len(f.bodies) - 1
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

func (f *fakeServer) Bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

const functionCallResponse = `{
  "candidates": [{
    "content": {"role": "model", "parts": [
      {"functionCall": {"name": "search_docs", "args": {"query": "hello"}}}
    ]},
    "finishReason": "STOP"
  }]
}`

const finalResponse = `{
  "candidates": [{
    "content": {"role": "model", "parts": [{"text": "{\"code\": "}, {"text": "\"print(1)\"}"}]},
    "finishReason": "STOP"
  }]
}`

func newAdapter(t *testing.T, srv *fakeServer, options map[string]any) *Adapter {
	t.Helper()
	cfg, err := config.FromMap(options)
	require.NoError(t, err)
	a, err := New(context.Background(), "coder", cfg, nil, func(o *Options) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL
	})
	require.NoError(t, err)
	return a
}

func searchTool(t *testing.T, calls *int) core.Tool {
	t.Helper()
	in, err := schema.Parse("search_args", []byte(`{"type":"object","required":["query"],"properties":{"query":{"type":"string","description":"search terms"}}}`))
	require.NoError(t, err)
	return tool.NewFunctionTool("Search Docs", "Search the documentation", in, func(_ context.Context, args map[string]any) (any, error) {
		*calls++
		return "found: " + args["query"].(string), nil
	})
}

func TestConvertTool(t *testing.T) {
	srv := newFakeServer(t, finalResponse)
	a := newAdapter(t, srv, nil)

	var calls int
	require.NoError(t, a.ConfigureTools([]core.Tool{searchTool(t, &calls)}))

	decls := a.FunctionDeclarations()
	require.Len(t, decls, 1)
	assert.Equal(t, "search_docs", decls[0].Name)
	assert.Equal(t, "Search the documentation", decls[0].Description)
	require.NotNil(t, decls[0].Parameters)
	assert.Equal(t, genai.TypeObject, decls[0].Parameters.Type)
	assert.Equal(t, []string{"query"}, decls[0].Parameters.Required)
	assert.Equal(t, genai.TypeString, decls[0].Parameters.Properties["query"].Type)
	assert.Equal(t, "search terms", decls[0].Parameters.Properties["query"].Description)
}

func TestConvertTool_Rejects(t *testing.T) {
	srv := newFakeServer(t, finalResponse)
	a := newAdapter(t, srv, nil)

	arr, err := schema.Parse("list", []byte(`{"type":"array","items":{"type":"string"}}`))
	require.NoError(t, err)

	err = a.ConfigureTools([]core.Tool{tool.NewFunctionTool("list", "", arr, nil)})
	assert.True(t, core.IsConfiguration(err))

	err = a.ConfigureTools([]core.Tool{tool.NewFunctionTool("3d render", "", nil, nil)})
	assert.True(t, core.IsConfiguration(err))
	assert.Empty(t, a.FunctionDeclarations())
}

func TestToSchema(t *testing.T) {
	s, err := toSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"level": map[string]any{"type": []any{"null", "integer"}, "enum": []any{1, 2}},
			"extra": map[string]any{"type": "string", "additionalProperties": false},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, genai.TypeArray, s.Properties["tags"].Type)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
	assert.Equal(t, genai.TypeInteger, s.Properties["level"].Type)
	assert.Equal(t, []string{"1", "2"}, s.Properties["level"].Enum)

	_, err = toSchema(map[string]any{"type": "null"})
	assert.Error(t, err)
}

func TestExecute_ToolLoop(t *testing.T) {
	srv := newFakeServer(t, functionCallResponse, finalResponse)
	a := newAdapter(t, srv, map[string]any{"role": "Coder"})

	var calls int
	require.NoError(t, a.ConfigureTools([]core.Tool{searchTool(t, &calls)}))

	s, err := schema.Parse("code", []byte(`{"type":"object","properties":{"code":{"type":"string"}}}`))
	require.NoError(t, err)

	out, err := agent.Execute(context.Background(), a, core.NewTask("Write hello world", "").WithOutputJSON(s))
	require.NoError(t, err)
	assert.Equal(t, `{"code":"print(1)"}`, out.Text)
	assert.Equal(t, 1, calls)

	bodies := srv.Bodies()
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], `"functionDeclarations"`)
	assert.Contains(t, bodies[0], "## Output format")
	// Function calling and controlled generation are not combined.
	assert.NotContains(t, bodies[0], "responseMimeType")

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(bodies[1]), &second))
	contents, ok := second["contents"].([]any)
	require.True(t, ok)
	require.Len(t, contents, 3)
	assert.Contains(t, bodies[1], `"functionResponse"`)
	assert.Contains(t, bodies[1], "found: hello")
}

func TestExecute_NativeResponseSchema(t *testing.T) {
	srv := newFakeServer(t, finalResponse)
	a := newAdapter(t, srv, nil)
	assert.True(t, a.Info().NativeStructuredOutput)

	s, err := schema.Parse("code", []byte(`{"type":"object","properties":{"code":{"type":"string"}}}`))
	require.NoError(t, err)

	out, err := agent.Execute(context.Background(), a, core.NewTask("Write hello world", "").WithOutputJSON(s))
	require.NoError(t, err)
	assert.Equal(t, `{"code":"print(1)"}`, out.Text)

	bodies := srv.Bodies()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], `"responseMimeType":"application/json"`)
	assert.Contains(t, bodies[0], `"responseSchema"`)

	// A later plain task clears the response schema.
	_, err = agent.Execute(context.Background(), a, core.NewTask("Say hi", ""))
	require.NoError(t, err)
	assert.NotContains(t, srv.Bodies()[1], "responseMimeType")
}

func TestExecute_TurnLimit(t *testing.T) {
	srv := newFakeServer(t, functionCallResponse)
	a := newAdapter(t, srv, map[string]any{"max_iter": 2})

	var calls int
	require.NoError(t, a.ConfigureTools([]core.Tool{searchTool(t, &calls)}))

	_, err := agent.Execute(context.Background(), a, core.NewTask("loop", ""))
	require.Error(t, err)
	assert.True(t, core.IsExecution(err))
	assert.ErrorIs(t, err, core.ErrTurnLimit)
	assert.Len(t, srv.Bodies(), 2)
	assert.Equal(t, 2, calls)
}

func TestExecute_APIError(t *testing.T) {
	srv := newFakeServer(t, `{"error": {"code": 400, "message": "bad request", "status": "INVALID_ARGUMENT"}}`)
	srv.status = http.StatusBadRequest
	a := newAdapter(t, srv, nil)

	_, err := agent.Execute(context.Background(), a, core.NewTask("Say hi", ""))
	require.Error(t, err)
	assert.True(t, core.IsExecution(err))
}
