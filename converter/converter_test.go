package converter

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const codeSchema = `{"type":"object","properties":{"code":{"type":"string"}}}`

type answer struct {
	Code  string `json:"code"`
	Score int    `json:"score"`
}

func jsonTask(t *testing.T) *core.Task {
	t.Helper()
	s, err := schema.Parse("code", []byte(codeSchema))
	require.NoError(t, err)
	return core.NewTask("write code", "a code object").WithOutputJSON(s)
}

func typedTask(t *testing.T) *core.Task {
	t.Helper()
	s, err := schema.For[answer]("answer", func(a answer) error {
		if a.Code == "" {
			return errors.New("code must not be empty")
		}
		return nil
	})
	require.NoError(t, err)
	return core.NewTask("answer", "an answer").WithOutputType(s)
}

func TestNew_InitialStateIsNone(t *testing.T) {
	c := New()
	assert.Equal(t, core.OutputNone, c.Requirement().Kind())
	assert.False(t, c.Configured())

	// Used before configuration the converter behaves as None.
	assert.Equal(t, "base", c.EnhanceSystemPrompt("base"))
	text, err := c.PostProcessResult("{not json")
	assert.NoError(t, err)
	assert.Equal(t, "{not json", text)
}

func TestConfigureStructuredOutput_Precedence(t *testing.T) {
	c := New()

	both := typedTask(t)
	both.OutputJSON = jsonTask(t).OutputJSON
	req := c.ConfigureStructuredOutput(both)
	assert.Equal(t, core.OutputTypedSchema, req.Kind())
	assert.Equal(t, "answer", c.Requirement().Schema().Name())

	req = c.ConfigureStructuredOutput(jsonTask(t))
	assert.Equal(t, core.OutputJSONSchema, req.Kind())

	req = c.ConfigureStructuredOutput(core.NewTask("plain", ""))
	assert.Equal(t, core.OutputNone, req.Kind())
	assert.Nil(t, req.Schema())

	req = c.ConfigureStructuredOutput(nil)
	assert.Equal(t, core.OutputNone, req.Kind())
	assert.True(t, c.Configured())
}

func TestReset(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(jsonTask(t))
	c.Reset()
	assert.False(t, c.Configured())
	assert.False(t, c.Requirement().Structured())
}

func TestEnhanceSystemPrompt_NoneIsIdentity(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(core.NewTask("plain", ""))

	for _, base := range []string{"", "You are a helpful agent.", "line\n\n"} {
		assert.Equal(t, base, c.EnhanceSystemPrompt(base))
	}
}

func TestEnhanceSystemPrompt_IsPure(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(jsonTask(t))
	before := c.Requirement()

	first := c.EnhanceSystemPrompt("You are a coder.")
	second := c.EnhanceSystemPrompt("You are a coder.")

	assert.Equal(t, first, second)
	assert.Equal(t, before, c.Requirement())
	assert.True(t, strings.HasPrefix(first, "You are a coder.\n\n"))
	assert.Contains(t, first, `"code"`)
	assert.Contains(t, first, "```json")
	assert.Contains(t, first, "only the JSON payload")
}

func TestEnhanceSystemPrompt_EmptyBase(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(typedTask(t))

	out := c.EnhanceSystemPrompt("")
	assert.True(t, strings.HasPrefix(out, "## Output format"))
	assert.Contains(t, out, `"score"`)
}

func TestPostProcess_NoRequirementIsIdentity(t *testing.T) {
	rec := logging.NewRecorder()
	c := New(WithLogger(rec))
	c.ConfigureStructuredOutput(core.NewTask("plain", ""))

	r := c.PostProcess("42 is the answer")
	assert.Equal(t, "42 is the answer", r.Text)
	assert.NoError(t, r.Err)
	assert.Nil(t, r.Value)
	assert.Equal(t, 0, rec.Count(logging.LogLevelWarn))
}

func TestPostProcess_CodeScenario(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(jsonTask(t))

	text, err := c.PostProcessResult(`{"code": "print(1)"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"code":"print(1)"}`, text)
}

func TestPostProcess_RoundTrip(t *testing.T) {
	s, err := schema.Parse("doc", []byte(`{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"meta": {"type": "object"},
			"rating": {"type": "number"}
		}
	}`))
	require.NoError(t, err)
	c := New()
	c.ConfigureStructuredOutput(core.NewTask("doc", "").WithOutputJSON(s))

	payloads := []map[string]any{
		{"title": "x"},
		{"title": "<b>&</b>", "tags": []any{"b", "a"}, "rating": 4.5},
		{"meta": map[string]any{"z": 1.0, "a": []any{true, nil}}, "title": "ünïcode"},
	}
	for _, p := range payloads {
		data, err := json.Marshal(p)
		require.NoError(t, err)

		r := c.PostProcess(string(data))
		require.NoError(t, r.Err)
		assert.False(t, r.Repaired)

		var back map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.Text), &back))
		assert.Equal(t, p, back)
		assert.Equal(t, p, r.Value)
	}
}

func TestPostProcess_CanonicalForm(t *testing.T) {
	s, err := schema.Parse("any", []byte(`{"type":"object"}`))
	require.NoError(t, err)
	c := New()
	c.ConfigureStructuredOutput(core.NewTask("t", "").WithOutputJSON(s))

	text, err := c.PostProcessResult("  {\n  \"b\": 1.50,\n  \"a\": \"<x>\"\n}\n")
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":1.50}`, text)

	again, err := c.PostProcessResult(text)
	require.NoError(t, err)
	assert.Equal(t, text, again)
}

func TestPostProcess_NotJSONDegrades(t *testing.T) {
	rec := logging.NewRecorder()
	c := New(WithLogger(rec), WithAgent("coder"))
	c.ConfigureStructuredOutput(jsonTask(t))

	r := c.PostProcess("not json")
	assert.Equal(t, "not json", r.Text)
	require.Error(t, r.Err)
	assert.True(t, core.IsResultFormat(r.Err))
	assert.Equal(t, core.ReasonParse, core.FormatReasonOf(r.Err))
	assert.Contains(t, r.Err.Error(), "coder")

	entry, ok := rec.Find("converter.result.format_error")
	require.True(t, ok)
	assert.Equal(t, logging.LogLevelWarn, entry.Level)
	assert.Equal(t, "parse", entry.Fields["reason"])
}

func TestPostProcess_ValidationFailure(t *testing.T) {
	rec := logging.NewRecorder()
	c := New(WithLogger(rec))
	c.ConfigureStructuredOutput(jsonTask(t))

	raw := `{"code": 1}`
	text, err := c.PostProcessResult(raw)
	assert.Equal(t, raw, text)
	assert.True(t, core.IsResultFormat(err))
	assert.Equal(t, core.ReasonValidation, core.FormatReasonOf(err))
	assert.Equal(t, 1, rec.Count(logging.LogLevelWarn))
}

func TestPostProcess_Repair(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(jsonTask(t))

	tests := []struct {
		name string
		raw  string
	}{
		{"fenced", "```json\n{\"code\": \"print(1)\"}\n```"},
		{"bare fence", "```\n{\"code\": \"print(1)\"}\n```"},
		{"prose", `Sure! Here is the result: {"code": "print(1)"} Let me know if you need more.`},
		{"trailing brace", `Result {"code": "print(1)"} and a stray } brace`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := c.PostProcess(tt.raw)
			require.NoError(t, r.Err)
			assert.True(t, r.Repaired)
			assert.Equal(t, `{"code":"print(1)"}`, r.Text)
		})
	}
}

func TestPostProcess_RepairSkipsBracketedAsides(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(jsonTask(t))

	for _, raw := range []string{
		`Here is the answer [see below]: {"code": "print(1)"}`,
		`Step [1] done. {"code": "print(1)"}`,
		`Options {a, b} considered; final: {"code": "print(1)"}`,
	} {
		r := c.PostProcess(raw)
		require.NoError(t, r.Err, raw)
		assert.True(t, r.Repaired, raw)
		assert.Equal(t, `{"code":"print(1)"}`, r.Text, raw)
	}
}

func TestPostProcess_RepairReportsFirstDecodedCandidate(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(jsonTask(t))

	raw := `Step [1] done, then [oops and {"code": 7}`
	r := c.PostProcess(raw)
	assert.Equal(t, raw, r.Text)
	assert.Equal(t, core.ReasonValidation, core.FormatReasonOf(r.Err))

	raw = `see [notes] and {broken}`
	r = c.PostProcess(raw)
	assert.Equal(t, raw, r.Text)
	assert.Equal(t, core.ReasonParse, core.FormatReasonOf(r.Err))
}

func TestPostProcess_RepairDisabled(t *testing.T) {
	c := New(WithRepair(false))
	c.ConfigureStructuredOutput(jsonTask(t))

	raw := "```json\n{\"code\": \"print(1)\"}\n```"
	r := c.PostProcess(raw)
	assert.Equal(t, raw, r.Text)
	assert.Equal(t, core.ReasonParse, core.FormatReasonOf(r.Err))
}

func TestPostProcess_RepairNeverFixesValidation(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(jsonTask(t))

	raw := "```json\n{\"code\": false}\n```"
	r := c.PostProcess(raw)
	assert.Equal(t, raw, r.Text)
	assert.Equal(t, core.ReasonValidation, core.FormatReasonOf(r.Err))
}

func TestPostProcess_Typed(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(typedTask(t))

	r := c.PostProcess(`{"score": 3, "code": "print(1)"}`)
	require.NoError(t, r.Err)
	assert.Equal(t, answer{Code: "print(1)", Score: 3}, r.Value)
	assert.Equal(t, `{"code":"print(1)","score":3}`, r.Text)
}

func TestPostProcess_TypedValidatorFailure(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(typedTask(t))

	raw := `{"code": "", "score": 1}`
	r := c.PostProcess(raw)
	assert.Equal(t, raw, r.Text)
	assert.Nil(t, r.Value)
	assert.Equal(t, core.ReasonValidation, core.FormatReasonOf(r.Err))
	assert.Contains(t, r.Err.Error(), "code must not be empty")
}

func TestPostProcess_TypedSchemaMismatch(t *testing.T) {
	c := New()
	c.ConfigureStructuredOutput(typedTask(t))

	r := c.PostProcess(`{"code": "x", "score": "high"}`)
	assert.Equal(t, core.ReasonValidation, core.FormatReasonOf(r.Err))

	r = c.PostProcess(`score: high`)
	assert.Equal(t, core.ReasonParse, core.FormatReasonOf(r.Err))
}
