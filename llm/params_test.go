package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deepseekEntry() *Entry {
	e := builtinEntries()["deepseek"]
	return &e
}

func TestCanonicalizeParam(t *testing.T) {
	tests := []struct {
		name  string
		entry *Entry
		param string
		want  string
	}{
		{"alias temp", nil, "temp", "temperature"},
		{"alias stop_sequences", nil, "stop_sequences", "stop"},
		{"repeat penalty nests under extras", nil, "repeat_penalty", "extras.repeat_penalty"},
		{"case insensitive", nil, "TEMP", "temperature"},
		{"provider alias wins", deepseekEntry(), "enable_thinking", "thinking.enabled"},
		{"unknown passes through", nil, "logit_bias", "logit_bias"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalizeParam(tt.entry, tt.param)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := CanonicalizeParam(nil, "  ")
	assert.Error(t, err)
}

func TestParseValueCoercion(t *testing.T) {
	tests := []struct {
		name        string
		param       string
		raw         string
		wantPath    string
		wantValue   any
		wantCleared bool
		wantErr     bool
	}{
		{name: "float", param: "temperature", raw: "0.7", wantPath: "temperature", wantValue: 0.7},
		{name: "int truncates", param: "max_tokens", raw: "512.9", wantPath: "max_tokens", wantValue: 512},
		{name: "int rejects text", param: "max_tokens", raw: "lots", wantPath: "max_tokens", wantErr: true},
		{name: "one is numeric for int base", param: "top_k", raw: "1", wantPath: "top_k", wantValue: 1},
		{name: "stop comma split", param: "stop", raw: "END, DONE", wantPath: "stop", wantValue: []string{"END", "DONE"}},
		{name: "stop json array", param: "stop", raw: `["a","b"]`, wantPath: "stop", wantValue: []string{"a", "b"}},
		{name: "bool for free-form", param: "web_search", raw: "on", wantPath: "extras.enable_web_search", wantValue: true},
		{name: "clear sentinel none", param: "temperature", raw: "none", wantPath: "temperature", wantCleared: true},
		{name: "clear sentinel empty", param: "stop", raw: "", wantPath: "stop", wantCleared: true},
		{name: "json object value", param: "response_format", raw: `{"type":"json_object"}`, wantPath: "response_format",
			wantValue: map[string]any{"type": "json_object"}},
		{name: "plain string fallback", param: "service_tier", raw: "flex", wantPath: "service_tier", wantValue: "flex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			canonical, value, cleared, err := ParseValue(nil, tt.param, tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, canonical)
			assert.Equal(t, tt.wantCleared, cleared)
			if !tt.wantCleared {
				assert.Equal(t, tt.wantValue, value)
			}
		})
	}
}

func TestParseValueProviderAlias(t *testing.T) {
	canonical, value, cleared, err := ParseValue(deepseekEntry(), "enable_thinking", "true")
	require.NoError(t, err)
	assert.Equal(t, "thinking.enabled", canonical)
	assert.Equal(t, true, value)
	assert.False(t, cleared)
}

func TestSessionParamStore(t *testing.T) {
	config := map[string]any{}
	SetSessionParam(config, "llama-cpp", "temperature", 0.9)
	SetSessionParam(config, "llama-cpp", "max_tokens", 256)

	params := GetSessionParams(config, "llama-cpp")
	assert.Equal(t, map[string]any{"temperature": 0.9, "max_tokens": 256}, params)
	assert.Contains(t, config, "llama_cpp_params")

	// The getter returns a copy.
	params["temperature"] = 0.1
	assert.Equal(t, 0.9, GetSessionParams(config, "llama-cpp")["temperature"])

	assert.True(t, ClearSessionParam(config, "llama-cpp", "temperature"))
	assert.False(t, ClearSessionParam(config, "llama-cpp", "temperature"))
	assert.True(t, ClearSessionParam(config, "llama-cpp", "max_tokens"))
	assert.NotContains(t, config, "llama_cpp_params")

	SetSessionParam(config, "ollama", "top_k", 40)
	assert.True(t, ClearAllSessionParams(config, "ollama"))
	assert.False(t, ClearAllSessionParams(config, "ollama"))
}

func TestApplyParamsDottedPaths(t *testing.T) {
	body := map[string]any{"model": "deepseek-chat", "temperature": 0.0}
	ApplyParams(body, map[string]any{
		"temperature":           0.6,
		"thinking.enabled":      true,
		"extras.repeat_penalty": 1.1,
		"stop":                  "END",
	}, nil, true)

	assert.Equal(t, 0.6, body["temperature"])
	assert.Equal(t, map[string]any{"enabled": true}, body["thinking"])
	assert.Equal(t, map[string]any{"repeat_penalty": 1.1}, body["extras"])
	assert.Equal(t, []string{"END"}, body["stop"])
}

func TestApplyParamsNilDeletesLeaf(t *testing.T) {
	body := map[string]any{"temperature": 0.0, "max_tokens": 512}
	ApplyParams(body, map[string]any{"max_tokens": nil}, nil, true)
	assert.NotContains(t, body, "max_tokens")
	assert.Contains(t, body, "temperature")
}

func TestSerializeValue(t *testing.T) {
	assert.Equal(t, "none", SerializeValue(nil))
	assert.Equal(t, "0.7", SerializeValue(0.7))
	assert.Equal(t, "true", SerializeValue(true))
	assert.Equal(t, "256", SerializeValue(256))
	assert.Equal(t, `["a","b"]`, SerializeValue([]string{"a", "b"}))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "enable_thinking", DisplayName(deepseekEntry(), "thinking.enabled"))
	assert.Equal(t, "logit_bias", DisplayName(nil, "logit_bias"))
}
