package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPromptConfig(t *testing.T) {
	cfg := DefaultPromptConfig()
	assert.Equal(t, 16000, cfg.MaxContextChars)
	assert.Equal(t, 12, cfg.MaxAutoSteps)
	assert.Len(t, cfg.Rules, 7)
	assert.Contains(t, cfg.SystemPreamble, "{debugger}")
	assert.Contains(t, cfg.AgentPreamble, "Final Report")
	assert.Equal(t, "built-in defaults", cfg.Source)
}

func TestLoadPromptConfigWithoutOverride(t *testing.T) {
	t.Setenv(PromptsPathEnv, "")
	cfg, err := LoadPromptConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultPromptConfig().SystemPreamble, cfg.SystemPreamble)
}

func TestLoadPromptConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"max_context_chars": 4000,
		"rules": ["Only one rule."]
	}`), 0o644))
	t.Setenv(PromptsPathEnv, path)

	cfg, err := LoadPromptConfig()
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.MaxContextChars)
	assert.Equal(t, []string{"Only one rule."}, cfg.Rules)
	// Unset keys keep their defaults.
	assert.Equal(t, DefaultPromptConfig().SystemPreamble, cfg.SystemPreamble)
	assert.Equal(t, path, cfg.Source)
}

func TestLoadPromptConfigErrors(t *testing.T) {
	t.Setenv(PromptsPathEnv, filepath.Join(t.TempDir(), "missing.json"))
	_, err := LoadPromptConfig()
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{nope"), 0o644))
	t.Setenv(PromptsPathEnv, bad)
	_, err = LoadPromptConfig()
	assert.Error(t, err)
}

func TestPromptConfigShow(t *testing.T) {
	cfg := DefaultPromptConfig()
	out, err := cfg.Show()
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "built-in defaults", parsed["_source"])
	assert.Equal(t, float64(16000), parsed["max_context_chars"])
}

func TestHeadTailTruncate(t *testing.T) {
	assert.Equal(t, "short", HeadTailTruncate("short", 100))
	long := HeadTailTruncate(string(make([]byte, 100)), 10)
	assert.Contains(t, long, "... [truncated] ...")
	assert.Less(t, len(long), 100)
}

func TestHeadTailTruncateMultibyte(t *testing.T) {
	long := HeadTailTruncate(strings.Repeat("栈", 100), 10)
	assert.True(t, utf8.ValidString(long))
	assert.Contains(t, long, "... [truncated] ...")
	assert.Equal(t, 10, utf8.RuneCountInString(strings.ReplaceAll(long, "\n... [truncated] ...\n", "")))
}

func TestClipCountsRunes(t *testing.T) {
	clipped := clip(strings.Repeat("帧", 90), 80)
	assert.True(t, utf8.ValidString(clipped))
	assert.Equal(t, 80, utf8.RuneCountInString(clipped))
	assert.Equal(t, "a b", clip("a\nb", 80))
}

func TestColorText(t *testing.T) {
	assert.Equal(t, "\033[31mx\033[0m", ColorText("x", "red", false, true))
	assert.Equal(t, "\033[1m\033[36mx\033[0m", ColorText("x", "cyan", true, true))
	assert.Equal(t, "x", ColorText("x", "red", false, false))
	assert.Equal(t, "x", ColorText("x", "chartreuse", false, true))
}
