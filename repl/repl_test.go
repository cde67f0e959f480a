package repl

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbgcopilot/dbgcopilot/core"
	"github.com/dbgcopilot/dbgcopilot/llm"
)

func newTestREPL(t *testing.T) (*REPL, *bytes.Buffer) {
	t.Helper()
	t.Setenv(llm.ProvidersPathEnv, filepath.Join(t.TempDir(), "providers.json"))
	registry, err := llm.NewRegistry(nil)
	require.NoError(t, err)
	out := &bytes.Buffer{}
	r := New(registry, core.DefaultPromptConfig(), nil, strings.NewReader(""), out)
	return r, out
}

func TestHandleLineExitAndQuit(t *testing.T) {
	for _, word := range []string{"exit", "quit"} {
		r, _ := newTestREPL(t)
		response, done := r.HandleLine(word + "\n")
		assert.True(t, done)
		assert.Equal(t, "Exiting copilot>", response)
	}
}

func TestHandleLineEmptyIsNoop(t *testing.T) {
	r, _ := newTestREPL(t)
	response, done := r.HandleLine("   \n")
	assert.False(t, done)
	assert.Empty(t, response)
}

func TestHelpListsEveryCommand(t *testing.T) {
	r, _ := newTestREPL(t)
	response, _ := r.HandleLine("/help")
	for _, want := range []string{"/use", "/new", "/chatlog", "/config", "/auto", "/prompts", "/exec", "/colors", "/llm"} {
		assert.Contains(t, response, want)
	}
}

func TestUnknownSlashCommand(t *testing.T) {
	r, _ := newTestREPL(t)
	response, _ := r.HandleLine("/bogus")
	assert.Equal(t, "Unknown slash command. Try /help", response)
}

func TestNaturalLanguageWithoutBackend(t *testing.T) {
	r, _ := newTestREPL(t)
	response, _ := r.HandleLine("why did it crash?")
	assert.Equal(t, "No debugger selected. Use /use gdb first.", response)
}

func TestNewRotatesSession(t *testing.T) {
	r, _ := newTestREPL(t)
	old := r.State().SessionID
	response, _ := r.HandleLine("/new")
	assert.NotEqual(t, old, r.State().SessionID)
	assert.Equal(t, "New session: "+r.State().SessionID, response)
}

func TestChatlogEmpty(t *testing.T) {
	r, _ := newTestREPL(t)
	response, _ := r.HandleLine("/chatlog")
	assert.Equal(t, "No chat yet.", response)
}

func TestAutoApproveLifecycle(t *testing.T) {
	r, _ := newTestREPL(t)

	response, _ := r.HandleLine("/auto status")
	assert.Equal(t, "Auto-approve is currently disabled. Use /auto on|off to change it.", response)

	response, _ = r.HandleLine("/auto on")
	assert.Contains(t, response, "Auto-approve enabled (limit")
	assert.True(t, r.State().AutoAcceptCommands)

	response, _ = r.HandleLine("/auto on")
	assert.Equal(t, "Auto-approve already enabled.", response)

	response, _ = r.HandleLine("/auto status")
	assert.Contains(t, response, "Auto-approve is currently enabled")
	assert.Contains(t, response, "rounds remaining")

	response, _ = r.HandleLine("/auto off")
	assert.Equal(t, "Auto-approve disabled: confirmations required before running commands.", response)

	response, _ = r.HandleLine("/auto off")
	assert.Equal(t, "Auto-approve already disabled.", response)

	response, _ = r.HandleLine("/auto toggle")
	assert.Contains(t, response, "Auto-approve enabled (limit")
	response, _ = r.HandleLine("/auto toggle")
	assert.Equal(t, "Auto-approve disabled.", response)

	response, _ = r.HandleLine("/auto sideways")
	assert.Equal(t, "Usage: /auto [on|off|toggle|status]", response)
}

func TestExecWithoutBackend(t *testing.T) {
	r, _ := newTestREPL(t)
	response, _ := r.HandleLine("/exec bt")
	assert.Equal(t, "No debugger selected. Use /use gdb first.", response)
}

func TestColorsUsage(t *testing.T) {
	r, _ := newTestREPL(t)
	response, _ := r.HandleLine("/colors sideways")
	assert.Equal(t, "Usage: /colors on|off", response)
}

func TestPromptsShowAndUsage(t *testing.T) {
	r, _ := newTestREPL(t)
	response, _ := r.HandleLine("/prompts show")
	assert.Contains(t, response, "Prompt source: built-in defaults")
	assert.Contains(t, response, "max_context_chars")

	response, _ = r.HandleLine("/prompts")
	assert.Equal(t, "Usage: /prompts show | /prompts reload", response)
}

func TestConfigMasksAPIKeys(t *testing.T) {
	r, _ := newTestREPL(t)
	r.State().Config["openrouter_api_key"] = "sk-secret"
	r.State().Config["gdb_path"] = "/usr/bin/gdb"
	response, _ := r.HandleLine("/config")
	assert.NotContains(t, response, "sk-secret")
	assert.Contains(t, response, "openrouter_api_key=***")
	assert.Contains(t, response, "gdb_path=/usr/bin/gdb")
}

func TestAgentRedirect(t *testing.T) {
	r, _ := newTestREPL(t)
	response, _ := r.HandleLine("/agent find the crash")
	assert.Equal(t, "Agent mode has moved to the dbgagent command.", response)
}

func TestLLMListAndUse(t *testing.T) {
	r, _ := newTestREPL(t)

	response, _ := r.HandleLine("/llm list")
	assert.Contains(t, response, "Available LLM providers:")
	assert.Contains(t, response, "mock-local")
	assert.Contains(t, response, "openrouter")

	response, _ = r.HandleLine("/llm use nope")
	assert.Equal(t, "Unknown provider: nope", response)

	response, _ = r.HandleLine("/llm use ollama")
	assert.Equal(t, "Selected provider: ollama", response)
	assert.Equal(t, "ollama", r.State().SelectedProvider)
	assert.Equal(t, "ollama", r.State().Config["llm_provider"])

	response, _ = r.HandleLine("/llm list")
	assert.Contains(t, response, "* ollama")
}

func TestLLMModelCommands(t *testing.T) {
	r, _ := newTestREPL(t)
	_, _ = r.HandleLine("/llm use ollama")

	response, _ := r.HandleLine("/llm model")
	assert.Contains(t, response, "ollama default model:")

	response, _ = r.HandleLine("/llm model session qwen3:8b")
	assert.Equal(t, "Session model override for ollama set to: qwen3:8b", response)
	assert.Equal(t, "qwen3:8b", r.State().Config["ollama_model"])

	response, _ = r.HandleLine("/llm model")
	assert.Contains(t, response, "Session override: qwen3:8b")

	response, _ = r.HandleLine("/llm model session clear")
	assert.Equal(t, "Session model override cleared for ollama.", response)
	_, present := r.State().Config["ollama_model"]
	assert.False(t, present)

	response, _ = r.HandleLine("/llm model set kimi moonshot-v1-32k")
	assert.Equal(t, "Default model for kimi set to: moonshot-v1-32k", response)
	response, _ = r.HandleLine("/llm model get kimi")
	assert.Contains(t, response, "kimi default model: moonshot-v1-32k")

	response, _ = r.HandleLine("/llm model set kimi none")
	assert.Equal(t, "Default model for kimi cleared.", response)
}

func TestLLMModelLegacySyntax(t *testing.T) {
	r, _ := newTestREPL(t)
	_, _ = r.HandleLine("/llm use ollama")
	response, _ := r.HandleLine("/llm model llama3.2")
	assert.Contains(t, response, "Session model override for ollama set to: llama3.2")
	assert.Contains(t, response, "legacy syntax")
}

func TestLLMKey(t *testing.T) {
	r, _ := newTestREPL(t)

	response, _ := r.HandleLine("/llm key openrouter")
	assert.Equal(t, "Usage: /llm key <provider> <api_key>", response)

	response, _ = r.HandleLine("/llm key openrouter sk-test-123")
	assert.Equal(t, "openrouter API key set for this session.", response)
	assert.Equal(t, "sk-test-123", r.State().Config["openrouter_api_key"])

	response, _ = r.HandleLine("/llm key openrouter clear")
	assert.Equal(t, "API key cleared for openrouter (session only).", response)
	_, present := r.State().Config["openrouter_api_key"]
	assert.False(t, present)
}

func TestLLMProviderCommands(t *testing.T) {
	r, _ := newTestREPL(t)

	response, _ := r.HandleLine("/llm provider path")
	assert.Contains(t, response, "Provider config path: ")
	assert.Contains(t, response, "providers.json")

	response, _ = r.HandleLine("/llm provider show deepseek")
	assert.Contains(t, response, "https://api.deepseek.com/v1")

	response, _ = r.HandleLine("/llm provider get glm base_url")
	assert.Equal(t, "glm.base_url: https://open.bigmodel.cn", response)

	response, _ = r.HandleLine("/llm provider set ollama model llama3.2")
	assert.Equal(t, "Updated model for provider ollama: llama3.2", response)

	response, _ = r.HandleLine("/llm provider set ollama model none")
	assert.Equal(t, "Cleared model for provider: ollama", response)

	response, _ = r.HandleLine("/llm provider add lab http://localhost:9999 - my-model local lab box")
	assert.Contains(t, response, "Added provider 'lab'.")
	assert.Contains(t, response, "providers.json")

	response, _ = r.HandleLine("/llm use lab")
	assert.Equal(t, "Selected provider: lab", response)

	response, _ = r.HandleLine("/llm provider reload")
	assert.Equal(t, "Provider registry reloaded.", response)
	assert.NotNil(t, r.registry.GetProvider("lab"))
}

func TestLLMParamsLifecycle(t *testing.T) {
	r, _ := newTestREPL(t)
	_, _ = r.HandleLine("/llm use deepseek")

	response, _ := r.HandleLine("/llm params list")
	assert.Contains(t, response, "deepseek parameter capabilities:")
	assert.Contains(t, response, "- session overrides: (none)")

	response, _ = r.HandleLine("/llm params set temp 0.7")
	assert.Contains(t, response, "Session override for deepseek temperature set to 0.7")

	response, _ = r.HandleLine("/llm params set enable_thinking true")
	assert.Contains(t, response, "thinking.enabled")
	assert.Contains(t, response, "set to true")

	response, _ = r.HandleLine("/llm params get temperature")
	assert.Equal(t, "deepseek temperature: 0.7", response)

	response, _ = r.HandleLine("/llm params list")
	assert.Contains(t, response, "- session overrides:")
	assert.Contains(t, response, "temperature = 0.7")

	response, _ = r.HandleLine("/llm params set temperature none")
	assert.Equal(t, "Cleared session override for deepseek temperature.", response)

	response, _ = r.HandleLine("/llm params clear all")
	assert.Equal(t, "Cleared all session overrides for deepseek.", response)

	response, _ = r.HandleLine("/llm params clear all")
	assert.Equal(t, "No session overrides to clear for deepseek.", response)

	response, _ = r.HandleLine("/llm params get max_tokens")
	assert.Equal(t, "No session override set for deepseek max_tokens.", response)
}

func TestLLMParamsExplicitProvider(t *testing.T) {
	r, _ := newTestREPL(t)
	response, _ := r.HandleLine("/llm params set qwen top_p 0.9")
	assert.Contains(t, response, "Session override for qwen top_p set to 0.9")

	response, _ = r.HandleLine("/llm params get qwen top_p")
	assert.Equal(t, "qwen top_p: 0.9", response)

	response, _ = r.HandleLine("/llm params clear qwen top_p")
	assert.Equal(t, "Cleared session override for qwen top_p.", response)
}

func TestLLMParamsNoProvider(t *testing.T) {
	r, _ := newTestREPL(t)
	response, _ := r.HandleLine("/llm params set temperature 0.5")
	assert.Equal(t, "No provider selected. Use /llm use <name> first or pass a provider.", response)
}

func TestLLMUsageStrings(t *testing.T) {
	r, _ := newTestREPL(t)
	response, _ := r.HandleLine("/llm")
	assert.Contains(t, response, "Usage: /llm list")

	response, _ = r.HandleLine("/llm params")
	assert.Contains(t, response, "Usage: /llm params list")

	response, _ = r.HandleLine("/llm provider")
	assert.Contains(t, response, "Usage: /llm provider list")
}

func TestValidatePath(t *testing.T) {
	dir := t.TempDir()
	resolved, msg := validatePath(dir)
	assert.Empty(t, msg)
	assert.Equal(t, dir, resolved)

	_, msg = validatePath(filepath.Join(dir, "missing"))
	assert.Contains(t, msg, "not found")
}

func TestRunBannerAndEOF(t *testing.T) {
	t.Setenv(llm.ProvidersPathEnv, filepath.Join(t.TempDir(), "providers.json"))
	registry, err := llm.NewRegistry(nil)
	require.NoError(t, err)
	out := &bytes.Buffer{}
	r := New(registry, core.DefaultPromptConfig(), nil, strings.NewReader("/help\n"), out)
	require.NoError(t, r.Run())
	text := out.String()
	assert.Contains(t, text, "Standalone REPL. Type /help.")
	assert.Contains(t, text, "Exiting copilot>")
}
