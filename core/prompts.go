package core

import (
	"encoding/json"
	"os"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

// PromptsPathEnv points at a JSON file overriding the built-in prompt
// configuration. Only the keys present in the file are replaced.
const PromptsPathEnv = "DBGCOPILOT_PROMPTS"

// PromptConfig bundles the system preamble, protocol instructions, and
// rules that shape every orchestrator prompt.
type PromptConfig struct {
	MaxContextChars    int      `json:"max_context_chars"`
	SystemPreamble     string   `json:"system_preamble"`
	CmdTagInstructions string   `json:"assistant_cmd_tag_instructions"`
	Rules              []string `json:"rules"`
	LanguageHintZH     string   `json:"language_hint_zh"`
	AgentPreamble      string   `json:"agent_mode_preamble"`
	AgentFollowup      string   `json:"agent_followup_instruction"`
	MaxAutoSteps       int      `json:"max_auto_steps"`

	// Source records where the active config came from, for /prompts show.
	Source string `json:"-"`
}

// DefaultPromptConfig returns the built-in prompt configuration.
func DefaultPromptConfig() *PromptConfig {
	return &PromptConfig{
		MaxContextChars: 16000,
		SystemPreamble: "You are a debugging copilot embedded inside {debugger}.\n" +
			"Interaction mode: human-in-the-loop. Propose exactly one command and ask for confirmation;\n" +
			"only after the user confirms, respond with <cmd>...</cmd> containing that single command to execute.\n",
		CmdTagInstructions: "Protocol (single-step planning):\n" +
			"1) Propose exactly one {debugger} command to move forward and explicitly ask for confirmation.\n" +
			"   Do NOT use <cmd> during proposal. Format the proposal as: Propose: `command` - <short description>.\n" +
			"2) After the user confirms (yes/ok), reply with a single line containing ONLY <cmd>...</cmd> and no other text.\n" +
			"   Inside <cmd>, include exactly one command. Never include multiple commands or ';'.\n" +
			"3) The tool executes it and returns fresh output to you. Based on that output and the context, propose the next\n" +
			"   single command (again ask for confirmation). Repeat until the goal is achieved.\n" +
			"Example: Propose: `file /path/to/bin` - load the program into the debugger  |  confirm?\n" +
			"         execute (after confirmation only): <cmd>file /path/to/bin</cmd>\n" +
			"Never claim you cannot run commands; use proposals then <cmd> on confirmation.\n" +
			"If a program path is provided (e.g., 'run /path/app'), propose 'file <path>' first; once executed and output\n" +
			"is returned, propose 'run' as the next single step.\n",
		Rules: []string{
			"Prefer the suitable and reasonable command(s) for the situation.",
			"Never fabricate output; quote exact snippets from tool results.",
			"Keep answers concise and actionable.",
			"During proposal, do NOT use <cmd>. During execution, output ONLY <cmd> with exactly one command.",
			"During proposal, do not prefix with 'gdb> '. Use backticks around the command and add a short description.",
			"Never include multiple commands inside <cmd>; do not use ';' to chain commands.",
			"Never say 'I can't run executables directly' or similar disclaimers.",
		},
		LanguageHintZH: "Please answer in Simplified Chinese (中文).\n",
		AgentPreamble: "Agent mode is ON. You are authorized to autonomously investigate the issue using the debugger.\n" +
			"Do NOT ask for human confirmation. When you need to run a command, output ONLY <cmd>THE_SINGLE_COMMAND</cmd> on a line by itself.\n" +
			"Iterate: inspect the latest output and context, decide the single best next step, and either emit <cmd> or conclude.\n" +
			"When you decide to stop (because the root cause/solution is identified or further progress needs input), STOP emitting <cmd> and output a concise Final Report with these sections:\n" +
			"- Analysis Summary: steps you took and the key signals observed (quote exact snippets).\n" +
			"- Root Cause: the most likely cause (with evidence). If unknown, state that clearly.\n" +
			"- Solution/Workaround: the recommended fix or workaround. If unknown, state that clearly.\n" +
			"- If not identified: Why you are stopping (ambiguity, missing data, or constraints) and a prioritized Next Steps list (what to try, what data to collect, or artifacts required).\n" +
			"Do not include <cmd> in the Final Report. Keep it actionable and succinct.",
		AgentFollowup: "Here is the latest command output and context. Decide the next step per the rules.\n" +
			"If another command is needed, output ONLY <cmd>...</cmd>. If you can conclude, output the Final Report using the sections described.",
		MaxAutoSteps: 12,
		Source:       "built-in defaults",
	}
}

// LoadPromptConfig returns the defaults overlaid with the JSON file named
// by DBGCOPILOT_PROMPTS, when set. A missing or malformed file is an
// error so the user notices a broken override.
func LoadPromptConfig() (*PromptConfig, error) {
	cfg := DefaultPromptConfig()
	path := os.Getenv(PromptsPathEnv)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading prompt config %s", path)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing prompt config %s", path)
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = DefaultPromptConfig().MaxContextChars
	}
	if cfg.MaxAutoSteps <= 0 {
		cfg.MaxAutoSteps = DefaultPromptConfig().MaxAutoSteps
	}
	cfg.Source = path
	return cfg, nil
}

// Show renders the active config as indented JSON with a _source field.
func (c *PromptConfig) Show() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return "", err
	}
	flat["_source"] = c.Source
	out, err := json.MarshalIndent(flat, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
