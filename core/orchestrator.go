package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/backend"
	"github.com/dbgcopilot/dbgcopilot/llm"
	"github.com/dbgcopilot/dbgcopilot/session"
)

// cmdRE extracts the first <cmd>…</cmd> directive from a model reply.
var cmdRE = regexp.MustCompile(`(?is)<cmd>\s*(.*?)\s*</cmd>`)

// CmdPattern returns the directive-extraction regexp shared with the
// agent driver.
func CmdPattern() *regexp.Regexp { return cmdRE }

// lastOutputPromptChars bounds how much of the previous debugger output is
// replayed into the prompt.
const lastOutputPromptChars = 2000

// ClientFactory builds session-bound provider clients. The registry
// satisfies it; tests substitute scripted factories.
type ClientFactory interface {
	CreateClient(name string, sessionConfig map[string]any) (*llm.Client, error)
}

// Orchestrator runs the turn loop for one session. It holds non-owning
// references to the session state and the active backend.
type Orchestrator struct {
	State   *session.State
	Backend backend.Backend
	Clients ClientFactory
	Prompts *PromptConfig
	Logger  *zap.SugaredLogger

	// DefaultProvider is used when the session has not selected one.
	DefaultProvider string
}

// NewOrchestrator wires a turn loop over the given state.
func NewOrchestrator(state *session.State, clients ClientFactory, prompts *PromptConfig, logger *zap.SugaredLogger) *Orchestrator {
	if prompts == nil {
		prompts = DefaultPromptConfig()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		State:           state,
		Clients:         clients,
		Prompts:         prompts,
		Logger:          logger,
		DefaultProvider: "mock-local",
	}
}

// SetBackend swaps the active debugger backend.
func (o *Orchestrator) SetBackend(b backend.Backend) { o.Backend = b }

func (o *Orchestrator) backendName() string {
	if o.Backend != nil {
		return o.Backend.Name()
	}
	return "a debugger"
}

func (o *Orchestrator) provider() string {
	if o.State.SelectedProvider != "" {
		return o.State.SelectedProvider
	}
	return o.DefaultProvider
}

func (o *Orchestrator) color(s, color string) string {
	return ColorText(s, color, false, o.State.ColorsEnabled)
}

// Ask runs one user turn. The return value is the user-visible reply, or
// empty when everything was already pushed through a sink.
func (o *Orchestrator) Ask(userText string) string {
	text := strings.TrimSpace(userText)
	o.State.LastAnswerStreamed = false

	// A pending confirmation consumes the turn whatever the reply says;
	// an empty reply declines it.
	if o.State.PendingCommand != "" {
		return o.resolveConfirmation(text)
	}
	if text == "" {
		return ""
	}

	if overflow := o.guardOverflow(text); overflow != "" {
		return overflow
	}

	return o.dispatch(text)
}

// resolveConfirmation consumes the pending command slot based on the
// user's confirmation reply.
func (o *Orchestrator) resolveConfirmation(text string) string {
	cmd := o.State.PendingCommand
	o.State.PendingCommand = ""

	switch strings.ToLower(text) {
	case "y", "yes":
		return o.executeWithFollowup(cmd)
	case "a", "auto", "auto yes", "auto-yes":
		limit := o.State.EnableAutoAccept()
		o.Logger.Debugw("auto-accept enabled", "limit", limit)
		prefix := o.color("Auto-accept enabled for this session.", "yellow")
		return o.combine(prefix, o.executeWithFollowup(cmd))
	default:
		return "Command skipped."
	}
}

// guardOverflow is the cheap pre-dispatch context check. It counts the
// joined chatlog plus the incoming user line and, on overflow, either
// performs the requested reset action or asks the user to choose.
func (o *Orchestrator) guardOverflow(text string) string {
	joined := strings.Join(o.State.Chatlog, "\n")
	userLine := "User: " + text
	if len(joined)+len(userLine) <= o.Prompts.MaxContextChars {
		return ""
	}

	switch strings.ToLower(text) {
	case "summarize and new session":
		return o.summarizeAndReset(joined)
	case "new session":
		o.State.Reset()
		return fmt.Sprintf("Started a new session: %s. Previous context was discarded.", o.State.SessionID)
	default:
		return fmt.Sprintf(
			"Context is too large to send to the model (%d chars, limit %d).\n"+
				"Reply \"summarize and new session\" to compress the transcript into a fresh session,\n"+
				"or \"new session\" to start over without a summary.",
			len(joined)+len(userLine), o.Prompts.MaxContextChars)
	}
}

func (o *Orchestrator) summarizeAndReset(joined string) string {
	trimmed := HeadTailTruncate(joined, o.Prompts.MaxContextChars/2)
	prompt := "Summarize the debugging investigation below in 5-8 short bullets.\n" +
		"Capture the goal, the commands that mattered, and the current hypothesis.\n\n" + trimmed

	summary := ""
	client, err := o.Clients.CreateClient(o.provider(), o.State.Config)
	if err == nil {
		summary, err = client.Generate(prompt)
	}
	if err != nil {
		o.Logger.Warnw("summarization failed", "error", err)
		summary = "(summary unavailable: " + err.Error() + ")"
	}

	o.State.Reset()
	if line := firstLine(summary); line != "" {
		o.State.Facts = append(o.State.Facts, "Summary: "+line)
	}
	return fmt.Sprintf("Started a new session: %s.\nSummary of the previous session:\n%s",
		o.State.SessionID, strings.TrimSpace(summary))
}

// dispatch performs Steps 4-6: provider call, transcript bookkeeping,
// command extraction, and execution or confirmation.
func (o *Orchestrator) dispatch(text string) string {
	prompt := o.buildPrompt(text)

	client, err := o.Clients.CreateClient(o.provider(), o.State.Config)
	var reply string
	if err == nil {
		reply, err = client.Generate(prompt)
	}
	if err != nil {
		o.Logger.Warnw("provider call failed", "provider", o.provider(), "error", err)
		return o.color("LLM provider error: "+err.Error(), "red")
	}
	reply = strings.TrimSpace(reply)

	o.State.Chatlog = append(o.State.Chatlog, "User: "+text, "Assistant: "+reply)
	o.State.Facts = append(o.State.Facts, "Q: "+clip(text, 80), "A: "+clip(reply, 80))

	match := cmdRE.FindStringSubmatch(reply)
	if match == nil {
		return o.surfaceAnswer(reply)
	}
	cmd := strings.TrimSpace(match[1])
	explanation := strings.TrimSpace(cmdRE.ReplaceAllString(reply, ""))

	if o.State.AutoAcceptCommands {
		if explanation != "" && o.State.ChatOutputSink != nil {
			// Delivered through the sink, or parked in the buffer if the
			// sink fails; either way the reply must not repeat it.
			if o.State.EmitChat(o.color(explanation, "cyan")) {
				o.State.LastAnswerStreamed = true
			}
			explanation = ""
		}
		return o.combine(explanation, o.executeWithFollowup(cmd))
	}
	return o.proposeCommand(cmd, explanation)
}

// surfaceAnswer returns a plain reply, streaming it when a chat sink is
// installed.
func (o *Orchestrator) surfaceAnswer(reply string) string {
	colored := o.color(reply, "cyan")
	if o.State.ChatOutputSink == nil {
		return colored
	}
	if o.State.EmitChat(colored) {
		o.State.LastAnswerStreamed = true
	}
	return ""
}

// proposeCommand stashes the pending command and builds the confirmation
// message plus a structured event for front-end consumers.
func (o *Orchestrator) proposeCommand(cmd, explanation string) string {
	o.State.PendingCommand = cmd
	label := fmt.Sprintf("Proposed command: `%s`", cmd)

	event := map[string]string{"type": "command_proposal", "command": cmd, "label": label}
	if explanation != "" {
		event["explanation"] = explanation
	}
	if payload, err := json.Marshal(event); err == nil {
		o.State.PushChatEvent(string(payload))
	}

	var parts []string
	if explanation != "" {
		parts = append(parts, explanation)
	}
	parts = append(parts,
		o.color(label, "yellow"),
		"Run it? (y(es)/n(o)/a(uto yes))")
	return strings.Join(parts, "\n")
}

// executeWithFollowup runs the command and feeds its output back to the
// model as the next turn.
func (o *Orchestrator) executeWithFollowup(cmd string) string {
	display, raw := o.executeOnce(cmd)

	if o.State.AutoAcceptCommands && !o.State.ConsumeAutoRound() {
		notice := o.color("Auto-accept budget exhausted; back to manual confirmation.", "yellow")
		return o.combine(display, notice)
	}

	output := raw
	if strings.TrimSpace(output) == "" {
		output = "(no output)"
	}
	followup := fmt.Sprintf(
		"The debugger command `%s` was executed.\nDebugger output:\n%s\n"+
			"What should we do next? Remember to wrap any future debugger commands inside <cmd>…</cmd>.",
		cmd, output)

	return o.combine(display, o.Ask(followup))
}

// executeOnce runs the command against the backend and performs all the
// session bookkeeping for one execution. It returns the user-facing
// display text and the raw output.
func (o *Orchestrator) executeOnce(cmd string) (display, raw string) {
	if o.Backend == nil {
		msg := "No debugger selected. Use /use gdb first."
		return o.color(msg, "red"), msg
	}

	raw = o.Backend.RunCommand(cmd, 0)

	echo := o.color(fmt.Sprintf("%s> %s", o.Backend.Name(), cmd), "green")
	display = echo
	if raw != "" {
		display = echo + "\n" + raw
	}

	o.State.LastOutput = raw
	o.State.RecordAttempt(cmd, raw)
	o.State.Chatlog = append(o.State.Chatlog, fmt.Sprintf("Assistant: (executed) %s\n%s", cmd, raw))
	if line := firstLine(raw); line != "" {
		o.State.Facts = append(o.State.Facts, "O: "+clip(line, 80))
	}
	if o.State.DebuggerOutputSink != nil {
		o.State.EmitDebuggerOutput(display)
		display = ""
	}
	return display, raw
}

// buildPrompt assembles the bounded prompt for one turn.
func (o *Orchestrator) buildPrompt(text string) string {
	var b strings.Builder
	debugger := o.backendName()

	b.WriteString(strings.ReplaceAll(o.Prompts.SystemPreamble, "{debugger}", debugger))
	b.WriteString("\n")
	b.WriteString(strings.ReplaceAll(o.Prompts.CmdTagInstructions, "{debugger}", debugger))
	if len(o.Prompts.Rules) > 0 {
		b.WriteString("\nRules:\n")
		for _, rule := range o.Prompts.Rules {
			b.WriteString("- " + rule + "\n")
		}
	}

	if o.State.Goal != "" {
		b.WriteString("\nGoal: " + o.State.Goal + "\n")
	}
	if len(o.State.Attempts) > 0 {
		b.WriteString("\nRecent attempts:\n")
		attempts := o.State.Attempts
		if len(attempts) > 5 {
			attempts = attempts[len(attempts)-5:]
		}
		for _, a := range attempts {
			b.WriteString(fmt.Sprintf("- %s: %s\n", a.Cmd, a.OutputSnippet))
		}
	}
	if o.State.LastOutput != "" {
		b.WriteString("\nLast debugger output:\n")
		b.WriteString(HeadTailTruncate(o.State.LastOutput, lastOutputPromptChars))
		b.WriteString("\n")
	}
	if len(o.State.Chatlog) > 0 {
		b.WriteString("\nConversation so far:\n")
		b.WriteString(strings.Join(o.State.Chatlog, "\n"))
		b.WriteString("\n")
	}
	if wantsChinese(text) {
		b.WriteString("\n" + o.Prompts.LanguageHintZH)
	}
	b.WriteString("\nUser: " + text + "\nAssistant:")
	return b.String()
}

// combine joins non-empty visible segments with newlines.
func (o *Orchestrator) combine(parts ...string) string {
	var visible []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			visible = append(visible, p)
		}
	}
	return strings.Join(visible, "\n")
}

// Summary renders a deterministic snapshot of the session.
func (o *Orchestrator) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", o.State.SessionID)
	fmt.Fprintf(&b, "Debugger: %s\n", o.backendName())
	fmt.Fprintf(&b, "Provider: %s\n", o.provider())
	if o.State.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", o.State.Goal)
	}
	if len(o.State.Attempts) > 0 {
		b.WriteString("Recent commands:\n")
		attempts := o.State.Attempts
		if len(attempts) > 5 {
			attempts = attempts[len(attempts)-5:]
		}
		for _, a := range attempts {
			fmt.Fprintf(&b, "- %s: %s\n", a.Cmd, a.OutputSnippet)
		}
	}
	if o.State.LastOutput != "" {
		b.WriteString("Last output:\n")
		b.WriteString(HeadTailTruncate(o.State.LastOutput, 500))
		b.WriteString("\n")
	}
	if len(o.State.Facts) > 0 {
		b.WriteString("Notes:\n")
		facts := o.State.Facts
		if len(facts) > 8 {
			facts = facts[len(facts)-8:]
		}
		for _, f := range facts {
			b.WriteString("- " + f + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
