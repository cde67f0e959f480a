package core

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/llm"
	"github.com/dbgcopilot/dbgcopilot/session"
)

// scriptedFactory replays canned model replies and records the prompts it
// was asked to complete.
type scriptedFactory struct {
	replies []string
	prompts []string
	err     error
}

func (f *scriptedFactory) CreateClient(name string, _ map[string]any) (*llm.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	return llm.NewClient(name, "scripted", func(prompt string) (string, *llm.UsageRecord, error) {
		f.prompts = append(f.prompts, prompt)
		reply := "(done)"
		if len(f.replies) > 0 {
			reply = f.replies[0]
			f.replies = f.replies[1:]
		}
		return reply, nil, nil
	}), nil
}

// fakeDebugger records commands and returns a fixed output.
type fakeDebugger struct {
	cmds   []string
	output string
}

func (f *fakeDebugger) Name() string      { return "gdb" }
func (f *fakeDebugger) Prompt() string    { return "(gdb) " }
func (f *fakeDebugger) Initialize() error { return nil }
func (f *fakeDebugger) Close()            {}
func (f *fakeDebugger) RunCommand(cmd string, _ time.Duration) string {
	f.cmds = append(f.cmds, cmd)
	return f.output
}

func newTestOrchestrator(factory *scriptedFactory) (*Orchestrator, *session.State, *fakeDebugger) {
	state := session.New()
	state.ColorsEnabled = false
	dbg := &fakeDebugger{output: "#0  main () at main.c:3"}
	o := NewOrchestrator(state, factory, DefaultPromptConfig(), nil)
	o.SetBackend(dbg)
	return o, state, dbg
}

func TestAskEmptyInputIsNoop(t *testing.T) {
	o, state, _ := newTestOrchestrator(&scriptedFactory{})
	assert.Empty(t, o.Ask("   "))
	assert.Empty(t, state.Chatlog)
}

func TestAskPlainAnswer(t *testing.T) {
	factory := &scriptedFactory{replies: []string{"The stack looks healthy."}}
	o, state, dbg := newTestOrchestrator(factory)

	reply := o.Ask("does the stack look ok?")
	assert.Equal(t, "The stack looks healthy.", reply)
	assert.Empty(t, dbg.cmds)
	require.Len(t, state.Chatlog, 2)
	assert.Equal(t, "User: does the stack look ok?", state.Chatlog[0])
	assert.Equal(t, "Assistant: The stack looks healthy.", state.Chatlog[1])
}

func TestManualProposalAndDecline(t *testing.T) {
	factory := &scriptedFactory{replies: []string{"Let's run it. <cmd>run</cmd>"}}
	o, state, dbg := newTestOrchestrator(factory)

	reply := o.Ask("start the program")
	assert.Contains(t, reply, "Proposed command: `run`")
	assert.Contains(t, reply, "Run it? (y(es)/n(o)/a(uto yes))")
	assert.Equal(t, "run", state.PendingCommand)

	events := state.DrainChatEvents()
	require.Len(t, events, 1)
	var event map[string]string
	require.NoError(t, json.Unmarshal([]byte(events[0]), &event))
	assert.Equal(t, "command_proposal", event["type"])
	assert.Equal(t, "run", event["command"])
	assert.Equal(t, "Let's run it.", event["explanation"])

	// Declining clears the slot without touching the backend.
	assert.Equal(t, "Command skipped.", o.Ask("n"))
	assert.Empty(t, state.PendingCommand)
	assert.Empty(t, dbg.cmds)
	assert.Empty(t, state.Attempts)
}

func TestEmptyConfirmationSkipsPendingCommand(t *testing.T) {
	factory := &scriptedFactory{replies: []string{"Let's run it. <cmd>run</cmd>"}}
	o, state, dbg := newTestOrchestrator(factory)

	o.Ask("start the program")
	require.Equal(t, "run", state.PendingCommand)

	reply := o.Ask("")
	assert.Equal(t, "Command skipped.", reply)
	assert.Empty(t, state.PendingCommand)
	assert.Empty(t, dbg.cmds)
}

func TestManualConfirmExecutes(t *testing.T) {
	factory := &scriptedFactory{replies: []string{
		"Check the stack. <cmd>bt</cmd>",
		"Frame zero is main; nothing suspicious.",
	}}
	o, state, dbg := newTestOrchestrator(factory)

	o.Ask("inspect the crash")
	reply := o.Ask("y")

	assert.Equal(t, []string{"bt"}, dbg.cmds)
	assert.Contains(t, reply, "gdb> bt")
	assert.Contains(t, reply, "Frame zero is main")
	require.Len(t, state.Attempts, 1)
	assert.Equal(t, "bt", state.Attempts[0].Cmd)
	assert.Equal(t, "#0  main () at main.c:3", state.LastOutput)

	// The followup turn carries the executed command and its output.
	require.Len(t, factory.prompts, 2)
	assert.Contains(t, factory.prompts[1], "The debugger command `bt` was executed.")
	assert.Contains(t, factory.prompts[1], "#0  main () at main.c:3")
}

func TestAutoPromotionFromConfirmation(t *testing.T) {
	factory := &scriptedFactory{replies: []string{
		"<cmd>info threads</cmd>",
		"One thread, stopped in main.",
	}}
	o, state, dbg := newTestOrchestrator(factory)

	o.Ask("what threads are alive?")
	reply := o.Ask("a")

	assert.True(t, strings.HasPrefix(reply, "Auto-accept enabled for this session."))
	assert.True(t, state.AutoAcceptCommands)
	require.NotNil(t, state.AutoRoundsRemaining)
	assert.Equal(t, session.DefaultAutoRoundLimit-1, *state.AutoRoundsRemaining)
	assert.Equal(t, []string{"info threads"}, dbg.cmds)
}

func TestAutoModeChainsTurns(t *testing.T) {
	factory := &scriptedFactory{replies: []string{
		"Inspect the stack. <cmd>bt</cmd>",
		"Root cause: null deref in main.",
	}}
	o, state, dbg := newTestOrchestrator(factory)
	state.EnableAutoAccept()

	reply := o.Ask("find the crash")

	assert.Equal(t, []string{"bt"}, dbg.cmds)
	assert.Contains(t, reply, "Inspect the stack.")
	assert.Contains(t, reply, "Root cause: null deref in main.")

	// chatlog: user+assistant, (executed), followup user+assistant.
	require.Len(t, state.Chatlog, 5)
	assert.True(t, strings.HasPrefix(state.Chatlog[2], "Assistant: (executed) bt"))
}

func TestAutoBudgetExhaustionDisablesAutoMode(t *testing.T) {
	factory := &scriptedFactory{replies: []string{"<cmd>bt</cmd>"}}
	o, state, _ := newTestOrchestrator(factory)
	state.Config["auto_round_limit"] = 1
	state.EnableAutoAccept()

	reply := o.Ask("go")

	assert.False(t, state.AutoAcceptCommands)
	assert.Contains(t, reply, "Auto-accept budget exhausted")
	// Exactly one provider call: no followup turn after exhaustion.
	assert.Len(t, factory.prompts, 1)
}

func TestOnlyFirstCmdTagExecutes(t *testing.T) {
	factory := &scriptedFactory{replies: []string{
		"<cmd>bt</cmd> and then <cmd>info locals</cmd>",
		"done",
	}}
	o, state, dbg := newTestOrchestrator(factory)
	state.EnableAutoAccept()

	o.Ask("go")
	assert.Equal(t, []string{"bt"}, dbg.cmds)
}

func TestProviderErrorIsSurfaced(t *testing.T) {
	factory := &scriptedFactory{err: errors.New("deepseek HTTP 401 for https://api.deepseek.com/v1/chat/completions: unauthorized")}
	o, state, _ := newTestOrchestrator(factory)

	reply := o.Ask("hello")
	assert.Contains(t, reply, "LLM provider error:")
	assert.Contains(t, reply, "HTTP 401")
	assert.Empty(t, state.Chatlog)
}

func TestOverflowGuardOffersChoices(t *testing.T) {
	factory := &scriptedFactory{}
	o, state, _ := newTestOrchestrator(factory)
	o.Prompts.MaxContextChars = 100
	state.Chatlog = []string{strings.Repeat("x", 200)}

	reply := o.Ask("keep going")
	assert.Contains(t, reply, "summarize and new session")
	assert.Contains(t, reply, "new session")
	assert.Empty(t, factory.prompts)
}

func TestOverflowSummarizeAndNewSession(t *testing.T) {
	factory := &scriptedFactory{replies: []string{"- crash is in parse_input\n- null check missing"}}
	o, state, _ := newTestOrchestrator(factory)
	o.Prompts.MaxContextChars = 100
	state.Chatlog = []string{strings.Repeat("x", 200)}
	state.RecordAttempt("bt", "frame")
	oldID := state.SessionID

	reply := o.Ask("summarize and new session")

	assert.NotEqual(t, oldID, state.SessionID)
	assert.Empty(t, state.Chatlog)
	assert.Empty(t, state.Attempts)
	assert.Empty(t, state.LastOutput)
	require.NotEmpty(t, state.Facts)
	assert.Equal(t, "Summary: - crash is in parse_input", state.Facts[0])
	assert.Contains(t, reply, state.SessionID)
	assert.Contains(t, reply, "parse_input")
	require.Len(t, factory.prompts, 1)
	assert.Contains(t, factory.prompts[0], "5-8 short bullets")
}

func TestOverflowNewSession(t *testing.T) {
	o, state, _ := newTestOrchestrator(&scriptedFactory{})
	o.Prompts.MaxContextChars = 10
	state.Chatlog = []string{strings.Repeat("x", 50)}
	oldID := state.SessionID

	reply := o.Ask("new session")
	assert.NotEqual(t, oldID, state.SessionID)
	assert.Contains(t, reply, state.SessionID)
}

func TestStreamedAnswerReturnsEmpty(t *testing.T) {
	factory := &scriptedFactory{replies: []string{"streamed answer"}}
	o, state, _ := newTestOrchestrator(factory)
	var got []string
	state.ChatOutputSink = func(chunk string) { got = append(got, chunk) }

	reply := o.Ask("hello")
	assert.Empty(t, reply)
	assert.Equal(t, []string{"streamed answer"}, got)
	assert.True(t, state.LastAnswerStreamed)
}

func TestSinklessReplyCarriesEachChunkOnce(t *testing.T) {
	factory := &scriptedFactory{replies: []string{
		"Inspect the stack. <cmd>bt</cmd>",
		"Root cause: null deref in main.",
	}}
	o, state, _ := newTestOrchestrator(factory)
	state.EnableAutoAccept()

	reply := o.Ask("find the crash")

	assert.Equal(t, 1, strings.Count(reply, "Inspect the stack."))
	assert.Equal(t, 1, strings.Count(reply, "#0  main () at main.c:3"))
	// Without sinks nothing may land in the drain buffers as well.
	assert.Empty(t, state.PendingChat)
	assert.Empty(t, state.PendingOutputs)
}

func TestPanickingSinkBuffersWithoutEcho(t *testing.T) {
	factory := &scriptedFactory{replies: []string{"streamed answer"}}
	o, state, _ := newTestOrchestrator(factory)
	state.ChatOutputSink = func(string) { panic("gone") }

	reply := o.Ask("hello")
	assert.Empty(t, reply)
	assert.Equal(t, []string{"streamed answer"}, state.DrainChat())
	assert.False(t, state.LastAnswerStreamed)
}

func TestNoBackendSelected(t *testing.T) {
	factory := &scriptedFactory{replies: []string{"<cmd>bt</cmd>", "ok"}}
	state := session.New()
	state.ColorsEnabled = false
	state.EnableAutoAccept()
	o := NewOrchestrator(state, factory, DefaultPromptConfig(), nil)

	reply := o.Ask("go")
	assert.Contains(t, reply, "No debugger selected. Use /use gdb first.")
}

func TestSummaryIsDeterministic(t *testing.T) {
	o, state, _ := newTestOrchestrator(&scriptedFactory{})
	state.Goal = "find the crash"
	state.RecordAttempt("bt", "#0 main")
	state.LastOutput = "#0 main"
	state.Facts = []string{"Q: hi", "A: hello"}

	first := o.Summary()
	assert.Equal(t, first, o.Summary())
	assert.Contains(t, first, state.SessionID)
	assert.Contains(t, first, "Debugger: gdb")
	assert.Contains(t, first, "Goal: find the crash")
	assert.Contains(t, first, "- bt: #0 main")
}

func TestBuildPromptChineseHint(t *testing.T) {
	o, _, _ := newTestOrchestrator(&scriptedFactory{})
	prompt := o.buildPrompt("为什么程序崩溃了")
	assert.Contains(t, prompt, "Simplified Chinese")

	prompt = o.buildPrompt("explain the crash in Chinese")
	assert.Contains(t, prompt, "Simplified Chinese")

	prompt = o.buildPrompt("explain the crash")
	assert.NotContains(t, prompt, "Simplified Chinese")
}
