// Package session holds the per-investigation state shared by the REPL,
// the agent driver, and the web front-end. A State owns its transcript and
// buffers; it never touches the backend directly.
package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Attempt records one executed debugger command and the head of its output.
type Attempt struct {
	Cmd           string
	OutputSnippet string
}

// SnippetLimit bounds the per-attempt output snippet.
const SnippetLimit = 160

// Sink receives a chunk of output as soon as it is produced. When no sink is
// installed the chunk is buffered instead.
type Sink func(chunk string)

// State is the in-memory session datum.
type State struct {
	SessionID string
	Goal      string

	// Chatlog holds alternating "User: …" / "Assistant: …" lines plus
	// "(executed)" entries.
	Chatlog  []string
	Attempts []Attempt
	// Facts are short annotations (Q:/A:/O: lines) feeding prompt context.
	Facts      []string
	LastOutput string

	// Config maps string keys to string-ish values: provider selection,
	// per-provider model/key overrides, parameter stores, auto-approve.
	Config map[string]any

	SelectedProvider string

	// PendingCommand holds at most one command awaiting confirmation.
	PendingCommand string

	PendingOutputs    []string
	PendingChat       []string
	PendingChatEvents []string

	DebuggerOutputSink Sink
	ChatOutputSink     Sink

	AutoAcceptCommands  bool
	AutoRoundsRemaining *int

	LastAnswerStreamed bool
	ColorsEnabled      bool
}

// New creates a session with a fresh short id.
func New() *State {
	return &State{
		SessionID:     NewID(),
		Config:        map[string]any{},
		ColorsEnabled: true,
	}
}

// NewID returns a short opaque session id.
func NewID() string {
	return uuid.NewString()[:8]
}

// Reset rotates the session id and clears the transcript, attempts, facts,
// and last output. Config, provider selection, and sinks survive.
func (s *State) Reset() {
	s.SessionID = NewID()
	s.Chatlog = nil
	s.Attempts = nil
	s.Facts = nil
	s.LastOutput = ""
	s.PendingCommand = ""
	s.PendingOutputs = nil
	s.PendingChat = nil
	s.PendingChatEvents = nil
	s.LastAnswerStreamed = false
}

// RecordAttempt appends an attempt with the output snippet capped. The
// limit counts characters, so multi-byte output is never split mid-rune.
func (s *State) RecordAttempt(cmd, output string) {
	snippet := output
	if runes := []rune(snippet); len(runes) > SnippetLimit {
		snippet = string(runes[:SnippetLimit])
	}
	s.Attempts = append(s.Attempts, Attempt{Cmd: cmd, OutputSnippet: snippet})
}

// EmitDebuggerOutput delivers a chunk through the debugger sink, or buffers
// it when no sink is installed. A chunk is delivered at most once: if the
// sink panics mid-emission the chunk falls back to the buffer.
func (s *State) EmitDebuggerOutput(chunk string) (streamed bool) {
	return emit(chunk, s.DebuggerOutputSink, &s.PendingOutputs)
}

// EmitChat delivers a chat chunk through the chat sink or buffers it.
func (s *State) EmitChat(chunk string) (streamed bool) {
	return emit(chunk, s.ChatOutputSink, &s.PendingChat)
}

// PushChatEvent buffers a serialized structured event for front-end
// consumers to drain. Events never go through the chat sink.
func (s *State) PushChatEvent(payload string) {
	s.PendingChatEvents = append(s.PendingChatEvents, payload)
}

func emit(chunk string, sink Sink, buffer *[]string) (streamed bool) {
	if chunk == "" {
		return false
	}
	if sink == nil {
		*buffer = append(*buffer, chunk)
		return false
	}
	delivered := false
	func() {
		defer func() {
			if recover() != nil {
				delivered = false
			}
		}()
		sink(chunk)
		delivered = true
	}()
	if !delivered {
		*buffer = append(*buffer, chunk)
	}
	return delivered
}

// DrainOutputs returns and clears the buffered debugger output.
func (s *State) DrainOutputs() []string {
	out := s.PendingOutputs
	s.PendingOutputs = nil
	return out
}

// DrainChat returns and clears the buffered chat chunks.
func (s *State) DrainChat() []string {
	out := s.PendingChat
	s.PendingChat = nil
	return out
}

// DrainChatEvents returns and clears the buffered structured events.
func (s *State) DrainChatEvents() []string {
	out := s.PendingChatEvents
	s.PendingChatEvents = nil
	return out
}

// ConfigString returns a string config value, tolerating non-string storage.
func (s *State) ConfigString(key string) string {
	if s.Config == nil {
		return ""
	}
	switch v := s.Config[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return ""
	}
}

// FormatConfig renders the config sorted by key, masking API keys.
func (s *State) FormatConfig() string {
	if len(s.Config) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(s.Config))
	for k := range s.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		value := fmt.Sprintf("%v", s.Config[k])
		if strings.HasSuffix(k, "_api_key") {
			value = "***"
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, value))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// DefaultAutoRoundLimit bounds consecutive auto-approved executions unless
// overridden via config.
const DefaultAutoRoundLimit = 64

// ResolveAutoRoundLimit reads config["auto_round_limit"] with a floor of 1
// and the default when absent or unparseable.
func ResolveAutoRoundLimit(config map[string]any) int {
	if config != nil {
		switch v := config["auto_round_limit"].(type) {
		case int:
			if v >= 1 {
				return v
			}
			return 1
		case float64:
			if int(v) >= 1 {
				return int(v)
			}
			return 1
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				if n >= 1 {
					return n
				}
				return 1
			}
		}
	}
	return DefaultAutoRoundLimit
}

// EnableAutoAccept turns on auto-approve with a fresh round budget and
// returns the limit applied.
func (s *State) EnableAutoAccept() int {
	s.AutoAcceptCommands = true
	s.Config["auto_accept_commands"] = "true"
	limit := ResolveAutoRoundLimit(s.Config)
	s.AutoRoundsRemaining = &limit
	return limit
}

// DisableAutoAccept turns off auto-approve and clears the budget.
func (s *State) DisableAutoAccept() {
	s.AutoAcceptCommands = false
	delete(s.Config, "auto_accept_commands")
	s.AutoRoundsRemaining = nil
}

// ConsumeAutoRound decrements the auto-approve budget; at zero, auto mode
// disables itself. Reports whether auto mode is still enabled.
func (s *State) ConsumeAutoRound() bool {
	if !s.AutoAcceptCommands {
		return false
	}
	if s.AutoRoundsRemaining == nil {
		return true
	}
	remaining := *s.AutoRoundsRemaining - 1
	if remaining <= 0 {
		s.DisableAutoAccept()
		return false
	}
	s.AutoRoundsRemaining = &remaining
	return true
}
