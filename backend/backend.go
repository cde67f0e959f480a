// Package backend adapts heterogeneous native debuggers to one uniform
// command/response contract. Most backends drive their debugger over a
// pseudo-terminal (package pty); radare2 talks its pipe protocol, and the
// LLDB API variant drives the in-process command interpreter through a
// helper.
//
// RunCommand never fails: transport problems are rendered inline as
// [<name> timeout|eof|error] markers so the orchestrator can feed them
// straight back to the model.
package backend

import (
	"strings"
	"time"
)

// Backend is the uniform contract every debugger adapter implements.
type Backend interface {
	// Name identifies the debugger (gdb, lldb, delve, radare2, jdb, pdb).
	Name() string
	// Prompt is the literal prompt string shown when echoing commands.
	Prompt() string
	// Initialize spawns the underlying debugger and consumes its banner.
	Initialize() error
	// RunCommand executes one user-level command (possibly several
	// primitives split on newlines and ';') and returns the combined
	// output. A zero timeout uses the backend default.
	RunCommand(cmd string, timeout time.Duration) string
	// Close shuts the debugger down. Safe to call more than once.
	Close()
}

// StartupReporter is implemented by backends that buffer a startup banner
// worth echoing to the user after selection.
type StartupReporter interface {
	StartupOutput() string
}

// StartupOutput returns b's startup banner when it exposes one.
func StartupOutput(b Backend) string {
	if r, ok := b.(StartupReporter); ok {
		return r.StartupOutput()
	}
	return ""
}

// SplitCommands breaks raw user input into primitive commands on newlines
// and ';', preserving order. Commands beginning with "script " are kept
// whole so embedded code survives intact.
func SplitCommands(raw string) []string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	if strings.HasPrefix(strings.ToLower(text), "script ") {
		return []string{text}
	}
	var parts []string
	text = strings.ReplaceAll(text, "\r", "\n")
	for _, chunk := range strings.Split(text, "\n") {
		for _, piece := range strings.Split(chunk, ";") {
			if p := strings.TrimSpace(piece); p != "" {
				parts = append(parts, p)
			}
		}
	}
	if len(parts) == 0 {
		return []string{text}
	}
	return parts
}

// isExit reports whether cmd is in the backend's exit set.
func isExit(exitSet []string, cmd string) bool {
	lower := strings.ToLower(strings.TrimSpace(cmd))
	for _, e := range exitSet {
		if lower == e {
			return true
		}
	}
	return false
}

// joinOutputs joins non-empty chunks with newlines.
func joinOutputs(chunks []string) string {
	var kept []string
	for _, c := range chunks {
		if c != "" {
			kept = append(kept, c)
		}
	}
	return strings.Join(kept, "\n")
}
