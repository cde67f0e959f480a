package core

import (
	"fmt"
	"strings"

	"github.com/dbgcopilot/dbgcopilot/session"
)

// BuildMarkdownReport renders a short session snapshot for the web
// front-end and /chatlog-style exports.
func BuildMarkdownReport(state *session.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Debugger Copilot Report — %s\n\n", state.SessionID)
	b.WriteString("## Context\n")
	goal := state.Goal
	if goal == "" {
		goal = "N/A"
	}
	fmt.Fprintf(&b, "- Goal: %s\n\n", goal)

	b.WriteString("## Key Findings\n")
	if len(state.Facts) == 0 {
		b.WriteString("- (none yet)\n")
	}
	for _, fact := range state.Facts {
		fmt.Fprintf(&b, "- %s\n", fact)
	}

	if len(state.Attempts) > 0 {
		b.WriteString("\n## Commands Run\n")
		attempts := state.Attempts
		if len(attempts) > 10 {
			attempts = attempts[len(attempts)-10:]
		}
		for _, a := range attempts {
			fmt.Fprintf(&b, "- `%s`: %s\n", a.Cmd, clip(a.OutputSnippet, 120))
		}
	}
	return b.String()
}
