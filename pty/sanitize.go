package pty

import (
	"regexp"
	"strings"
)

var (
	ansiRE           = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	bracketedPasteRE = regexp.MustCompile(`\x1b\[\?2004[hl]`)
)

// StripANSI removes ANSI escape sequences from s.
func StripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// StripBracketedPaste removes bracketed-paste mode toggles, which some
// terminals emit around every prompt cycle.
func StripBracketedPaste(s string) string {
	return bracketedPasteRE.ReplaceAllString(s, "")
}

// StripEcho removes the echoed command when it appears as the first captured
// line, and normalizes line endings.
func StripEcho(cmd, captured string) string {
	text := strings.ReplaceAll(captured, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimLeft(text, "\n")
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && strings.TrimSpace(StripANSI(lines[0])) == strings.TrimSpace(cmd) {
		lines = lines[1:]
	}
	return strings.Join(lines, "\n")
}

// PromptRegexp compiles a prompt regex tolerant to surrounding ANSI color
// sequences and trailing whitespace, from a literal prompt string.
func PromptRegexp(literal string) *regexp.Regexp {
	ansi := `(?:\x1b\[[0-9;]*m)*`
	return regexp.MustCompile(ansi + regexp.QuoteMeta(literal) + ansi + `\s*`)
}
