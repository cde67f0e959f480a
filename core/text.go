// Package core implements the per-session turn loop: prompt assembly,
// provider dispatch, command extraction, confirmation gating, and
// execution against the active debugger backend.
package core

import (
	"fmt"
	"strings"
	"unicode"
)

// ansiCodes are the styles used for locally produced text. Backend output
// keeps whatever styling the debugger emitted.
var ansiCodes = map[string]string{
	"reset":   "\033[0m",
	"bold":    "\033[1m",
	"faint":   "\033[2m",
	"red":     "\033[31m",
	"green":   "\033[32m",
	"yellow":  "\033[33m",
	"blue":    "\033[34m",
	"magenta": "\033[35m",
	"cyan":    "\033[36m",
	"gray":    "\033[90m",
}

// ColorText wraps s in ANSI codes when enabled and the color is known.
func ColorText(s, color string, bold, enable bool) string {
	code, ok := ansiCodes[color]
	if !enable || !ok {
		return s
	}
	prefix := code
	if bold {
		prefix = ansiCodes["bold"] + code
	}
	return fmt.Sprintf("%s%s%s", prefix, s, ansiCodes["reset"])
}

// HeadTailTruncate keeps the first and last halves of an oversized string
// with an explicit marker in between. maxChars counts characters, not
// bytes, so multi-byte text truncates on rune boundaries.
func HeadTailTruncate(s string, maxChars int) string {
	runes := []rune(s)
	if maxChars <= 0 || len(runes) <= maxChars {
		return s
	}
	head := string(runes[:maxChars/2])
	tail := string(runes[len(runes)-maxChars/2:])
	return head + "\n... [truncated] ...\n" + tail
}

// wantsChinese reports whether the reply should carry the Chinese language
// hint: either the text contains Han characters or it explicitly asks.
func wantsChinese(text string) bool {
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	lowered := strings.ToLower(text)
	return strings.Contains(lowered, "in chinese") || strings.Contains(lowered, "in simplified chinese")
}

// firstLine returns the first non-empty line of s, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// clip bounds a one-line annotation for the facts list. max counts
// characters.
func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if runes := []rune(s); len(runes) > max {
		return string(runes[:max])
	}
	return s
}
