package pty

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripANSI(t *testing.T) {
	in := "\x1b[31mred\x1b[0m plain \x1b[1;32mbold green\x1b[0m"
	assert.Equal(t, "red plain bold green", StripANSI(in))
}

func TestStripBracketedPaste(t *testing.T) {
	in := "\x1b[?2004hbt\r\n#0 main ()\x1b[?2004l"
	assert.Equal(t, "bt\r\n#0 main ()", StripBracketedPaste(in))
}

func TestStripEcho(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		captured string
		want     string
	}{
		{
			name:     "echo removed",
			cmd:      "bt",
			captured: "bt\r\n#0  main () at demo.c:12",
			want:     "#0  main () at demo.c:12",
		},
		{
			name:     "colored echo removed",
			cmd:      "info locals",
			captured: "\x1b[1minfo locals\x1b[0m\r\nx = 3",
			want:     "x = 3",
		},
		{
			name:     "no echo preserved",
			cmd:      "bt",
			captured: "#0  main () at demo.c:12",
			want:     "#0  main () at demo.c:12",
		},
		{
			name:     "leading newlines trimmed",
			cmd:      "run",
			captured: "\r\n\r\nStarting program",
			want:     "Starting program",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripEcho(tt.cmd, tt.captured))
		})
	}
}

func TestPromptRegexp(t *testing.T) {
	re := PromptRegexp("(gdb)")

	assert.True(t, re.MatchString("(gdb) "))
	assert.True(t, re.MatchString("\x1b[0m(gdb)\x1b[0m "))
	assert.False(t, re.MatchString("gdb"))

	// Everything before the match is the capture.
	loc := re.FindStringIndex("#0 main ()\n(gdb) ")
	assert.Equal(t, "#0 main ()\n", "#0 main ()\n(gdb) "[:loc[0]])
}
