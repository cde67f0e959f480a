package backend

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

func TestSplitCommands(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "   ", nil},
		{"single", "bt", []string{"bt"}},
		{"semicolons", "break main; run; bt", []string{"break main", "run", "bt"}},
		{"newlines", "break main\nrun\nbt", []string{"break main", "run", "bt"}},
		{"mixed", "break main\nrun; bt", []string{"break main", "run", "bt"}},
		{"carriage returns", "run\r\nbt", []string{"run", "bt"}},
		{"script kept whole", "script print(1); print(2)", []string{"script print(1); print(2)"}},
		{"script case insensitive", "Script import os", []string{"Script import os"}},
		{"blank pieces dropped", ";;run;;", []string{"run"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitCommands(tt.raw))
		})
	}
}

func TestIsExit(t *testing.T) {
	exitSet := []string{"quit", "exit", "q"}
	assert.True(t, isExit(exitSet, "quit"))
	assert.True(t, isExit(exitSet, " Q "))
	assert.False(t, isExit(exitSet, "quit all"))
	assert.False(t, isExit(exitSet, "run"))
}

func TestJoinOutputs(t *testing.T) {
	assert.Equal(t, "a\nb", joinOutputs([]string{"a", "", "b"}))
	assert.Equal(t, "", joinOutputs(nil))
}

func TestMarkerRendering(t *testing.T) {
	s := newPtySession("gdb", gdbPromptRE, 0, []string{"quit"}, nil, nil)
	assert.Contains(t, s.marker(errors.ErrTimeout, "bt"), "[gdb timeout] bt:")
	assert.Contains(t, s.marker(errors.ErrEOF, "run"), "[gdb eof] run:")
	assert.Contains(t, s.marker(errors.New("boom"), "x"), "[gdb error] x: boom")
}

func TestFilterDwarfNoise(t *testing.T) {
	in := "frame #0: main\n[1/42] Manually indexing DWARF: foo.o\nParsing symbol table: libc\nactual output"
	out := filterDwarfNoise(in)
	assert.Contains(t, out, "frame #0: main")
	assert.Contains(t, out, "actual output")
	assert.NotContains(t, out, "Manually indexing DWARF")
	assert.NotContains(t, out, "Parsing symbol table")
}

func TestSanitizeR2Output(t *testing.T) {
	assert.Equal(t, "hex dump", sanitizeR2Output("\r\n\x1b[32mhex dump\x1b[0m\n\n"))
	assert.Equal(t, "", sanitizeR2Output("\n  \n"))
}

func TestDetectJavaPackage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "Main.java")
	require.NoError(t, os.WriteFile(src, []byte("// header\npackage com.example.app;\npublic class Main {}\n"), 0o644))
	assert.Equal(t, "com.example.app", detectJavaPackage(src))

	noPkg := filepath.Join(dir, "Bare.java")
	require.NoError(t, os.WriteFile(noPkg, []byte("public class Bare {}\n"), 0o644))
	assert.Equal(t, "", detectJavaPackage(noPkg))
}

func TestJdbSessionCommands(t *testing.T) {
	j := NewJdb(JdbOptions{})
	out := j.RunCommand("classpath /tmp/classes", 0)
	assert.Contains(t, out, "classpath set to /tmp/classes")
	out = j.RunCommand("quit", 0)
	assert.Contains(t, out, "session terminated")
}

func TestPdbRequiresRunFirst(t *testing.T) {
	p := NewPdb(PdbOptions{})
	assert.Contains(t, p.RunCommand("bt", 0), "no active session. Use 'run' first.")
	assert.Contains(t, p.RunCommand("run", 0), "no script configured")
	out := p.RunCommand("file demo.py", 0)
	assert.Contains(t, out, "script set to ")
	assert.Contains(t, out, "demo.py")
}

func TestDelveRequiresProgram(t *testing.T) {
	_, err := NewDelve(DelveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "program path")
}

func TestRadare2RequiresProgram(t *testing.T) {
	_, err := NewRadare2(Radare2Options{})
	require.Error(t, err)
}

func TestRadare2PromptTracksSeek(t *testing.T) {
	r := &Radare2{}
	assert.Equal(t, "[0x00000000]> ", r.Prompt())
	r.seek = "0x00001040"
	assert.Equal(t, "[0x00001040]> ", r.Prompt())
}

func TestRadare2SeekCommandDetection(t *testing.T) {
	assert.True(t, isR2SeekCommand("s 0x1040"))
	assert.True(t, isR2SeekCommand("s main"))
	assert.True(t, isR2SeekCommand("s+16"))
	assert.True(t, isR2SeekCommand("s- 4"))
	// Bare `s` prints the seek without moving it.
	assert.False(t, isR2SeekCommand("s"))
	assert.False(t, isR2SeekCommand("pdf"))
	assert.False(t, isR2SeekCommand(""))
}

func TestRadare2MarkerDistinguishesTimeout(t *testing.T) {
	r := &Radare2{}
	assert.Contains(t, r.marker(errors.ErrTimeout, "aaa"), "[radare2 timeout] aaa:")
	assert.Contains(t, r.marker(errors.ErrEOF, "pdf"), "[radare2 eof] pdf:")
	assert.Contains(t, r.marker(errors.New("boom"), "pdf"), "[radare2 error] pdf:")
}

func TestRadare2StderrBufferIsBounded(t *testing.T) {
	r := &Radare2{}
	for i := 0; i < r2StderrKeep+10; i++ {
		r.pushStderr(fmt.Sprintf("WARN: relocs %d", i))
	}
	lines := r.drainStderr()
	require.Len(t, lines, r2StderrKeep)
	assert.Equal(t, fmt.Sprintf("WARN: relocs %d", r2StderrKeep+9), lines[len(lines)-1])
	assert.Empty(t, r.drainStderr())
}

func TestFactoryNames(t *testing.T) {
	for _, name := range []string{"gdb", "rust-gdb", "lldb", "rust-lldb", "lldb-rust", "jdb", "pdb"} {
		b, err := New(name, Options{})
		require.NoError(t, err, name)
		require.NotNil(t, b, name)
	}
	_, err := New("windbg", Options{})
	require.Error(t, err)

	// delve and radare2 need a program up-front.
	b, err := New("delve", Options{Program: "/bin/true"})
	require.NoError(t, err)
	assert.Equal(t, "delve", b.Name())
}

func TestFactoryPropagatesGdbEnrichment(t *testing.T) {
	for _, name := range []string{"gdb", "rust-gdb"} {
		b, err := New(name, Options{EnrichState: true})
		require.NoError(t, err, name)
		g, ok := b.(*Gdb)
		require.True(t, ok, name)
		assert.True(t, g.opts.EnrichState, name)
	}

	b, err := New("gdb", Options{})
	require.NoError(t, err)
	assert.False(t, b.(*Gdb).opts.EnrichState)
}

func TestLldbAPIExecDropsStaleReplies(t *testing.T) {
	l := NewLldbAPI(LldbAPIOptions{Timeout: time.Second})
	l.cmd = exec.Command("true")
	l.stdin = bufio.NewWriter(&bytes.Buffer{})
	l.replies = make(chan lldbHelperReply, 16)
	l.done = make(chan struct{})

	// A reply left over from an earlier timed-out request must not
	// satisfy the next command.
	l.replies <- lldbHelperReply{OK: true, ID: 99, Output: "late"}
	l.replies <- lldbHelperReply{OK: true, ID: 1, Output: "fresh"}

	out, err := l.exec("bt", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fresh", out)
}

func TestJdbPromptVariants(t *testing.T) {
	assert.True(t, jdbPromptRE.MatchString("> "))
	assert.True(t, jdbPromptRE.MatchString("main[1] > "))
	assert.True(t, jdbPromptRE.MatchString("Thread-1[1] > "))
}
