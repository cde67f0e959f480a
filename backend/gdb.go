package backend

import (
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

var gdbPromptRE = regexp.MustCompile(`\(gdb\)\s`)

// gdbStateChanging lists the commands after which the enriched mode appends
// `info program` and `bt 5` for richer model context.
var gdbStateChanging = map[string]bool{
	"run": true, "r": true,
	"continue": true, "c": true,
	"next": true, "n": true,
	"step": true, "s": true,
	"finish": true, "fin": true,
	"start": true,
}

// GdbOptions configures a GDB backend.
type GdbOptions struct {
	// Path is the gdb binary; empty selects "gdb".
	Path string
	// Rust resolves rust-gdb from PATH, falling back to plain gdb.
	Rust bool
	// EnrichState appends `info program` and `bt 5` after state-changing
	// commands (run/continue/next/step/finish/start and short aliases).
	// The agent driver turns this on through Options.EnrichState.
	EnrichState bool
	Timeout     time.Duration
	Logger      *zap.SugaredLogger
}

// Gdb drives an interactive `gdb -q` child over a pseudo-terminal.
type Gdb struct {
	name    string
	opts    GdbOptions
	session *ptySession
}

// NewGdb creates a GDB subprocess backend.
func NewGdb(opts GdbOptions) *Gdb {
	name := "gdb"
	path := opts.Path
	if opts.Rust {
		name = "rust-gdb"
		if path == "" {
			if rust, err := exec.LookPath("rust-gdb"); err == nil {
				path = rust
			}
		}
	}
	if path == "" {
		path = "gdb"
	}
	g := &Gdb{name: name, opts: opts}
	g.session = newPtySession(name, gdbPromptRE, opts.Timeout, []string{"quit", "exit", "q"}, func() ([]string, string, error) {
		return []string{path, "-q"}, "", nil
	}, opts.Logger)
	return g
}

func (g *Gdb) Name() string   { return g.name }
func (g *Gdb) Prompt() string { return "(gdb) " }

// Initialize spawns gdb, consumes the banner, and configures it for
// non-interactive use.
func (g *Gdb) Initialize() error {
	if err := g.session.start(); err != nil {
		return err
	}
	if _, err := g.session.expectPrompt(0); err != nil {
		return errors.Wrap(err, "gdb: waiting for first prompt")
	}
	initCmds := []string{
		"set pagination off",
		"set height 0",
		"set width 0",
		"set confirm off",
		// Older gdb builds reject this; failures are harmless.
		"set debuginfod enabled off",
	}
	for _, cmd := range initCmds {
		_, _ = g.session.sendAndCapture(cmd, 0)
	}
	return nil
}

// RunCommand executes one or more gdb commands and returns combined output.
func (g *Gdb) RunCommand(cmd string, timeout time.Duration) string {
	parts := SplitCommands(cmd)
	if len(parts) == 0 {
		return ""
	}
	var outputs []string
	for _, part := range parts {
		if isExit(g.session.exitSet, part) {
			outputs = append(outputs, g.session.exitAndRestart(part, g.Initialize))
			break
		}
		out, err := g.session.sendAndCapture(part, timeout)
		if err != nil {
			outputs = append(outputs, g.session.marker(err, part))
			if errors.Is(err, errors.ErrEOF) {
				break
			}
			continue
		}
		outputs = append(outputs, out)
		if g.opts.EnrichState && gdbStateChanging[strings.ToLower(part)] {
			for _, extra := range []string{"info program", "bt 5"} {
				if extraOut, err := g.session.sendAndCapture(extra, timeout); err == nil && extraOut != "" {
					outputs = append(outputs, extraOut)
				}
			}
		}
	}
	return joinOutputs(outputs)
}

// Close force-kills the gdb child.
func (g *Gdb) Close() { g.session.close() }
