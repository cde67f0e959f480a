package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/pty"
)

var pdbPromptRE = regexp.MustCompile(`(?:\x1b\[[0-9;?]*[ -/]*[@-~])*\(Pdb\)\s*(?:\x1b\[[0-9;?]*[ -/]*[@-~])*`)

// PdbOptions configures a pdb backend.
type PdbOptions struct {
	// Program is the Python script to debug; may also be set later via
	// the `file` command.
	Program string
	// Python is the interpreter binary; empty selects "python3".
	Python     string
	WorkingDir string
	Timeout    time.Duration
	Logger     *zap.SugaredLogger
}

// Pdb drives `python -m pdb <script>`. `run` always relaunches the
// interpreter so the script restarts from a clean state.
type Pdb struct {
	opts    PdbOptions
	logger  *zap.SugaredLogger
	program string
	handle  *pty.Handle
}

// NewPdb creates a pdb backend.
func NewPdb(opts PdbOptions) *Pdb {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pdb{opts: opts, logger: logger, program: opts.Program}
}

func (p *Pdb) Name() string   { return "pdb" }
func (p *Pdb) Prompt() string { return "(Pdb) " }

// Initialize is a no-op; the interpreter is launched by `run`.
func (p *Pdb) Initialize() error { return nil }

func (p *Pdb) prefix() string { return "[pdb]" }

func (p *Pdb) alive() bool { return p.handle != nil && p.handle.Alive() }

func (p *Pdb) closeChild() {
	if p.handle != nil {
		p.handle.Close(true)
		p.handle = nil
	}
}

// RunCommand interprets session-management commands (file/run/quit and the
// common gdb-style aliases) and forwards everything else to pdb verbatim.
func (p *Pdb) RunCommand(cmd string, timeout time.Duration) string {
	command := strings.TrimSpace(cmd)
	if command == "" {
		return ""
	}
	lower := strings.ToLower(command)

	if strings.HasPrefix(lower, "file ") {
		path := strings.TrimSpace(command[5:])
		if path == "" {
			return p.prefix() + " provide a script path"
		}
		resolved := p.resolveProgramPath(path)
		p.program = resolved
		return fmt.Sprintf("%s script set to %s", p.prefix(), resolved)
	}

	switch lower {
	case "run", "r":
		return p.handleRun(timeout)
	case "quit", "q":
		p.closeChild()
		return p.prefix() + " session terminated"
	}

	if !p.alive() {
		return p.prefix() + " no active session. Use 'run' first."
	}

	switch lower {
	case "continue", "c":
		return p.sendAndCapture("continue", timeout)
	case "next", "n":
		return p.sendAndCapture("next", timeout)
	case "step", "s", "stepin":
		return p.sendAndCapture("step", timeout)
	case "where", "bt", "backtrace":
		return p.sendAndCapture("where", timeout)
	}

	if strings.HasPrefix(lower, "print ") || strings.HasPrefix(lower, "p ") {
		expr := strings.TrimSpace(strings.SplitN(command, " ", 2)[1])
		if expr == "" {
			return p.prefix() + " provide an expression"
		}
		return p.sendAndCapture("p "+expr, timeout)
	}
	if strings.HasPrefix(lower, "info locals") {
		return p.sendAndCapture("p locals()", timeout)
	}

	return p.sendAndCapture(command, timeout)
}

func (p *Pdb) resolveProgramPath(path string) string {
	if !filepath.IsAbs(path) {
		base := p.opts.WorkingDir
		if base == "" {
			base, _ = os.Getwd()
		}
		path = filepath.Join(base, path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func (p *Pdb) handleRun(timeout time.Duration) string {
	if p.program == "" {
		return p.prefix() + " no script configured. Use 'file <script.py>' first."
	}
	p.closeChild()
	if timeout <= 0 {
		timeout = p.opts.Timeout
	}
	workdir := p.opts.WorkingDir
	if workdir == "" {
		workdir = filepath.Dir(p.program)
	}
	handle, err := pty.Spawn(pty.Options{
		Argv:    []string{p.opts.Python, "-m", "pdb", p.program},
		Dir:     workdir,
		Env:     append(os.Environ(), "PYTHONUNBUFFERED=1"),
		Timeout: timeout,
		Logger:  p.logger,
	})
	if err != nil {
		return fmt.Sprintf("%s failed to start python interpreter: %s", p.prefix(), err)
	}
	p.handle = handle

	startup := p.expectInitialPrompt(timeout)
	if !p.alive() {
		if startup != "" {
			return startup
		}
		return p.prefix() + " session ended"
	}
	runOut := p.sendAndCapture("run", timeout)
	return combineChunks(startup, runOut)
}

func (p *Pdb) expectInitialPrompt(timeout time.Duration) string {
	out, err := p.handle.ExpectPrompt(pdbPromptRE, timeout)
	if err != nil {
		if errors.Is(err, errors.ErrEOF) {
			p.handle = nil
			if msg := strings.TrimSpace(out); msg != "" {
				return msg
			}
			return p.prefix() + " process exited before prompt"
		}
		if errors.Is(err, errors.ErrTimeout) {
			return p.prefix() + " timeout waiting for pdb prompt"
		}
		return fmt.Sprintf("%s failed waiting for pdb prompt: %s", p.prefix(), err)
	}
	return strings.TrimSpace(out)
}

func (p *Pdb) sendAndCapture(command string, timeout time.Duration) string {
	if !p.alive() {
		return p.prefix() + " session ended"
	}
	if err := p.handle.SendLine(command); err != nil {
		return fmt.Sprintf("%s failed to send command: %s", p.prefix(), err)
	}
	out, err := p.handle.ExpectPrompt(pdbPromptRE, timeout)
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			partial := normalizePdbOutput(command, out)
			if partial != "" {
				return fmt.Sprintf("%s\n%s timeout waiting for prompt after '%s'", partial, p.prefix(), command)
			}
			return fmt.Sprintf("%s timeout waiting for '%s'", p.prefix(), command)
		}
		if errors.Is(err, errors.ErrEOF) {
			p.handle = nil
			if normalized := normalizePdbOutput(command, out); normalized != "" {
				return normalized
			}
			return p.prefix() + " process exited"
		}
		return fmt.Sprintf("%s error running '%s': %s", p.prefix(), command, err)
	}
	return normalizePdbOutput(command, out)
}

func normalizePdbOutput(command, captured string) string {
	text := strings.TrimLeft(strings.ReplaceAll(captured, "\r\n", "\n"), "\r\n")
	if strings.HasPrefix(text, command) {
		text = strings.TrimLeft(text[len(command):], " \t\r\n")
	}
	return strings.TrimSpace(text)
}

// Close terminates the interpreter.
func (p *Pdb) Close() { p.closeChild() }
