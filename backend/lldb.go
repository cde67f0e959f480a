package backend

import (
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/pty"
)

var (
	lldbDefaultPromptRE = regexp.MustCompile(`\(lldb\)\s`)
	dwarfIndexingRE     = regexp.MustCompile(`^\s*\[\d+/\d+\]\s+Manually indexing DWARF:.*$`)
)

// lldbNoisePrefixes are symbol-loading progress lines that LLDB interleaves
// with command output on slow targets.
var lldbNoisePrefixes = []string{
	"Locating external symbol file:",
	"Parsing symbol table:",
	"Reading binary from memory:",
}

// LldbOptions configures an LLDB subprocess backend.
type LldbOptions struct {
	// Path is the lldb binary; empty selects "lldb".
	Path string
	// Rust resolves rust-lldb from PATH and applies Rust-friendly defaults.
	Rust    bool
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

// Lldb drives an interactive lldb child over a pseudo-terminal. LLDB's
// terminal handling is noisier than gdb's, so the backend installs its own
// prompt and captures output in cycles until it sees the echoed command.
type Lldb struct {
	name   string
	path   string
	prompt string
	rust   bool

	timeout time.Duration
	logger  *zap.SugaredLogger

	handle   *pty.Handle
	promptRE *regexp.Regexp

	emptyCount      int
	suggestedOnce   bool
	timeoutReported bool
}

// NewLldb creates an LLDB subprocess backend.
func NewLldb(opts LldbOptions) *Lldb {
	name := "lldb"
	prompt := "(lldb)"
	path := opts.Path
	if opts.Rust {
		name = "lldb-rust"
		prompt = "(lldb-rust)"
		if path == "" {
			if rust, err := exec.LookPath("rust-lldb"); err == nil {
				path = rust
			}
		}
	}
	if path == "" {
		path = "lldb"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Lldb{
		name:    name,
		path:    path,
		prompt:  prompt,
		rust:    opts.Rust,
		timeout: timeout,
		logger:  logger,
	}
}

func (l *Lldb) Name() string   { return l.name }
func (l *Lldb) Prompt() string { return l.prompt + " " }

// Initialize spawns lldb, installs a custom prompt, and configures
// non-interactive behavior.
func (l *Lldb) Initialize() error {
	h, err := pty.Spawn(pty.Options{
		Argv:    []string{l.path},
		Timeout: l.timeout,
		Logger:  l.logger,
	})
	if err != nil {
		return errors.Wrapf(err, "lldb: spawning %s", l.path)
	}
	l.handle = h
	l.promptRE = nil
	l.emptyCount = 0
	l.timeoutReported = false

	// Flush the default prompt before switching to our own.
	_, _ = l.expectPrompt(0)

	if err := h.SendLine("settings set prompt " + l.prompt + " "); err == nil {
		l.promptRE = pty.PromptRegexp(l.prompt)
		if _, err := l.expectPrompt(0); err != nil {
			// Nudge with a newline; the prompt change sometimes emits noise.
			_ = h.SendLine("")
			_, _ = l.expectPrompt(0)
		}
	}
	l.sendAndCapture("settings set auto-confirm true", 0)

	if l.rust {
		for _, cmd := range []string{
			"settings set target.process.thread.step-avoid-regexp '^(__rust_begin_short_backtrace|core::|std::)'",
			"settings set prompt " + l.prompt + " ",
			"command alias bt backtrace",
		} {
			l.RunCommand(cmd, 0)
		}
	}
	return nil
}

func (l *Lldb) expectPrompt(timeout time.Duration) (string, error) {
	if l.handle == nil {
		return "", errors.Wrap(errors.ErrClosed, "lldb subprocess is not running")
	}
	re := l.promptRE
	if re == nil {
		re = lldbDefaultPromptRE
	}
	return l.handle.ExpectPrompt(re, timeout)
}

func filterDwarfNoise(text string) string {
	if text == "" {
		return text
	}
	var filtered []string
	for _, ln := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(pty.StripANSI(ln))
		if stripped == "" {
			continue
		}
		if dwarfIndexingRE.MatchString(stripped) {
			continue
		}
		noisy := false
		for _, pref := range lldbNoisePrefixes {
			if strings.HasPrefix(stripped, pref) {
				noisy = true
				break
			}
		}
		if noisy {
			continue
		}
		filtered = append(filtered, ln)
	}
	return strings.Join(filtered, "\n")
}

// sendAndCaptureRaw reads prompt-delimited chunks until one begins with the
// echoed command, up to a few cycles. LLDB redraws the prompt while the
// target is loading, which otherwise yields empty captures.
func (l *Lldb) sendAndCaptureRaw(cmd string, timeout time.Duration) (string, error) {
	if l.handle == nil {
		return "", errors.Wrap(errors.ErrClosed, "lldb subprocess is not running")
	}
	if err := l.handle.SendLine(cmd); err != nil {
		return "", err
	}
	sanitized := strings.TrimSpace(strings.SplitN(strings.ReplaceAll(cmd, "\r", ""), "\n", 2)[0])
	const maxCycles = 8
	var out, lastChunk string
	for i := 0; i < maxCycles; i++ {
		chunk, err := l.expectPrompt(timeout)
		if err != nil {
			return "", err
		}
		lastChunk = chunk
		if chunk == "" {
			continue
		}
		stripped := pty.StripANSI(chunk)
		if strings.TrimSpace(stripped) == "" {
			continue
		}
		out = chunk
		if sanitized == "" || strings.HasPrefix(strings.TrimLeft(stripped, " \t\r\n"), sanitized) {
			break
		}
	}
	if out == "" {
		return lastChunk, nil
	}
	return out, nil
}

func (l *Lldb) sendAndCapture(cmd string, timeout time.Duration) string {
	out, err := l.sendAndCaptureRaw(cmd, timeout)
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			if l.timeoutReported {
				return ""
			}
			l.timeoutReported = true
			return fmt.Sprintf("[lldb timeout] %s: Timeout exceeded.", cmd)
		}
		if errors.Is(err, errors.ErrEOF) {
			l.shutdown()
			return ""
		}
		return fmt.Sprintf("[lldb error] %s: %s", cmd, err)
	}
	text := strings.TrimLeft(filterDwarfNoise(out), "\r\n")
	lines := strings.Split(text, "\n")
	if len(lines) > 0 {
		firstClean := strings.TrimSpace(pty.StripANSI(lines[0]))
		if firstClean == strings.TrimSpace(cmd) {
			lines = lines[1:]
		}
	}
	return strings.Join(lines, "\n")
}

func (l *Lldb) shutdown() {
	if l.handle != nil {
		l.handle.Close(true)
		l.handle = nil
	}
}

// RunCommand executes one or more lldb commands and returns combined output.
// Consecutive empty or timed-out captures trigger a one-time hint about the
// Python API backend, which captures output more reliably.
func (l *Lldb) RunCommand(cmd string, timeout time.Duration) string {
	raw := strings.TrimSpace(cmd)
	var parts []string
	if strings.HasPrefix(strings.ToLower(raw), "script ") {
		parts = []string{raw}
	} else {
		parts = SplitCommands(raw)
		if len(parts) == 0 && raw != "" {
			parts = []string{raw}
		}
	}

	var outputs []string
	for _, part := range parts {
		out := l.sendAndCapture(part, timeout)
		norm := strings.ReplaceAll(out, "\r\n", "\n")
		if strings.HasPrefix(norm, "[lldb timeout]") {
			l.emptyCount++
			outputs = append(outputs, norm)
			continue
		}
		if strings.TrimSpace(norm) != "" {
			l.emptyCount = 0
		} else {
			l.emptyCount++
		}
		outputs = append(outputs, norm)
	}

	rendered := joinOutputs(outputs)
	const emptyThreshold = 2
	if !l.suggestedOnce && l.emptyCount >= emptyThreshold {
		l.suggestedOnce = true
		suggest := strings.Join([]string{
			"[copilot] Observed consecutive empty/timeout outputs from LLDB subprocess.",
			"For more reliable capture, try the LLDB Python API backend (preferred).",
			lldbInstallHint(),
		}, "\n")
		if rendered != "" {
			return rendered + "\n" + suggest
		}
		return suggest
	}
	return rendered
}

func lldbInstallHint() string {
	switch runtime.GOOS {
	case "linux":
		return "Hint: install LLDB Python bindings: sudo apt install lldb python3-lldb"
	case "darwin":
		return "Hint: install Xcode CLT, then verify: xcrun python3 -c 'import lldb' (or conda install -c conda-forge lldb)"
	case "windows":
		return "Hint: use Conda to install LLDB Python: conda install -c conda-forge lldb"
	default:
		return "Hint: install LLDB Python bindings (e.g., conda install -c conda-forge lldb)"
	}
}

// Close terminates the lldb child, attempting a clean quit first.
func (l *Lldb) Close() {
	if l.handle == nil {
		return
	}
	if l.handle.Alive() {
		if err := l.handle.SendLine("quit"); err == nil {
			if l.handle.WaitEOF(time.Second) {
				l.handle = nil
				return
			}
		}
	}
	l.shutdown()
}
