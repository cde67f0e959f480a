package backend

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/pty"
)

// Radare2Options configures a radare2 backend. Program is required.
type Radare2Options struct {
	Program string
	// Path is the radare2 binary; empty selects "radare2", with
	// R2PIPE_PATH honored as an override.
	Path       string
	WorkingDir string
	Timeout    time.Duration
	Logger     *zap.SugaredLogger
}

// Radare2 proxies commands over radare2's pipe protocol (`radare2 -q0`,
// NUL-delimited replies on stdout) instead of scraping a TTY, which keeps
// command output stable.
// r2StderrKeep bounds the buffered stderr lines between commands.
const r2StderrKeep = 64

type Radare2 struct {
	opts        Radare2Options
	programPath string
	logger      *zap.SugaredLogger
	startup     string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	// seek mirrors the current offset so the prompt tracks `s` commands.
	seek string

	stderrMu    sync.Mutex
	stderrLines []string
}

// NewRadare2 creates a radare2 backend. Returns an error when no program
// path is given.
func NewRadare2(opts Radare2Options) (*Radare2, error) {
	if opts.Program == "" {
		return nil, errors.New("radare2 backend requires a program path")
	}
	if opts.Path == "" {
		if env := os.Getenv("R2PIPE_PATH"); env != "" {
			opts.Path = env
		} else {
			opts.Path = "radare2"
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir, _ = os.Getwd()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	programPath := opts.Program
	if !filepath.IsAbs(programPath) {
		programPath = filepath.Join(opts.WorkingDir, programPath)
	}
	programPath, _ = filepath.Abs(programPath)
	return &Radare2{opts: opts, programPath: programPath, logger: logger}, nil
}

func (r *Radare2) Name() string { return "radare2" }

// Prompt renders the current seek the way the interactive shell does.
func (r *Radare2) Prompt() string {
	seek := r.seek
	if seek == "" {
		seek = "0x00000000"
	}
	return "[" + seek + "]> "
}

// StartupOutput returns the ready line emitted after a successful attach.
func (r *Radare2) StartupOutput() string { return r.startup }

// Initialize spawns radare2 in pipe mode and applies non-interactive
// session settings.
func (r *Radare2) Initialize() error {
	if _, err := os.Stat(r.programPath); err != nil {
		return errors.Newf("radare2 failed to start: binary not found: %s", r.programPath)
	}
	cmd := exec.Command(r.opts.Path, "-q0", r.programPath)
	cmd.Dir = r.opts.WorkingDir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "radare2: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "radare2: stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "radare2: stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "radare2 failed to start: %s", r.opts.Path)
	}
	r.cmd = cmd
	r.stdin = stdin
	r.reader = bufio.NewReader(stdout)
	r.seek = ""
	r.stderrMu.Lock()
	r.stderrLines = nil
	r.stderrMu.Unlock()
	go r.pumpStderr(stderr)

	// Pipe mode writes a NUL once the file is loaded.
	if _, err := r.readReply(r.opts.Timeout); err != nil {
		r.shutdown()
		return errors.Wrap(err, "radare2 failed to start")
	}

	for _, cfg := range []string{
		"e scr.color=false",
		"e scr.echo=false",
		"e scr.interactive=false",
		"e bin.cache=true",
	} {
		_, _ = r.execute(cfg, 0)
	}
	r.startup = "radare2 session ready for " + filepath.Base(r.programPath)
	return nil
}

// pumpStderr keeps WARN/INFO diagnostics flowing into a bounded buffer so
// they surface with the next command's output instead of being lost.
func (r *Radare2) pumpStderr(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		r.pushStderr(line)
	}
}

func (r *Radare2) pushStderr(line string) {
	r.stderrMu.Lock()
	defer r.stderrMu.Unlock()
	r.stderrLines = append(r.stderrLines, line)
	if len(r.stderrLines) > r2StderrKeep {
		r.stderrLines = r.stderrLines[len(r.stderrLines)-r2StderrKeep:]
	}
}

func (r *Radare2) drainStderr() []string {
	r.stderrMu.Lock()
	defer r.stderrMu.Unlock()
	lines := r.stderrLines
	r.stderrLines = nil
	return lines
}

// readReply accumulates stdout up to the next NUL delimiter.
func (r *Radare2) readReply(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = r.opts.Timeout
	}
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := r.reader.ReadString('\x00')
		text = strings.TrimSuffix(text, "\x00")
		if err != nil {
			if err == io.EOF {
				err = errors.ErrEOF
			}
			ch <- result{text, err}
			return
		}
		ch <- result{text, nil}
	}()
	select {
	case res := <-ch:
		return res.text, res.err
	case <-time.After(timeout):
		return "", errors.ErrTimeout
	}
}

func (r *Radare2) execute(command string, timeout time.Duration) (string, error) {
	if r.cmd == nil {
		return "", errors.Wrap(errors.ErrClosed, "radare2 session is not initialized")
	}
	if _, err := io.WriteString(r.stdin, command+"\n"); err != nil {
		return "", errors.Wrap(err, "radare2: writing command")
	}
	out, err := r.readReply(timeout)
	if err != nil {
		return "", err
	}
	cleaned := sanitizeR2Output(out)
	if diags := r.drainStderr(); len(diags) > 0 {
		joined := strings.Join(diags, "\n")
		if cleaned == "" {
			cleaned = joined
		} else {
			cleaned = cleaned + "\n" + joined
		}
	}
	return cleaned, nil
}

func sanitizeR2Output(text string) string {
	cleaned := strings.ReplaceAll(pty.StripANSI(text), "\r", "")
	lines := strings.Split(cleaned, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// RunCommand executes one or more radare2 commands and returns combined
// output. Exit commands tear the session down and start a fresh one.
func (r *Radare2) RunCommand(cmd string, timeout time.Duration) string {
	parts := SplitCommands(cmd)
	if len(parts) == 0 {
		return ""
	}
	var outputs []string
	for _, part := range parts {
		if isExit([]string{"quit", "q", "exit"}, part) {
			outputs = append(outputs, r.exitAndRestart(part))
			break
		}
		out, err := r.execute(part, timeout)
		if err != nil {
			outputs = append(outputs, r.marker(err, part))
			if errors.Is(err, errors.ErrEOF) {
				r.shutdown()
				break
			}
			continue
		}
		outputs = append(outputs, out)
		if isR2SeekCommand(part) {
			r.refreshSeek(timeout)
		}
	}
	return joinOutputs(outputs)
}

// marker renders the inline failure marker, distinguishing a command that
// timed out from one the pipe rejected.
func (r *Radare2) marker(err error, cmd string) string {
	switch {
	case errors.Is(err, errors.ErrTimeout):
		return fmt.Sprintf("[radare2 timeout] %s: %s", cmd, err)
	case errors.Is(err, errors.ErrEOF):
		return fmt.Sprintf("[radare2 eof] %s: %s", cmd, err)
	default:
		return fmt.Sprintf("[radare2 error] %s: %s", cmd, err)
	}
}

// isR2SeekCommand reports whether cmd moves the current seek.
func isR2SeekCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	head := fields[0]
	if head == "s" {
		// Bare `s` only prints the seek.
		return len(fields) > 1
	}
	return strings.HasPrefix(head, "s+") || strings.HasPrefix(head, "s-")
}

// refreshSeek asks radare2 for the current offset after a seek command so
// the prompt stays accurate.
func (r *Radare2) refreshSeek(timeout time.Duration) {
	out, err := r.execute("s", timeout)
	if err != nil {
		return
	}
	if addr := strings.TrimSpace(out); strings.HasPrefix(addr, "0x") {
		r.seek = addr
	}
}

func (r *Radare2) exitAndRestart(cmd string) string {
	if r.cmd == nil {
		return "[radare2 closed] session already terminated"
	}
	_, _ = io.WriteString(r.stdin, cmd+"\n")
	r.shutdown()
	if err := r.Initialize(); err != nil {
		return fmt.Sprintf("[radare2 closed] %s: %s", cmd, err)
	}
	return "[radare2] session restarted; ready for commands"
}

func (r *Radare2) shutdown() {
	if r.cmd == nil {
		return
	}
	_ = r.stdin.Close()
	done := make(chan struct{})
	go func() {
		_ = r.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		_ = r.cmd.Process.Kill()
		<-done
	}
	r.cmd = nil
	r.stdin = nil
	r.reader = nil
}

// Close terminates the radare2 child.
func (r *Radare2) Close() { r.shutdown() }
