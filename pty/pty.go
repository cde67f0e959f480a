// Package pty turns a free-running interactive debugger subprocess into a
// request/response pair. A child is spawned attached to a pseudo-terminal; a
// background goroutine drains the terminal into a buffer, and ExpectPrompt
// scans that buffer for the backend's prompt regex under a deadline.
package pty

import (
	"bytes"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

// DefaultTimeout applies when a per-call timeout is not provided.
const DefaultTimeout = 10 * time.Second

// Options configures a child spawn.
type Options struct {
	// Argv is the full argument vector: Argv[0] is the program.
	Argv []string
	// Dir is the working directory for the child (empty = inherit).
	Dir string
	// Env is the child environment (nil = inherit).
	Env []string
	// Timeout is the default prompt wait; DefaultTimeout when zero.
	Timeout time.Duration
	// Logger receives trace output (nil = nop).
	Logger *zap.SugaredLogger
}

// Handle owns one child process attached to a pseudo-terminal.
type Handle struct {
	cmd     *exec.Cmd
	file    *os.File
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	buf    bytes.Buffer
	eof    bool
	closed bool
	// notify is swapped on every append so waiters can block on fresh data.
	notify chan struct{}
}

// Spawn forks argv attached to a new pseudo-terminal. It returns once the
// child is running; the first prompt is left in the buffer for the backend's
// initialize to consume.
func Spawn(opts Options) (*Handle, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("pty: empty argv")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	file, err := pty.Start(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "pty: failed to spawn %s", opts.Argv[0])
	}

	h := &Handle{
		cmd:     cmd,
		file:    file,
		timeout: timeout,
		logger:  logger,
		notify:  make(chan struct{}),
	}
	go h.pump()
	return h, nil
}

// pump drains the pty master into the buffer until EOF.
func (h *Handle) pump() {
	chunk := make([]byte, 4096)
	for {
		n, err := h.file.Read(chunk)
		h.mu.Lock()
		if n > 0 {
			h.buf.Write(chunk[:n])
		}
		if err != nil {
			h.eof = true
		}
		close(h.notify)
		h.notify = make(chan struct{})
		h.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// SendLine writes one line to the child.
func (h *Handle) SendLine(text string) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return errors.ErrClosed
	}
	if _, err := h.file.WriteString(text + "\n"); err != nil {
		return errors.Wrap(errors.ErrEOF, err.Error())
	}
	return nil
}

// ExpectPrompt reads until the prompt regex matches and returns everything
// preceding the match, with bracketed-paste escapes stripped. A zero timeout
// uses the handle default. Fails with errors.ErrTimeout or errors.ErrEOF;
// on EOF the text captured so far is still returned.
func (h *Handle) ExpectPrompt(prompt *regexp.Regexp, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = h.timeout
	}
	deadline := time.Now().Add(timeout)

	for {
		h.mu.Lock()
		data := h.buf.String()
		if loc := prompt.FindStringIndex(data); loc != nil {
			captured := data[:loc[0]]
			h.buf.Next(loc[1])
			h.mu.Unlock()
			h.logger.Debugw("prompt matched", "captured_bytes", len(captured))
			return StripBracketedPaste(captured), nil
		}
		if h.eof {
			h.buf.Reset()
			h.mu.Unlock()
			return StripBracketedPaste(data), errors.ErrEOF
		}
		wait := h.notify
		h.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errors.ErrTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return "", errors.ErrTimeout
		}
	}
}

// Drain repeats ExpectPrompt with a short step timeout, appending each
// non-empty capture. It stops after the first empty capture following at
// least one non-empty capture, or once the total wait exceeds cap. Used after
// commands like jdb's `run`, where the target keeps printing after the
// prompt has already been returned.
func (h *Handle) Drain(prompt *regexp.Regexp, step, max time.Duration) string {
	if step <= 0 {
		step = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	var parts []string
	sawOutput := false
	started := time.Now()
	for time.Since(started) < max {
		chunk, err := h.ExpectPrompt(prompt, step)
		if err != nil {
			break
		}
		if trimmed := bytes.TrimSpace([]byte(chunk)); len(trimmed) == 0 {
			if sawOutput {
				break
			}
			continue
		}
		sawOutput = true
		parts = append(parts, chunk)
	}
	return joinNonEmpty(parts)
}

// Alive reports whether the child process still exists.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	if h.closed || h.cmd.Process == nil {
		h.mu.Unlock()
		return false
	}
	pid := int32(h.cmd.Process.Pid)
	h.mu.Unlock()

	exists, err := process.PidExists(pid)
	return err == nil && exists
}

// WaitEOF blocks until the reader goroutine observes EOF or the timeout
// expires. Used during the exit+restart flow after sending a quit command.
func (h *Handle) WaitEOF(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		h.mu.Lock()
		eof := h.eof
		wait := h.notify
		h.mu.Unlock()
		if eof {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return false
		}
	}
}

// Close shuts the child down. Graceful close waits briefly for exit; force
// kills the whole process tree.
func (h *Handle) Close(force bool) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	defer h.file.Close()

	if h.cmd.Process == nil {
		return nil
	}
	if !force {
		done := make(chan struct{})
		go func() {
			_ = h.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-time.After(time.Second):
			// fall through to kill
		}
	}
	h.killTree()
	_ = h.cmd.Wait()
	return nil
}

// killTree kills the child and any debuggee processes it spawned.
func (h *Handle) killTree() {
	pid := int32(h.cmd.Process.Pid)
	if proc, err := process.NewProcess(pid); err == nil {
		if children, err := proc.Children(); err == nil {
			for _, child := range children {
				_ = child.Kill()
			}
		}
	}
	_ = h.cmd.Process.Kill()
}

func joinNonEmpty(parts []string) string {
	var out bytes.Buffer
	for _, p := range parts {
		if len(bytes.TrimSpace([]byte(p))) == 0 {
			continue
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(p)
	}
	return out.String()
}
