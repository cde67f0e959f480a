package backend

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/pty"
)

// ptySession is the shared machinery for line-oriented backends: it owns the
// pty handle, frames commands against the prompt regex, strips echo, and
// implements the exit+restart flow.
type ptySession struct {
	name     string
	argv     func() ([]string, string, error) // argv, workdir
	promptRE *regexp.Regexp
	timeout  time.Duration
	exitSet  []string
	logger   *zap.SugaredLogger

	handle *pty.Handle
}

func newPtySession(name string, promptRE *regexp.Regexp, timeout time.Duration, exitSet []string, argv func() ([]string, string, error), logger *zap.SugaredLogger) *ptySession {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = pty.DefaultTimeout
	}
	return &ptySession{
		name:     name,
		argv:     argv,
		promptRE: promptRE,
		timeout:  timeout,
		exitSet:  exitSet,
		logger:   logger,
	}
}

func (s *ptySession) alive() bool {
	return s.handle != nil && s.handle.Alive()
}

func (s *ptySession) start() error {
	argv, dir, err := s.argv()
	if err != nil {
		return err
	}
	handle, err := pty.Spawn(pty.Options{
		Argv:    argv,
		Dir:     dir,
		Timeout: s.timeout,
		Logger:  s.logger,
	})
	if err != nil {
		return errors.Wrapf(err, "%s: failed to start", s.name)
	}
	s.handle = handle
	return nil
}

// expectPrompt waits for the next prompt and returns the preceding capture.
func (s *ptySession) expectPrompt(timeout time.Duration) (string, error) {
	if s.handle == nil {
		return "", errors.Wrapf(errors.ErrClosed, "%s is not running", s.name)
	}
	return s.handle.ExpectPrompt(s.promptRE, timeout)
}

// sendAndCapture sends one primitive command, waits for the next prompt, and
// returns the output with the command echo removed.
func (s *ptySession) sendAndCapture(cmd string, timeout time.Duration) (string, error) {
	if s.handle == nil {
		return "", errors.Wrapf(errors.ErrClosed, "%s is not running", s.name)
	}
	if err := s.handle.SendLine(cmd); err != nil {
		return "", err
	}
	out, err := s.expectPrompt(timeout)
	if err != nil {
		return out, err
	}
	return pty.StripEcho(cmd, out), nil
}

// marker renders the inline failure marker for a primitive.
func (s *ptySession) marker(err error, cmd string) string {
	detail := err.Error()
	switch {
	case errors.Is(err, errors.ErrTimeout):
		return fmt.Sprintf("[%s timeout] %s: %s", s.name, cmd, detail)
	case errors.Is(err, errors.ErrEOF):
		return fmt.Sprintf("[%s eof] %s: %s", s.name, cmd, detail)
	default:
		return fmt.Sprintf("[%s error] %s: %s", s.name, cmd, detail)
	}
}

// exitAndRestart handles a recognized exit command: forward it, wait briefly
// for the child to die, then start a fresh session so an accidental quit does
// not end the investigation. reinit re-runs the backend's own initialization
// against the fresh child.
func (s *ptySession) exitAndRestart(cmd string, reinit func() error) string {
	if s.handle != nil {
		_ = s.handle.SendLine(cmd)
		s.handle.WaitEOF(time.Second)
		_ = s.handle.Close(true)
		s.handle = nil
	}
	s.logger.Infow("debugger exited; restarting", "backend", s.name, "command", cmd)
	if err := reinit(); err != nil {
		return fmt.Sprintf("[%s closed] %s: %s", s.name, cmd, err.Error())
	}
	return fmt.Sprintf("[%s] session restarted; ready for commands", s.name)
}

func (s *ptySession) close() {
	if s.handle != nil {
		_ = s.handle.Close(true)
		s.handle = nil
	}
}
