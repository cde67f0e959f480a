package backend

import (
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

var delvePromptRE = regexp.MustCompile(`\(dlv\)\s`)

// DelveOptions configures a Delve backend. Program is required; Delve
// attaches to the binary at startup via `dlv exec`.
type DelveOptions struct {
	Program string
	// Path is the dlv binary; empty selects "dlv".
	Path       string
	WorkingDir string
	Timeout    time.Duration
	Logger     *zap.SugaredLogger
}

// Delve drives an interactive `dlv exec <program>` session.
type Delve struct {
	opts    DelveOptions
	session *ptySession
	startup string
}

// NewDelve creates a Delve backend. Returns an error when no program path
// is given.
func NewDelve(opts DelveOptions) (*Delve, error) {
	if opts.Program == "" {
		return nil, errors.New("delve backend requires a program path")
	}
	if opts.Path == "" {
		opts.Path = "dlv"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	d := &Delve{opts: opts}
	d.session = newPtySession("delve", delvePromptRE, opts.Timeout, []string{"quit", "exit", "q"}, func() ([]string, string, error) {
		return []string{opts.Path, "exec", opts.Program}, opts.WorkingDir, nil
	}, opts.Logger)
	return d, nil
}

func (d *Delve) Name() string   { return "delve" }
func (d *Delve) Prompt() string { return "(dlv) " }

// StartupOutput returns the banner Delve printed while attaching.
func (d *Delve) StartupOutput() string { return d.startup }

// Initialize spawns dlv and consumes the attach banner.
func (d *Delve) Initialize() error {
	if err := d.session.start(); err != nil {
		return err
	}
	banner, err := d.session.expectPrompt(0)
	if err != nil {
		return errors.Wrap(err, "delve: waiting for first prompt")
	}
	d.startup = strings.TrimSpace(banner)
	return nil
}

// RunCommand executes one or more dlv commands and returns combined output.
func (d *Delve) RunCommand(cmd string, timeout time.Duration) string {
	parts := SplitCommands(cmd)
	if len(parts) == 0 {
		return ""
	}
	var outputs []string
	for _, part := range parts {
		if isExit(d.session.exitSet, part) {
			outputs = append(outputs, d.session.exitAndRestart(part, d.Initialize))
			break
		}
		out, err := d.session.sendAndCapture(part, timeout)
		if err != nil {
			outputs = append(outputs, d.session.marker(err, part))
			if errors.Is(err, errors.ErrEOF) {
				break
			}
			continue
		}
		outputs = append(outputs, out)
	}
	return joinOutputs(outputs)
}

// Close force-kills the dlv child.
func (d *Delve) Close() { d.session.close() }
