package backend

import (
	"time"

	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

// Options carries the cross-backend settings used when constructing an
// adapter by name.
type Options struct {
	// Program is the target binary, script, source file, or main class.
	Program string
	// Classpath and Sourcepath apply to jdb only.
	Classpath  string
	Sourcepath string
	WorkingDir string
	Timeout    time.Duration
	UseColor   bool
	// EnrichState asks gdb-family backends to append context commands
	// after state-changing commands. Only the agent driver sets this.
	EnrichState bool
	Logger      *zap.SugaredLogger
}

// Names lists the debugger names accepted by New.
func Names() []string {
	return []string{"gdb", "rust-gdb", "lldb", "rust-lldb", "lldb-rust", "lldb-api", "delve", "radare2", "jdb", "pdb"}
}

// New constructs a backend by debugger name. "lldb" prefers the Python API
// variant and falls back to the subprocess driver when the bindings are
// unavailable; "lldb-api" requires the bindings.
func New(name string, opts Options) (Backend, error) {
	switch name {
	case "gdb":
		return NewGdb(GdbOptions{EnrichState: opts.EnrichState, Timeout: opts.Timeout, Logger: opts.Logger}), nil
	case "rust-gdb":
		return NewGdb(GdbOptions{Rust: true, EnrichState: opts.EnrichState, Timeout: opts.Timeout, Logger: opts.Logger}), nil
	case "lldb":
		return &lldbFallback{
			api: NewLldbAPI(LldbAPIOptions{UseColor: opts.UseColor, Timeout: opts.Timeout, Logger: opts.Logger}),
			sub: NewLldb(LldbOptions{Timeout: opts.Timeout, Logger: opts.Logger}),
		}, nil
	case "lldb-api":
		return NewLldbAPI(LldbAPIOptions{UseColor: opts.UseColor, Timeout: opts.Timeout, Logger: opts.Logger}), nil
	case "rust-lldb", "lldb-rust":
		return NewLldb(LldbOptions{Rust: true, Timeout: opts.Timeout, Logger: opts.Logger}), nil
	case "delve":
		return NewDelve(DelveOptions{Program: opts.Program, WorkingDir: opts.WorkingDir, Timeout: opts.Timeout, Logger: opts.Logger})
	case "radare2":
		return NewRadare2(Radare2Options{Program: opts.Program, WorkingDir: opts.WorkingDir, Timeout: opts.Timeout, Logger: opts.Logger})
	case "jdb":
		return NewJdb(JdbOptions{
			Program:    opts.Program,
			Classpath:  opts.Classpath,
			Sourcepath: opts.Sourcepath,
			WorkingDir: opts.WorkingDir,
			Timeout:    opts.Timeout,
			Logger:     opts.Logger,
		}), nil
	case "pdb":
		return NewPdb(PdbOptions{Program: opts.Program, WorkingDir: opts.WorkingDir, Timeout: opts.Timeout, Logger: opts.Logger}), nil
	default:
		return nil, errors.Newf("unknown debugger: %s", name)
	}
}

// lldbFallback prefers the Python API backend and falls back to the
// subprocess driver on Initialize.
type lldbFallback struct {
	api    *LldbAPI
	sub    *Lldb
	active Backend
}

func (f *lldbFallback) Initialize() error {
	if err := f.api.Initialize(); err == nil {
		f.active = f.api
		return nil
	}
	if err := f.sub.Initialize(); err != nil {
		return err
	}
	f.active = f.sub
	return nil
}

func (f *lldbFallback) current() Backend {
	if f.active != nil {
		return f.active
	}
	return f.sub
}

func (f *lldbFallback) Name() string   { return f.current().Name() }
func (f *lldbFallback) Prompt() string { return f.current().Prompt() }

func (f *lldbFallback) RunCommand(cmd string, timeout time.Duration) string {
	return f.current().RunCommand(cmd, timeout)
}

func (f *lldbFallback) Close() {
	if f.active != nil {
		f.active.Close()
		f.active = nil
	}
}
