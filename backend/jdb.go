package backend

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/pty"
)

// jdbPromptRE matches the bare `> ` prompt as well as the bracketed
// thread variant jdb switches to once a VM is attached, e.g. `main[1] `.
var jdbPromptRE = regexp.MustCompile(`(?:\x1b\[[0-9;?]*[ -/]*[@-~])*(?:[\w.$<>-]+\[\d+\]\s*)?>\s*`)

// jdbProgressMarkers indicate the VM actually advanced after `run`.
var jdbProgressMarkers = []string{
	"VM Started",
	"Breakpoint hit",
	"Step completed",
	"The application exited",
	"Exception occurred",
}

// jdbDeferredMarkers indicate breakpoints were deferred until class load.
var jdbDeferredMarkers = []string{
	"Deferring breakpoint",
	"It will be set after the class is loaded",
}

// JdbOptions configures a jdb backend. Program may be a .java source, a
// .class file, a .jar, or a plain main class name.
type JdbOptions struct {
	Program    string
	Classpath  string
	Sourcepath string
	WorkingDir string
	Timeout    time.Duration
	Logger     *zap.SugaredLogger
}

// Jdb drives the standard Java debugger. The child is spawned lazily on the
// first command that needs it, because `file` and `classpath` reshape the
// launch arguments.
type Jdb struct {
	opts   JdbOptions
	logger *zap.SugaredLogger

	program    string
	classpath  string
	sourcepath string

	prepared     []string
	preparedDir  string
	preparedOnce bool

	handle *pty.Handle
}

// NewJdb creates a jdb backend.
func NewJdb(opts JdbOptions) *Jdb {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Jdb{
		opts:       opts,
		logger:     logger,
		program:    opts.Program,
		classpath:  opts.Classpath,
		sourcepath: opts.Sourcepath,
	}
}

func (j *Jdb) Name() string   { return "jdb" }
func (j *Jdb) Prompt() string { return "> " }

// Initialize verifies the JDK tools are present. The jdb child itself is
// started lazily.
func (j *Jdb) Initialize() error {
	if _, err := exec.LookPath("jdb"); err != nil {
		return errors.New("jdb executable not found on PATH")
	}
	if _, err := exec.LookPath("javac"); err != nil {
		return errors.New("javac executable not found on PATH")
	}
	return nil
}

func (j *Jdb) prefix() string { return "[jdb]" }

func (j *Jdb) alive() bool { return j.handle != nil && j.handle.Alive() }

func (j *Jdb) closeChild() {
	if j.handle != nil {
		j.handle.Close(true)
		j.handle = nil
	}
	j.prepared = nil
	j.preparedOnce = false
}

// RunCommand interprets session-management commands (file/classpath/run/quit
// and common aliases) and forwards everything else to jdb verbatim.
func (j *Jdb) RunCommand(cmd string, timeout time.Duration) string {
	text := strings.TrimSpace(cmd)
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)

	switch {
	case strings.HasPrefix(lower, "file "):
		target := strings.TrimSpace(text[5:])
		if target == "" {
			return j.prefix() + " provide a path to a .java/.class/.jar or main class"
		}
		resolved := target
		if abs, err := filepath.Abs(target); err == nil {
			if _, statErr := os.Stat(abs); statErr == nil {
				resolved = abs
			}
		}
		j.program = resolved
		j.closeChild()
		return fmt.Sprintf("%s program set to %s", j.prefix(), resolved)

	case strings.HasPrefix(lower, "classpath "):
		value := strings.TrimSpace(text[len("classpath "):])
		j.classpath = value
		j.closeChild()
		if value == "" {
			return j.prefix() + " classpath cleared"
		}
		return fmt.Sprintf("%s classpath set to %s", j.prefix(), value)
	}

	switch lower {
	case "run", "r":
		return j.handleRun(timeout)
	case "quit", "exit", "q":
		if j.alive() {
			_ = j.handle.SendLine("quit")
		}
		j.closeChild()
		return j.prefix() + " session terminated"
	case "continue", "c":
		return j.sendAndCapture("cont", timeout, true)
	case "next", "n":
		return j.sendAndCapture("next", timeout, true)
	case "step", "s", "stepin":
		return j.sendAndCapture("step", timeout, true)
	case "where", "bt", "backtrace":
		return j.sendAndCapture("where", timeout, true)
	case "threads", "thread":
		return j.sendAndCapture("threads", timeout, true)
	}

	if strings.HasPrefix(lower, "print ") || strings.HasPrefix(lower, "p ") {
		expr := strings.TrimSpace(strings.SplitN(text, " ", 2)[1])
		if expr == "" {
			return j.prefix() + " provide an expression"
		}
		return j.sendAndCapture("print "+expr, timeout, true)
	}
	if strings.HasPrefix(lower, "locals") {
		return j.sendAndCapture("locals", timeout, true)
	}

	return j.sendAndCapture(text, timeout, true)
}

// handleRun starts the session if needed, issues `run`, post-drains the
// target's output, and appends `cont` guidance when breakpoints were
// deferred but no progress markers appeared.
func (j *Jdb) handleRun(timeout time.Duration) string {
	startup := j.ensureStarted(timeout)
	if !j.alive() {
		if startup != "" {
			return startup
		}
		return j.prefix() + " session ended"
	}
	runOut := j.sendAndCapture("run", timeout, false)

	if j.alive() {
		if extra := j.handle.Drain(jdbPromptRE, 500*time.Millisecond, 5*time.Second); extra != "" {
			runOut = combineChunks(runOut, strings.TrimSpace(extra))
		}
	}

	out := combineChunks(startup, runOut)
	if containsAny(out, jdbDeferredMarkers) && !containsAny(out, jdbProgressMarkers) {
		out = combineChunks(out, j.prefix()+" breakpoints are deferred until the class loads; use 'cont' to resume execution")
	}
	return out
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func combineChunks(chunks ...string) string {
	var pieces []string
	for _, c := range chunks {
		if c != "" {
			pieces = append(pieces, c)
		}
	}
	return strings.Join(pieces, "\n")
}

// prepareLaunch resolves the jdb argv from the configured program, compiling
// .java sources with javac -g next to the source file.
func (j *Jdb) prepareLaunch() ([]string, string, error) {
	if j.preparedOnce {
		return j.prepared, j.preparedDir, nil
	}
	program := strings.TrimSpace(j.program)
	var command []string
	var workdir string

	switch {
	case program == "":
		command = []string{"jdb"}
	default:
		fi, statErr := os.Stat(program)
		if statErr == nil && !fi.IsDir() {
			abs, err := filepath.Abs(program)
			if err != nil {
				return nil, "", err
			}
			switch strings.ToLower(filepath.Ext(abs)) {
			case ".java":
				var err error
				command, workdir, err = j.prepareFromJava(abs)
				if err != nil {
					return nil, "", err
				}
			case ".class":
				dir := filepath.Dir(abs)
				mainClass := strings.TrimSuffix(filepath.Base(abs), ".class")
				cp := j.classpath
				if cp == "" {
					cp = dir
				}
				command = []string{"jdb", "-classpath", cp}
				command = j.appendSourcepath(command)
				command = append(command, mainClass)
				workdir = dir
			case ".jar":
				command = []string{"jdb", "-jar", abs}
				workdir = filepath.Dir(abs)
			default:
				return nil, "", errors.Newf("unsupported file type: %s", filepath.Ext(abs))
			}
		} else {
			// Plain main class name, optionally with a classpath.
			command = []string{"jdb"}
			if j.classpath != "" {
				command = append(command, "-classpath", j.classpath)
			}
			command = j.appendSourcepath(command)
			command = append(command, program)
		}
	}

	j.prepared = command
	j.preparedDir = workdir
	j.preparedOnce = true
	return command, workdir, nil
}

func (j *Jdb) appendSourcepath(command []string) []string {
	if j.sourcepath != "" {
		return append(command, "-sourcepath", j.sourcepath)
	}
	return command
}

func (j *Jdb) prepareFromJava(src string) ([]string, string, error) {
	compileDir := filepath.Dir(src)
	out, err := exec.Command("javac", "-g", src).CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return nil, "", errors.Newf("javac failed: %s", detail)
	}
	mainClass := strings.TrimSuffix(filepath.Base(src), ".java")
	if pkg := detectJavaPackage(src); pkg != "" {
		mainClass = pkg + "." + mainClass
	}
	cp := j.classpath
	if cp == "" {
		cp = compileDir
	}
	cmd := []string{"jdb", "-classpath", cp}
	cmd = j.appendSourcepath(cmd)
	cmd = append(cmd, mainClass)
	return cmd, compileDir, nil
}

// detectJavaPackage reads the package declaration from a source file to
// form the fully qualified main class.
func detectJavaPackage(src string) string {
	f, err := os.Open(src)
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if strings.HasPrefix(line, "package ") && strings.HasSuffix(line, ";") {
			return strings.TrimSpace(line[len("package ") : len(line)-1])
		}
	}
	return ""
}

func (j *Jdb) ensureStarted(timeout time.Duration) string {
	if j.alive() {
		return ""
	}
	launch, workdir, err := j.prepareLaunch()
	if err != nil {
		return fmt.Sprintf("%s failed to prepare program: %s", j.prefix(), err)
	}
	if workdir == "" {
		workdir = j.opts.WorkingDir
	}
	if timeout <= 0 {
		timeout = j.opts.Timeout
	}
	handle, err := pty.Spawn(pty.Options{
		Argv:    launch,
		Dir:     workdir,
		Timeout: timeout,
		Logger:  j.logger,
	})
	if err != nil {
		return fmt.Sprintf("%s failed to start jdb: %s", j.prefix(), err)
	}
	j.handle = handle

	startup := j.expectPrompt(timeout)
	if !j.alive() {
		if startup != "" {
			return startup
		}
		return j.prefix() + " session ended"
	}
	return startup
}

func (j *Jdb) expectPrompt(timeout time.Duration) string {
	out, err := j.handle.ExpectPrompt(jdbPromptRE, timeout)
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			return j.prefix() + " timeout waiting for jdb prompt"
		}
		if errors.Is(err, errors.ErrEOF) {
			j.handle = nil
			if trimmed := strings.TrimSpace(out); trimmed != "" {
				return trimmed
			}
			return j.prefix() + " process exited"
		}
		return fmt.Sprintf("%s failed waiting for jdb prompt: %s", j.prefix(), err)
	}
	return strings.TrimSpace(out)
}

func (j *Jdb) sendAndCapture(command string, timeout time.Duration, ensure bool) string {
	startup := ""
	if ensure {
		startup = j.ensureStarted(timeout)
	}
	if !j.alive() {
		if startup != "" {
			return startup
		}
		return j.prefix() + " session ended"
	}
	if err := j.handle.SendLine(command); err != nil {
		return fmt.Sprintf("%s failed to send command: %s", j.prefix(), err)
	}
	out, err := j.handle.ExpectPrompt(jdbPromptRE, timeout)
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			partial := normalizeJdbOutput(command, out)
			if partial != "" {
				partial = fmt.Sprintf("%s\n%s timeout waiting for prompt after '%s'", partial, j.prefix(), command)
				return combineChunks(startup, partial)
			}
			return combineChunks(startup, fmt.Sprintf("%s timeout waiting for '%s'", j.prefix(), command))
		}
		if errors.Is(err, errors.ErrEOF) {
			j.handle = nil
			merged := combineChunks(startup, normalizeJdbOutput(command, out))
			if merged == "" {
				return j.prefix() + " process exited"
			}
			return merged
		}
		return combineChunks(startup, fmt.Sprintf("%s error running '%s': %s", j.prefix(), command, err))
	}
	return combineChunks(startup, normalizeJdbOutput(command, out))
}

func normalizeJdbOutput(command, captured string) string {
	text := strings.TrimLeft(strings.ReplaceAll(captured, "\r\n", "\n"), "\r\n")
	if strings.HasPrefix(text, command) {
		text = strings.TrimLeft(text[len(command):], " \t\r\n")
	}
	return strings.TrimSpace(text)
}

// Close terminates the jdb child.
func (j *Jdb) Close() { j.closeChild() }
