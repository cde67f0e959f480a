// Package repl implements the interactive copilot> prompt: debugger
// selection, slash commands, and the natural-language path into the
// orchestrator.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/backend"
	"github.com/dbgcopilot/dbgcopilot/core"
	"github.com/dbgcopilot/dbgcopilot/llm"
	"github.com/dbgcopilot/dbgcopilot/session"
)

// REPL owns one interactive session and its active backend.
type REPL struct {
	state    *session.State
	backend  backend.Backend
	orch     *core.Orchestrator
	registry *llm.Registry
	prompts  *core.PromptConfig
	logger   *zap.SugaredLogger

	in  *bufio.Reader
	out io.Writer
}

// New builds a REPL reading from in and writing to out. A nil prompt
// config loads the defaults (plus DBGCOPILOT_PROMPTS override).
func New(registry *llm.Registry, prompts *core.PromptConfig, logger *zap.SugaredLogger, in io.Reader, out io.Writer) *REPL {
	if prompts == nil {
		loaded, err := core.LoadPromptConfig()
		if err != nil {
			if logger != nil {
				logger.Warnw("prompt config load failed, using defaults", "error", err)
			}
			loaded = core.DefaultPromptConfig()
		}
		prompts = loaded
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	r := &REPL{
		registry: registry,
		prompts:  prompts,
		logger:   logger,
		in:       bufio.NewReader(in),
		out:      out,
	}
	r.state = session.New()
	r.orch = core.NewOrchestrator(r.state, registry, prompts, logger)
	r.installSinks()
	return r
}

// State exposes the session for front-end embedding.
func (r *REPL) State() *session.State { return r.state }

func (r *REPL) installSinks() {
	r.state.DebuggerOutputSink = func(chunk string) { r.echo(chunk) }
	r.state.ChatOutputSink = func(chunk string) { r.echo(chunk) }
}

func (r *REPL) echo(line string) {
	fmt.Fprintln(r.out, line)
}

// Run loops until exit/quit or EOF.
func (r *REPL) Run() error {
	r.echo("Standalone REPL. Type /help. Choose a debugger with /use <debugger> (gdb|lldb|lldb-rust|jdb|pdb|delve|radare2).")
	for {
		fmt.Fprint(r.out, pterm.Cyan("copilot> "))
		line, err := r.in.ReadString('\n')
		if err != nil {
			r.echo("Exiting copilot>")
			return nil
		}
		response, quit := r.HandleLine(line)
		if response != "" {
			r.echo(response)
		}
		if quit {
			return nil
		}
	}
}

// HandleLine processes one input line and returns the visible response
// plus whether the REPL should exit.
func (r *REPL) HandleLine(line string) (string, bool) {
	cmd := strings.TrimSpace(line)
	if cmd == "" {
		return "", false
	}
	if cmd == "exit" || cmd == "quit" {
		r.closeBackend()
		return "Exiting copilot>", true
	}

	if strings.HasPrefix(cmd, "/") {
		verb := cmd
		arg := ""
		if idx := strings.IndexAny(cmd, " \t"); idx >= 0 {
			verb = cmd[:idx]
			arg = strings.TrimSpace(cmd[idx+1:])
		}
		return r.handleSlash(verb, arg), false
	}

	// Natural language goes to the orchestrator.
	if r.backend == nil && r.orch.Backend == nil {
		return "No debugger selected. Use /use gdb first.", false
	}
	return r.orch.Ask(cmd), false
}

func (r *REPL) handleSlash(verb, arg string) string {
	switch verb {
	case "/help", "/h":
		return helpText()
	case "/use":
		return r.handleUse(strings.ToLower(arg))
	case "/new":
		r.state.Reset()
		r.installSinks()
		return fmt.Sprintf("New session: %s", r.state.SessionID)
	case "/chatlog":
		if len(r.state.Chatlog) == 0 {
			return "No chat yet."
		}
		log := r.state.Chatlog
		if len(log) > 200 {
			log = log[len(log)-200:]
		}
		return strings.Join(log, "\n")
	case "/config":
		return fmt.Sprintf("Config: %s\nSelected provider: %s", r.state.FormatConfig(), r.state.SelectedProvider)
	case "/auto", "/autoapprove", "/auto-approve":
		return r.handleAuto(strings.ToLower(arg))
	case "/prompts":
		return r.handlePrompts(strings.ToLower(arg))
	case "/exec":
		return r.handleExec(arg)
	case "/colors":
		return r.handleColors(strings.ToLower(arg))
	case "/llm":
		return r.handleLLM(arg)
	case "/agent":
		return "Agent mode has moved to the dbgagent command."
	default:
		return "Unknown slash command. Try /help"
	}
}

func helpText() string {
	return strings.Join([]string{
		"copilot> commands:",
		"  /help                      Show this help",
		"  /use gdb                   Select GDB (subprocess backend)",
		"  /use lldb                  Select LLDB (Python API if available; else subprocess)",
		"  /use lldb-rust             Select LLDB tuned for Rust binaries",
		"  /use jdb                   Select jdb (Java debugger backend)",
		"  /use pdb                   Select pdb (Python debugger backend)",
		"  /use delve                 Select Delve for Go binaries",
		"  /use radare2               Select radare2 for binary analysis",
		"  /colors on|off             Toggle colored output in REPL and debugger (LLDB/GDB)",
		"  /new                       Start a new copilot session",
		"  /chatlog                   Show chat transcript",
		"  /config                    Show current config",
		"  /auto [on|off|toggle]      Control auto-approve command execution",
		"  /prompts show|reload       Show or reload prompt config",
		"  /exec <cmd>                Run a debugger command (after /use)",
		"  /llm list                  List configured LLM providers",
		"  /llm use <name>            Select provider for this session",
		"  /llm models [provider]     List models (provider must support discovery)",
		"  /llm model [...]           Get/set session or default models",
		"  /llm provider ...          Manage provider definitions (add/set/show)",
		"  /llm params ...            Inspect or tune provider parameters",
		"  /llm key <provider> <key>  Set API key for this session",
		"  exit or quit               Leave copilot>",
		"Any other input is sent to the LLM.",
	}, "\n")
}

// promptInput reads one line after printing a label, for interactive
// backend setup.
func (r *REPL) promptInput(label string) string {
	fmt.Fprint(r.out, label)
	line, err := r.in.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimSpace(line)
}

// validatePath expands ~ and requires the path to exist. The second
// return value is a user-facing message when validation fails.
func validatePath(input string) (string, string) {
	candidate := input
	if strings.HasPrefix(candidate, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			candidate = filepath.Join(home, strings.TrimPrefix(candidate, "~"))
		}
	}
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Sprintf("Path '%s' not found.", input)
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", err.Error()
	}
	return abs, ""
}

func (r *REPL) adoptBackend(b backend.Backend) {
	r.closeBackend()
	r.backend = b
	r.orch.SetBackend(b)
	r.installSinks()
}

func (r *REPL) closeBackend() {
	if r.backend != nil {
		r.backend.Close()
		r.backend = nil
		r.orch.SetBackend(nil)
	}
}

func (r *REPL) handleUse(choice string) string {
	switch choice {
	case "gdb":
		return r.selectGdb()
	case "lldb":
		return r.selectLldb()
	case "lldb-rust":
		return r.selectLldbRust()
	case "pdb", "python":
		return r.selectPdb()
	case "jdb":
		return r.selectJdb()
	case "delve":
		return r.selectDelve()
	case "radare2":
		return r.selectRadare2()
	default:
		return "Supported: /use gdb | /use lldb | /use lldb-rust | /use jdb | /use pdb | /use delve | /use radare2"
	}
}

func (r *REPL) selectGdb() string {
	b := backend.NewGdb(backend.GdbOptions{Logger: r.logger})
	if err := b.Initialize(); err != nil {
		return fmt.Sprintf("Failed to start gdb: %v", err)
	}
	r.adoptBackend(b)
	return "Using GDB (subprocess backend)."
}

func (r *REPL) selectLldb() string {
	api := backend.NewLldbAPI(backend.LldbAPIOptions{UseColor: r.state.ColorsEnabled, Logger: r.logger})
	apiErr := api.Initialize()
	if apiErr == nil {
		r.adoptBackend(api)
		return "Using LLDB (API backend)."
	}
	sub := backend.NewLldb(backend.LldbOptions{Logger: r.logger})
	if subErr := sub.Initialize(); subErr != nil {
		return fmt.Sprintf("Failed to start lldb (API error: %v); subprocess error: %v\n%s",
			apiErr, subErr, lldbInstallHint())
	}
	r.adoptBackend(sub)
	return "Using LLDB (subprocess backend; Python API unavailable).\n" + lldbInstallHint()
}

func (r *REPL) selectLldbRust() string {
	b := backend.NewLldb(backend.LldbOptions{Rust: true, Logger: r.logger})
	if err := b.Initialize(); err != nil {
		return fmt.Sprintf("Failed to start lldb-rust backend: %v", err)
	}
	r.adoptBackend(b)
	return "Using LLDB (rust-friendly subprocess backend)."
}

func (r *REPL) selectPdb() string {
	program := r.state.ConfigString("program")
	b := backend.NewPdb(backend.PdbOptions{Program: program, Logger: r.logger})
	if err := b.Initialize(); err != nil {
		return fmt.Sprintf("Failed to initialize Python debugger backend: %v", err)
	}
	r.adoptBackend(b)
	if program != "" {
		r.state.Config["program"] = program
	}
	return "Using pdb (Python debugger backend). Use 'file <script.py>' then 'run' to launch."
}

func (r *REPL) selectDelve() string {
	path := r.promptInput("Enter path to Go binary for Delve: ")
	if path == "" {
		return "Delve requires a binary path; selection cancelled."
	}
	b, err := backend.NewDelve(backend.DelveOptions{Program: path, Logger: r.logger})
	if err != nil {
		return fmt.Sprintf("Failed to start delve: %v", err)
	}
	if err := b.Initialize(); err != nil {
		return fmt.Sprintf("Failed to start delve: %v", err)
	}
	r.adoptBackend(b)
	r.state.Config["program"] = path
	if banner := backend.StartupOutput(b); banner != "" {
		r.echo(banner)
	}
	return fmt.Sprintf("Using Delve (dlv exec %s).", path)
}

func (r *REPL) selectRadare2() string {
	path := r.promptInput("Enter path to binary for radare2: ")
	if path == "" {
		return "radare2 requires a binary path; selection cancelled."
	}
	b, err := backend.NewRadare2(backend.Radare2Options{Program: path, Logger: r.logger})
	if err != nil {
		return fmt.Sprintf("Failed to start radare2: %v", err)
	}
	if err := b.Initialize(); err != nil {
		return fmt.Sprintf("Failed to start radare2: %v", err)
	}
	r.adoptBackend(b)
	r.state.Config["program"] = path
	if banner := backend.StartupOutput(b); banner != "" {
		r.echo(banner)
	}
	return fmt.Sprintf("Using radare2 (-q %s).", path)
}

func (r *REPL) selectJdb() string {
	classpath := r.state.ConfigString("classpath")
	sourcepath := r.state.ConfigString("sourcepath")
	mainClass := r.state.ConfigString("jdb_main_class")

	classPrompt := "Enter class path to .class/.jar (required)"
	if classpath != "" {
		classPrompt += fmt.Sprintf(" [current: %s]", classpath)
	}
	entered := r.promptInput(classPrompt + ": ")
	if entered != "" {
		valid, msg := validatePath(entered)
		if msg != "" {
			return msg
		}
		classpath = valid
	}
	if classpath == "" {
		return "jdb setup requires a classpath; selection cancelled."
	}

	sourcePrompt := "Enter source path to .java (optional)"
	if sourcepath != "" {
		sourcePrompt += fmt.Sprintf(" [current: %s]", sourcepath)
	}
	if entered := r.promptInput(sourcePrompt + ": "); entered != "" {
		valid, msg := validatePath(entered)
		if msg != "" {
			return msg
		}
		sourcepath = valid
	}

	mainPrompt := "Enter Main class (optional)"
	if mainClass != "" {
		mainPrompt += fmt.Sprintf(" [current: %s]", mainClass)
	}
	if entered := r.promptInput(mainPrompt + ": "); entered != "" {
		mainClass = entered
	}

	b := backend.NewJdb(backend.JdbOptions{
		Program:    mainClass,
		Classpath:  classpath,
		Sourcepath: sourcepath,
		Logger:     r.logger,
	})
	if err := b.Initialize(); err != nil {
		return fmt.Sprintf("Failed to initialize jdb backend: %v", err)
	}
	r.adoptBackend(b)

	delete(r.state.Config, "program")
	r.state.Config["classpath"] = classpath
	if sourcepath != "" {
		r.state.Config["sourcepath"] = sourcepath
	} else {
		delete(r.state.Config, "sourcepath")
	}
	if mainClass != "" {
		r.state.Config["jdb_main_class"] = mainClass
	} else {
		delete(r.state.Config, "jdb_main_class")
	}

	details := []string{"Using jdb (Java debugger backend)."}
	details = append(details, fmt.Sprintf("Classpath: %s", classpath))
	if sourcepath != "" {
		details = append(details, fmt.Sprintf("Sourcepath: %s", sourcepath))
	}
	if mainClass != "" {
		details = append(details, fmt.Sprintf("Main class: %s", mainClass))
	}
	details = append(details, "Use '/exec run <MainClass>' to launch.")
	return strings.Join(details, " ")
}

func lldbInstallHint() string {
	switch runtime.GOOS {
	case "linux":
		return "Hint: install LLDB Python bindings: sudo apt install lldb python3-lldb"
	case "darwin":
		return "Hint: install Xcode CLT, then: xcrun python3 -c 'import lldb' (or conda install -c conda-forge lldb)"
	case "windows":
		return "Hint: use Conda to install LLDB Python: conda install -c conda-forge lldb"
	default:
		return "Hint: install LLDB Python bindings (e.g., conda install -c conda-forge lldb)"
	}
}

func (r *REPL) handleAuto(choice string) string {
	s := r.state
	switch choice {
	case "", "status":
		status := "disabled"
		detail := ""
		if s.AutoAcceptCommands {
			status = "enabled"
			if s.AutoRoundsRemaining != nil {
				detail = fmt.Sprintf(" (%d rounds remaining)", *s.AutoRoundsRemaining)
			}
		}
		return fmt.Sprintf("Auto-approve is currently %s%s. Use /auto on|off to change it.", status, detail)
	case "on", "enable", "enabled":
		if s.AutoAcceptCommands {
			return "Auto-approve already enabled."
		}
		limit := s.EnableAutoAccept()
		return fmt.Sprintf("Auto-approve enabled (limit %d rounds): suggested commands will run without prompting.", limit)
	case "off", "disable", "disabled":
		if !s.AutoAcceptCommands {
			return "Auto-approve already disabled."
		}
		s.DisableAutoAccept()
		return "Auto-approve disabled: confirmations required before running commands."
	case "toggle":
		if s.AutoAcceptCommands {
			s.DisableAutoAccept()
			return "Auto-approve disabled."
		}
		limit := s.EnableAutoAccept()
		return fmt.Sprintf("Auto-approve enabled (limit %d rounds).", limit)
	default:
		return "Usage: /auto [on|off|toggle|status]"
	}
}

func (r *REPL) handlePrompts(arg string) string {
	switch arg {
	case "show":
		out, err := r.prompts.Show()
		if err != nil {
			return fmt.Sprintf("Error showing prompts: %v", err)
		}
		return fmt.Sprintf("Prompt source: %s\n%s", r.prompts.Source, out)
	case "reload":
		cfg, err := core.LoadPromptConfig()
		if err != nil {
			return fmt.Sprintf("Error reloading prompts: %v", err)
		}
		r.prompts = cfg
		r.orch.Prompts = cfg
		return fmt.Sprintf("Prompt config reloaded from %s.", cfg.Source)
	default:
		return "Usage: /prompts show | /prompts reload"
	}
}

func (r *REPL) handleExec(arg string) string {
	if r.backend == nil {
		return "No debugger selected. Use /use gdb first."
	}
	if arg == "" {
		return "Usage: /exec <cmd>"
	}
	prompt := strings.TrimRight(r.backend.Prompt(), " ")
	echoLine := fmt.Sprintf("%s %s", prompt, arg)
	if prompt == "" {
		echoLine = fmt.Sprintf("%s> %s", r.backend.Name(), arg)
	}
	r.echo(core.ColorText(echoLine, "cyan", true, r.state.ColorsEnabled))

	out := r.backend.RunCommand(arg, 0)
	r.state.LastOutput = out
	r.state.RecordAttempt(arg, out)
	return out
}

func (r *REPL) handleColors(choice string) string {
	if choice != "on" && choice != "off" {
		return "Usage: /colors on|off"
	}
	enable := choice == "on"
	r.state.ColorsEnabled = enable
	if r.backend != nil {
		switch r.backend.Name() {
		case "lldb":
			r.backend.RunCommand(fmt.Sprintf("settings set use-color %t", enable), 0)
		case "gdb":
			// Ignored by GDB builds older than 8.3.
			setting := "off"
			if enable {
				setting = "on"
			}
			r.backend.RunCommand("set style enabled "+setting, 0)
		}
	}
	if enable {
		return "Colors enabled."
	}
	return "Colors disabled."
}
