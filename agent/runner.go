// Package agent runs the non-interactive investigation loop: it seeds a
// debugger backend, iterates the model up to a step budget, and emits a
// Markdown report.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dbgcopilot/dbgcopilot/backend"
	"github.com/dbgcopilot/dbgcopilot/core"
	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/llm"
	"github.com/dbgcopilot/dbgcopilot/session"
)

// DefaultMaxSteps bounds the investigation loop unless overridden.
const DefaultMaxSteps = 16

// llmCallInterval paces provider calls so hosted endpoints are not hammered
// between debugger steps.
const llmCallInterval = 500 * time.Millisecond

// Options configure one agent run.
type Options struct {
	Debugger string
	Program  string
	Core     string

	Goal     string // crash | hang | leak | custom
	GoalText string

	Provider string
	Model    string
	APIKey   string

	Classpath  string
	Sourcepath string
	MainClass  string

	MaxSteps int
	Language string

	LogSession bool
	LogFile    string
	ReportFile string
	ResumeFrom string

	WorkingDir string
	Logger     *zap.SugaredLogger
}

// Result summarizes a finished run.
type Result struct {
	SessionID   string
	FinalReport string
	StepsUsed   int
	Concluded   bool
	ReportPath  string
	LogPath     string
}

// executedCommand is one loop step for the report's command log.
type executedCommand struct {
	Cmd     string `json:"cmd"`
	Snippet string `json:"snippet"`
}

// sessionLog is the on-disk resume format.
type sessionLog struct {
	SessionID  string            `json:"session_id"`
	Goal       string            `json:"goal"`
	Chatlog    []string          `json:"chatlog"`
	Attempts   []session.Attempt `json:"attempts"`
	Facts      []string          `json:"facts"`
	LastOutput string            `json:"last_output"`
}

// Runner drives the loop. Clients is the provider registry (or a scripted
// factory in tests); NewBackend defaults to the real factory.
type Runner struct {
	Clients    core.ClientFactory
	Prompts    *core.PromptConfig
	Logger     *zap.SugaredLogger
	NewBackend func(name string, opts backend.Options) (backend.Backend, error)
	limiter    *rate.Limiter
}

// NewRunner builds a runner over the given client factory.
func NewRunner(clients core.ClientFactory, prompts *core.PromptConfig, logger *zap.SugaredLogger) *Runner {
	if prompts == nil {
		prompts = core.DefaultPromptConfig()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		Clients:    clients,
		Prompts:    prompts,
		Logger:     logger,
		NewBackend: backend.New,
		limiter:    rate.NewLimiter(rate.Every(llmCallInterval), 1),
	}
}

// goalText renders the investigation objective for the prompt.
func goalText(opts Options) string {
	switch opts.Goal {
	case "crash":
		return "Diagnose why the program crashes: find the crashing location, the faulting operation, and the root cause."
	case "hang":
		return "Diagnose why the program hangs: find where execution is stuck and what it is waiting on."
	case "leak":
		return "Diagnose the memory leak: find what allocation grows without being released."
	case "custom":
		return opts.GoalText
	default:
		if opts.GoalText != "" {
			return opts.GoalText
		}
		return "Investigate the program's behavior and report findings."
	}
}

// languageInstruction returns the reply-language hint for the prompt.
func (r *Runner) languageInstruction(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", "en", "english":
		return ""
	case "zh", "chinese", "zh-cn":
		return r.Prompts.LanguageHintZH
	default:
		return fmt.Sprintf("Please answer in %s.\n", lang)
	}
}

// Run executes the loop to completion and writes the report.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Debugger == "" {
		return nil, errors.New("a debugger must be specified")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}

	state := session.New()
	state.ColorsEnabled = false
	state.Goal = goalText(opts)
	if opts.Provider != "" {
		state.SelectedProvider = opts.Provider
	}
	applyProviderOverrides(state, opts)

	if opts.ResumeFrom != "" {
		if err := restoreSession(state, opts.ResumeFrom); err != nil {
			return nil, errors.Wrapf(err, "resuming from %s", opts.ResumeFrom)
		}
	}

	b, startup, err := r.startBackend(opts)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	usage := &llm.UsageTotals{}
	var executed []executedCommand
	started := time.Now()

	finalReport, steps, concluded, loopErr := r.loop(ctx, state, b, startup, usage, &executed, opts)
	if loopErr != nil {
		return nil, loopErr
	}

	result := &Result{
		SessionID:   state.SessionID,
		FinalReport: finalReport,
		StepsUsed:   steps,
		Concluded:   concluded,
	}

	reportPath := opts.ReportFile
	if reportPath == "" {
		reportPath = fmt.Sprintf("dbgagent-%s.md", state.SessionID)
	}
	report := buildAgentReport(state, opts, result, usage, executed, started, time.Now())
	if err := os.WriteFile(reportPath, []byte(report), 0o644); err != nil {
		return nil, errors.Wrapf(err, "writing report %s", reportPath)
	}
	result.ReportPath = reportPath

	if opts.LogSession {
		logPath := opts.LogFile
		if logPath == "" {
			logPath = fmt.Sprintf("dbgagent-%s.session.json", state.SessionID)
		}
		if err := writeSessionLog(state, logPath); err != nil {
			r.Logger.Warnw("could not write session log", "path", logPath, "error", err)
		} else {
			result.LogPath = logPath
		}
	}
	return result, nil
}

// startBackend builds and seeds the backend, returning any startup output
// worth showing the model on the first turn.
func (r *Runner) startBackend(opts Options) (backend.Backend, string, error) {
	program, args, err := splitProgram(opts.Program)
	if err != nil {
		return nil, "", err
	}

	b, err := r.NewBackend(opts.Debugger, backend.Options{
		Program:     program,
		Classpath:   opts.Classpath,
		Sourcepath:  opts.Sourcepath,
		WorkingDir:  opts.WorkingDir,
		EnrichState: true,
		Logger:      r.Logger,
	})
	if err != nil {
		return nil, "", err
	}
	if err := b.Initialize(); err != nil {
		return nil, "", errors.Wrapf(err, "initializing %s", opts.Debugger)
	}

	var seeded []string
	if banner := backend.StartupOutput(b); banner != "" {
		seeded = append(seeded, banner)
	}
	for _, cmd := range seedCommands(opts, program, args) {
		out := b.RunCommand(cmd, 0)
		if strings.TrimSpace(out) != "" {
			seeded = append(seeded, fmt.Sprintf("%s> %s\n%s", b.Name(), cmd, out))
		}
	}
	return b, strings.Join(seeded, "\n"), nil
}

// splitProgram separates a program spec like "./a.out --flag x" into the
// binary path and its arguments.
func splitProgram(program string) (string, []string, error) {
	if strings.TrimSpace(program) == "" {
		return "", nil, nil
	}
	parts, err := shellquote.Split(program)
	if err != nil {
		return "", nil, errors.Wrapf(err, "parsing program spec %q", program)
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return parts[0], parts[1:], nil
}

// seedCommands loads the target into the debugger before the first model
// turn.
func seedCommands(opts Options, program string, args []string) []string {
	var cmds []string
	switch opts.Debugger {
	case "gdb", "rust-gdb":
		if program != "" {
			cmds = append(cmds, "file "+program)
		}
		if len(args) > 0 {
			cmds = append(cmds, "set args "+shellquote.Join(args...))
		}
		if opts.Core != "" {
			cmds = append(cmds, "core-file "+opts.Core)
		}
	case "lldb", "lldb-api", "rust-lldb", "lldb-rust":
		if program != "" {
			cmds = append(cmds, "target create "+program)
		}
		if opts.Core != "" {
			cmds = append(cmds, "target create --core "+opts.Core)
		}
	case "jdb":
		if opts.Classpath != "" {
			cmds = append(cmds, "classpath "+opts.Classpath)
		}
		target := opts.MainClass
		if target == "" {
			target = program
		}
		if target != "" {
			cmds = append(cmds, "file "+target)
		}
	case "pdb":
		if program != "" {
			cmds = append(cmds, "file "+program)
		}
	}
	// delve and radare2 take the program on their command line.
	return cmds
}

// applyProviderOverrides writes the CLI model/key overrides into the
// session config under the provider's keys.
func applyProviderOverrides(state *session.State, opts Options) {
	if opts.Provider == "" {
		return
	}
	key := strings.ReplaceAll(opts.Provider, "-", "_")
	if opts.Model != "" {
		state.Config[key+"_model"] = opts.Model
	}
	if opts.APIKey != "" {
		state.Config[key+"_api_key"] = opts.APIKey
	}
}

// loop is the model/debugger iteration. It returns the final report text,
// the number of steps consumed, and whether the model concluded on its own.
func (r *Runner) loop(
	ctx context.Context,
	state *session.State,
	b backend.Backend,
	startup string,
	usage *llm.UsageTotals,
	executed *[]executedCommand,
	opts Options,
) (string, int, bool, error) {
	provider := state.SelectedProvider
	if provider == "" {
		provider = "mock-local"
	}

	userText := firstTurnText(state, startup)
	for step := 1; step <= opts.MaxSteps; step++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", step - 1, false, errors.Wrap(err, "agent loop cancelled")
		}

		client, err := r.Clients.CreateClient(provider, state.Config)
		if err != nil {
			return "", step - 1, false, err
		}
		prompt := r.buildAgentPrompt(state, b.Name(), opts.Language, userText)
		reply, err := client.Generate(prompt)
		if err != nil {
			return "", step - 1, false, errors.Wrapf(err, "provider %s failed at step %d", provider, step)
		}
		usage.Add(client.LastUsage)
		reply = strings.TrimSpace(reply)

		state.Chatlog = append(state.Chatlog, "User: "+userText, "Assistant: "+reply)

		cmd := extractCmd(reply)
		if cmd == "" {
			if reply == "" {
				// Nothing actionable; nudge the model again.
				r.Logger.Debugw("empty reply, continuing", "step", step)
				userText = r.Prompts.AgentFollowup
				continue
			}
			return reply, step, true, nil
		}

		r.Logger.Infow("executing", "step", step, "cmd", cmd)
		output := b.RunCommand(cmd, 0)
		state.LastOutput = output
		state.RecordAttempt(cmd, output)
		state.Chatlog = append(state.Chatlog, fmt.Sprintf("Assistant: (executed) %s\n%s", cmd, output))
		snippet := output
		if runes := []rune(snippet); len(runes) > session.SnippetLimit {
			snippet = string(runes[:session.SnippetLimit])
		}
		*executed = append(*executed, executedCommand{Cmd: cmd, Snippet: snippet})

		shown := output
		if strings.TrimSpace(shown) == "" {
			shown = "(no output)"
		}
		userText = fmt.Sprintf("The debugger command `%s` was executed.\nDebugger output:\n%s\n%s",
			cmd, shown, r.Prompts.AgentFollowup)
	}

	fallback := "Max iterations reached without a conclusive Final Report.\n\n" +
		"Partial findings:\n" + core.BuildMarkdownReport(state)
	return fallback, opts.MaxSteps, false, nil
}

func firstTurnText(state *session.State, startup string) string {
	var b strings.Builder
	b.WriteString("Begin the investigation. Goal: " + state.Goal)
	if startup != "" {
		b.WriteString("\nDebugger startup output:\n" + startup)
	}
	if len(state.Facts) > 0 {
		b.WriteString("\nKnown context from a previous session:\n")
		for _, f := range state.Facts {
			b.WriteString("- " + f + "\n")
		}
	}
	return b.String()
}

// buildAgentPrompt composes the autonomous-mode prompt.
func (r *Runner) buildAgentPrompt(state *session.State, debugger, language, userText string) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(r.Prompts.SystemPreamble, "{debugger}", debugger))
	b.WriteString("\n")
	b.WriteString(r.Prompts.AgentPreamble)
	b.WriteString("\n")
	if len(r.Prompts.Rules) > 0 {
		b.WriteString("\nRules:\n")
		for _, rule := range r.Prompts.Rules {
			b.WriteString("- " + rule + "\n")
		}
	}
	if hint := r.languageInstruction(language); hint != "" {
		b.WriteString("\n" + hint)
	}
	if state.Goal != "" {
		b.WriteString("\nGoal: " + state.Goal + "\n")
	}
	if state.LastOutput != "" {
		b.WriteString("\nLast debugger output:\n")
		b.WriteString(core.HeadTailTruncate(state.LastOutput, 2000))
		b.WriteString("\n")
	}
	if len(state.Chatlog) > 0 {
		b.WriteString("\nInvestigation so far:\n")
		b.WriteString(core.HeadTailTruncate(strings.Join(state.Chatlog, "\n"), r.Prompts.MaxContextChars))
		b.WriteString("\n")
	}
	b.WriteString("\nUser: " + userText + "\nAssistant:")
	return b.String()
}

var agentCmdRE = core.CmdPattern()

func extractCmd(reply string) string {
	match := agentCmdRE.FindStringSubmatch(reply)
	if match == nil {
		return ""
	}
	return strings.TrimSpace(match[1])
}

func writeSessionLog(state *session.State, path string) error {
	log := sessionLog{
		SessionID:  state.SessionID,
		Goal:       state.Goal,
		Chatlog:    state.Chatlog,
		Attempts:   state.Attempts,
		Facts:      state.Facts,
		LastOutput: state.LastOutput,
	}
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func restoreSession(state *session.State, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var log sessionLog
	if err := json.Unmarshal(data, &log); err != nil {
		return err
	}
	state.Chatlog = log.Chatlog
	state.Attempts = log.Attempts
	state.Facts = log.Facts
	state.LastOutput = log.LastOutput
	if log.Goal != "" && state.Goal == "" {
		state.Goal = log.Goal
	}
	return nil
}
