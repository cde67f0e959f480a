package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbgcopilot/dbgcopilot/agent"
	"github.com/dbgcopilot/dbgcopilot/config"
	"github.com/dbgcopilot/dbgcopilot/core"
	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/llm"
	"github.com/dbgcopilot/dbgcopilot/logger"
)

// AgentCmd runs one autonomous debugging session end to end.
var AgentCmd = &cobra.Command{
	Use:     "dbgagent",
	Aliases: []string{"agent"},
	Short:   "Run an autonomous debugging session and write a Markdown report",
	Long: `Run the debugger under LLM control without confirmations: the model
issues commands until it produces a Final Report or the step budget runs
out, then a Markdown report is written.

Examples:
  dbgcopilot dbgagent --debugger gdb --program ./a.out --goal crash
  dbgcopilot dbgagent --debugger gdb --program ./svc --core core.1234
  dbgcopilot dbgagent --debugger jdb --classpath build --main-class App --goal hang
  dbgcopilot dbgagent --debugger gdb --program ./a.out --resume-from prior.session.json`,
	RunE: runAgent,
}

var (
	agentDebugger   string
	agentProgram    string
	agentCore       string
	agentGoal       string
	agentGoalText   string
	agentProvider   string
	agentModel      string
	agentKey        string
	agentClasspath  string
	agentSourcepath string
	agentMainClass  string
	agentMaxSteps   int
	agentLanguage   string
	agentLogSession bool
	agentLogFile    string
	agentReportFile string
	agentResumeFrom string
)

func init() {
	f := AgentCmd.Flags()
	f.StringVar(&agentDebugger, "debugger", "", "Debugger backend (gdb|lldb|lldb-rust|jdb|pdb|delve|radare2)")
	f.StringVar(&agentProgram, "program", "", "Program (binary, script, or 'binary args...') to debug")
	f.StringVar(&agentCore, "core", "", "Core dump to load alongside the program")
	f.StringVar(&agentGoal, "goal", "crash", "Investigation goal (crash|hang|leak|custom)")
	f.StringVar(&agentGoalText, "goal-text", "", "Custom goal text (with --goal custom)")
	f.StringVar(&agentProvider, "llm-provider", "", "LLM provider name from the registry")
	f.StringVar(&agentModel, "llm-model", "", "Model override for this run")
	f.StringVar(&agentKey, "llm-key", "", "API key override for this run")
	f.StringVar(&agentClasspath, "classpath", "", "Java classpath (jdb)")
	f.StringVar(&agentSourcepath, "sourcepath", "", "Java sourcepath (jdb)")
	f.StringVar(&agentMainClass, "main-class", "", "Java main class (jdb)")
	f.IntVar(&agentMaxSteps, "max-steps", 0, "Maximum LLM-driven steps (default from config)")
	f.StringVar(&agentLanguage, "language", "", "Report language (en|zh|...)")
	f.BoolVar(&agentLogSession, "log-session", false, "Write a resumable session log next to the report")
	f.StringVar(&agentLogFile, "log-file", "", "Session log path (implies --log-session)")
	f.StringVar(&agentReportFile, "report-file", "", "Report output path")
	f.StringVar(&agentResumeFrom, "resume-from", "", "Seed context from a previous session log")

	AgentCmd.MarkFlagRequired("debugger")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	registry, err := llm.NewRegistry(logger.Named("llm"))
	if err != nil {
		return errors.Wrap(err, "loading provider registry")
	}
	prompts, err := core.LoadPromptConfig()
	if err != nil {
		logger.Logger.Warnw("Prompt config load failed, using defaults", "error", err)
		prompts = core.DefaultPromptConfig()
	}

	provider := agentProvider
	if provider == "" {
		provider = cfg.LLM.Provider
	}
	model := agentModel
	if model == "" {
		model = cfg.LLM.Model
	}
	maxSteps := agentMaxSteps
	if maxSteps <= 0 {
		maxSteps = cfg.Agent.MaxSteps
	}
	language := agentLanguage
	if language == "" {
		language = cfg.Agent.Language
	}
	classpath := agentClasspath
	if classpath == "" {
		classpath = cfg.Debugger.Classpath
	}
	sourcepath := agentSourcepath
	if sourcepath == "" {
		sourcepath = cfg.Debugger.Sourcepath
	}

	runner := agent.NewRunner(registry, prompts, logger.Named("agent"))
	result, err := runner.Run(cmd.Context(), agent.Options{
		Debugger:   agentDebugger,
		Program:    agentProgram,
		Core:       agentCore,
		Goal:       agentGoal,
		GoalText:   agentGoalText,
		Provider:   provider,
		Model:      model,
		APIKey:     agentKey,
		Classpath:  classpath,
		Sourcepath: sourcepath,
		MainClass:  agentMainClass,
		MaxSteps:   maxSteps,
		Language:   language,
		LogSession: agentLogSession || agentLogFile != "",
		LogFile:    agentLogFile,
		ReportFile: agentReportFile,
		ResumeFrom: agentResumeFrom,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", result.ReportPath)
	if result.LogPath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Session log written to %s\n", result.LogPath)
	}
	if !result.Concluded {
		fmt.Fprintf(cmd.OutOrStdout(), "Stopped after %d steps without a conclusive report.\n", result.StepsUsed)
	}
	return nil
}
