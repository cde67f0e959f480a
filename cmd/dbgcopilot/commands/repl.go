package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dbgcopilot/dbgcopilot/config"
	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/llm"
	"github.com/dbgcopilot/dbgcopilot/logger"
	"github.com/dbgcopilot/dbgcopilot/repl"
)

// ReplCmd starts the interactive copilot.
var ReplCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start the interactive copilot REPL",
	Long: `Start the interactive REPL. Pick a debugger with /use, an LLM provider
with /llm use, then chat; the model proposes debugger commands wrapped for
confirmation. Type /help inside the REPL for the full command list.`,
	RunE: runRepl,
}

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	registry, err := llm.NewRegistry(logger.Named("llm"))
	if err != nil {
		return errors.Wrap(err, "loading provider registry")
	}

	r := repl.New(registry, nil, logger.Named("repl"), os.Stdin, os.Stdout)
	if cfg.LLM.Provider != "" && registry.GetProvider(cfg.LLM.Provider) != nil {
		r.State().SelectedProvider = cfg.LLM.Provider
		r.State().Config["llm_provider"] = cfg.LLM.Provider
	}
	return r.Run()
}
