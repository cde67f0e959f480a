package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbgcopilot/dbgcopilot/cmd/dbgcopilot/commands"
	"github.com/dbgcopilot/dbgcopilot/logger"
)

var rootCmd = &cobra.Command{
	Use:   "dbgcopilot",
	Short: "dbgcopilot - LLM-assisted debugging copilot",
	Long: `dbgcopilot drives an interactive debugger (gdb, lldb, delve, radare2,
jdb, pdb) with an LLM in the loop: the model proposes debugger commands,
you confirm them (or enable auto-approve), and the output feeds the next
turn.

Available commands:
  repl     - Start the interactive copilot REPL
  dbgagent - Run an autonomous debugging session and write a report
  serve    - Start the HTTP/WebSocket front-end
  version  - Show version information

Examples:
  dbgcopilot repl
  dbgcopilot dbgagent --debugger gdb --program ./a.out --goal crash
  dbgcopilot serve --addr localhost:8077`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON on stderr")

	rootCmd.AddCommand(commands.ReplCmd)
	rootCmd.AddCommand(commands.AgentCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
