package agent

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dbgcopilot/dbgcopilot/llm"
	"github.com/dbgcopilot/dbgcopilot/session"
)

// buildAgentReport renders the final Markdown report. API keys never
// appear here.
func buildAgentReport(
	state *session.State,
	opts Options,
	result *Result,
	usage *llm.UsageTotals,
	executed []executedCommand,
	started, finished time.Time,
) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# dbgagent report — %s\n\n", state.SessionID)
	fmt.Fprintf(&b, "Goal: %s\n\n", state.Goal)

	b.WriteString("## Final Report\n\n")
	b.WriteString(strings.TrimSpace(result.FinalReport))
	b.WriteString("\n\n")

	b.WriteString("## Session Details\n\n")
	fmt.Fprintf(&b, "- Debugger: %s\n", opts.Debugger)
	if opts.Program != "" {
		fmt.Fprintf(&b, "- Program: %s\n", opts.Program)
	}
	if opts.Core != "" {
		fmt.Fprintf(&b, "- Core file: %s\n", opts.Core)
	}
	provider := opts.Provider
	if provider == "" {
		provider = "mock-local"
	}
	fmt.Fprintf(&b, "- Provider: %s\n", provider)
	if opts.Model != "" {
		fmt.Fprintf(&b, "- Model: %s\n", opts.Model)
	}
	fmt.Fprintf(&b, "- Steps used: %d of %d\n", result.StepsUsed, opts.MaxSteps)
	fmt.Fprintf(&b, "- Concluded: %t\n", result.Concluded)
	fmt.Fprintf(&b, "- Started: %s\n", started.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Finished: %s\n", finished.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Duration: %s\n", finished.Sub(started).Round(time.Millisecond))
	b.WriteString(environmentLines())
	b.WriteString("\n")

	b.WriteString("## LLM Usage\n\n")
	fmt.Fprintf(&b, "- Calls: %d\n", len(usage.Records))
	fmt.Fprintf(&b, "- Prompt tokens: %d\n", usage.PromptTokens)
	fmt.Fprintf(&b, "- Completion tokens: %d\n", usage.CompletionTokens)
	fmt.Fprintf(&b, "- Total tokens: %d\n", usage.TotalTokens)
	if usage.Cost > 0 {
		fmt.Fprintf(&b, "- Cost: %.6f\n", usage.Cost)
	}
	if len(usage.Records) > 0 {
		b.WriteString("\n| # | Provider | Model | Prompt | Completion | Total |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for i, rec := range usage.Records {
			fmt.Fprintf(&b, "| %d | %s | %s | %d | %d | %d |\n",
				i+1, rec.Provider, rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens)
		}
	}
	b.WriteString("\n")

	b.WriteString("## Executed Commands\n\n")
	if len(executed) == 0 {
		b.WriteString("(none)\n")
	}
	for _, e := range executed {
		snippet := strings.ReplaceAll(e.Snippet, "\n", " ")
		fmt.Fprintf(&b, "- `%s`: %s\n", e.Cmd, snippet)
	}
	b.WriteString("\n")

	b.WriteString("## Notes\n\n")
	if len(state.Facts) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range state.Facts {
		fmt.Fprintf(&b, "- %s\n", f)
	}

	return b.String()
}

// environmentLines records where the investigation ran. Useful when a
// report is read far from the machine that produced it.
func environmentLines() string {
	var b strings.Builder
	if info, err := host.Info(); err == nil {
		fmt.Fprintf(&b, "- Host: %s %s (%s)\n", info.Platform, info.PlatformVersion, info.KernelVersion)
	} else {
		fmt.Fprintf(&b, "- Host: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(&b, "- Memory: %.1f GiB total\n", float64(vm.Total)/(1<<30))
	}
	return b.String()
}
