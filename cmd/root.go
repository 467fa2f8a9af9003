package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	configFile        string
	modelFlag         string
	mcpURLFlag        string
	maxIterationsFlag int
	logLevelFlag      string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default $XDG_CONFIG_HOME/docpilot/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "Override anthropic.model")
	rootCmd.PersistentFlags().StringVar(&mcpURLFlag, "mcp-url", "", "Override the tool server URL")
	rootCmd.PersistentFlags().IntVar(&maxIterationsFlag, "max-iterations", 0, "Override agent.max_iterations")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override log.level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "docpilot",
	Short: "Edit documents with Claude and an MCP tool server",
	Long: `docpilot drives a tool-using agent loop: each query goes to Claude together
with the tool catalog of an MCP server, requested tools are invoked, and the
loop continues until the model answers without tools.

Examples:
  docpilot serve                          # HTTP backend for the editor front end
  docpilot ask "rename the first table"   # one query, rendered in the terminal
  docpilot ask --json "summarize"         # one query, NDJSON events on stdout
  docpilot tools                          # list the tool catalog
  docpilot usage --since 20260101         # cost ledger summary`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	SilenceUsage:      true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
