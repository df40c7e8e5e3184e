package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "Task-automation engine driving an external coding assistant",
	Long: `taskd runs long-lived automation tasks against an external coding
assistant CLI: it executes the conversation loop, streams and persists
every interaction, judges completion, enforces iteration and token caps,
and isolates parallel tasks in per-task git worktrees.

Running 'taskd' without a subcommand is equivalent to 'taskd serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
