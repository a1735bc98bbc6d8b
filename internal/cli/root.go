// Package cli implements the controllerd binary's subcommands.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "controllerd",
	Short: "Task orchestration controller",
	Long: `controllerd accepts operator requests, plans them into a sequence of
commands, validates the plan against the safety policy, and dispatches it to
a connected agent over the agent WebSocket, tracking the task through to
completion.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentTokenCmd)
	rootCmd.AddCommand(validateConfigCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "controller.json", "Path to the controller.json config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
