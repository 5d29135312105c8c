// Package commands implements the agenth CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "agenth",
		Short: "Agent-H: multi-agent orchestration daemon",
		Long: `Agent-H delegates conversational tasks to a team of LLM-backed
agents, runs scheduled prompts and answers social mentions.

Examples:
  agenth setup
  agenth serve
  agenth chat "What is the BTC coin id?"
  agenth task add --in 10m --owner 0xABC "Summarize my calendar"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringP("config", "c", "", "config file (default: auto-discovered)")
	root.PersistentFlags().BoolP("verbose", "v", false, "debug logging")

	root.AddCommand(
		newServeCmd(version),
		newChatCmd(),
		newTaskCmd(),
		newSetupCmd(),
		newConfigCmd(),
	)
	return root
}
