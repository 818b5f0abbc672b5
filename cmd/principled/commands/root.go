// Package commands implements the principled CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "principled",
		Short: "Principled - daily principle reminders and empathy analysis",
		Long: `Principled is a Telegram bot that keeps your personal principles in
front of you and helps you read difficult conversations.

It sends one random principle per day at a time you choose, and it can
analyze forwarded conversations with the Schulz von Thun four-sides model.

Examples:
  principled setup
  principled serve
  principled chat
  principled outline my-principles.md`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newChatCmd(),
		newOutlineCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
