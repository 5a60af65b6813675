// Package commands implements the earlymark CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "earlymark",
		Short: "Earlymark - CRM assistant for trade businesses",
		Long: `Earlymark answers customer enquiries on behalf of a trade business,
triages new leads and acts on the CRM within the owner's autonomy settings.

Examples:
  earlymark serve
  earlymark chat --memory --dry-run
  earlymark triage --workspace ws-1 --title "Blocked drain"
  earlymark migrate`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newTriageCmd(),
		newMigrateCmd(),
		newMemoryCmd(),
		newKeysCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
