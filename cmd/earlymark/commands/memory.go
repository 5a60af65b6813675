package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage long-term workspace memory",
	}
	cmd.PersistentFlags().StringP("workspace", "w", "", "workspace ID")
	_ = cmd.MarkPersistentFlagRequired("workspace")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <text>",
			Short: "Remember a fact for the workspace",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := bootstrap(cmd)
				if err != nil {
					return err
				}
				st, err := openStore(cmd.Context(), cfg, logger)
				if err != nil {
					return err
				}
				defer st.Close()

				workspace, _ := cmd.Flags().GetString("workspace")
				entry, err := newSearcher(cmd.Context(), cfg, st, logger).
					Remember(cmd.Context(), workspace, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "remembered %s (embedded: %t)\n", entry.ID, len(entry.Embedding) > 0)
				return nil
			},
		},
		&cobra.Command{
			Use:   "search <query>",
			Short: "Search workspace memory",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := bootstrap(cmd)
				if err != nil {
					return err
				}
				st, err := openStore(cmd.Context(), cfg, logger)
				if err != nil {
					return err
				}
				defer st.Close()

				workspace, _ := cmd.Flags().GetString("workspace")
				snippets, err := newSearcher(cmd.Context(), cfg, st, logger).
					SearchMemory(cmd.Context(), workspace, strings.Join(args, " "), cfg.Context.MemorySnippets)
				if err != nil {
					return err
				}
				if len(snippets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no matches")
				}
				for _, s := range snippets {
					fmt.Fprintf(cmd.OutOrStdout(), "%.3f  %s\n", s.Score, s.Content)
				}
				return nil
			},
		},
	)
	return cmd
}
