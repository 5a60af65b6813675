package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Database, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			version, err := st.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database %s at schema version %d\n", cfg.Database.Path, version)
			return nil
		},
	}
}
