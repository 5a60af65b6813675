package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/config"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the model API key in the OS keyring",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set [key]",
			Short: "Store the model API key (reads stdin when no argument is given)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var key string
				if len(args) > 0 {
					key = args[0]
				} else {
					var err error
					if key, err = readKey(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
						return err
					}
				}
				key = strings.TrimSpace(key)
				if key == "" {
					return fmt.Errorf("empty key")
				}
				if err := config.StoreAPIKey(key); err != nil {
					return fmt.Errorf("keyring: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "API key stored in the OS keyring")
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the model API key",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := config.DeleteAPIKey(); err != nil {
					return fmt.Errorf("keyring: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "API key removed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show where the model API key is resolved from",
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, _ := cmd.Root().PersistentFlags().GetString("config")
				cfg, _, err := config.LoadOrDefault(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.Model.Provider, config.ResolveAPIKey(cfg, nil))
				return nil
			},
		},
	)
	return cmd
}

// readKey reads the key without echo when in is a terminal, otherwise it
// reads one line so piped input works.
func readKey(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "API key: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading key: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading key: %w", err)
	}
	return line, nil
}
