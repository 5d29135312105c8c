package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agenth/pkg/agenth/config"
	"github.com/jholhewres/agenth/pkg/agenth/server"
)

// secretKeys maps `config set-key` targets to keyring entries.
var secretKeys = map[string]string{
	"api":     config.KeyringAPIKey,
	"discord": config.KeyringDiscordToken,
}

// newConfigCmd creates `agenth config` for secret and token management.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage secrets and API tokens",
	}
	cmd.AddCommand(newSetKeyCmd(), newDeleteKeyCmd(), newHashTokenCmd())
	return cmd
}

func newSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set-key [api|discord]",
		Short:     "Store a secret in the OS keyring",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"api", "discord"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "api"
			if len(args) == 1 {
				target = args[0]
			}
			value, err := config.ReadPassword(fmt.Sprintf("Enter %s secret: ", target))
			if err != nil {
				return err
			}
			if value == "" {
				return errNoSecret
			}
			if err := config.StoreKeyring(secretKeys[target], value); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s secret stored in the keyring\n", target)
			return nil
		},
	}
}

func newDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "delete-key [api|discord]",
		Short:     "Remove a secret from the OS keyring",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"api", "discord"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DeleteKeyring(secretKeys[args[0]]); err != nil {
				return fmt.Errorf("deleting from keyring: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s secret removed\n", args[0])
			return nil
		},
	}
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token",
		Short: "Hash an API token for server.auth_token_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := config.ReadPassword("API token: ")
			if err != nil {
				return err
			}
			if token == "" {
				return errNoSecret
			}
			hash, err := server.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server:\n  auth_token_hash: %q\n", hash)
			return nil
		},
	}
}
