package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/agenth/pkg/agenth/config"
	"github.com/jholhewres/agenth/pkg/agenth/paths"
	"github.com/jholhewres/agenth/pkg/agenth/server"
)

// newSetupCmd creates `agenth setup`, the interactive configuration wizard.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the configuration interactively",
		Long: `Walk through the basic settings and write config.yaml. Secrets go
to the OS keyring; the config file only keeps references to them.

Examples:
  agenth setup
  agenth setup --config ./config.yaml`,
		RunE: runSetup,
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

// setupAnswers are the values collected by the wizard.
type setupAnswers struct {
	Name         string
	BaseURL      string
	Model        string
	APIKey       string
	AssistantID  string
	APIToken     string
	StoreBackend string
	StoreDSN     string
	DiscordToken string
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = paths.ResolveConfigPath()
	}
	if force, _ := cmd.Flags().GetBool("force"); !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}
	}

	def := config.DefaultConfig()
	ans := setupAnswers{
		Name:         def.Name,
		BaseURL:      def.LLM.BaseURL,
		Model:        def.LLM.Model,
		StoreBackend: "file",
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Instance name").Value(&ans.Name),
			huh.NewInput().Title("LLM API base URL").Value(&ans.BaseURL),
			huh.NewInput().Title("Default model").Value(&ans.Model),
			huh.NewInput().Title("LLM API key").
				Description("Stored in the OS keyring").
				EchoMode(huh.EchoModePassword).
				Value(&ans.APIKey),
			huh.NewInput().Title("Assistant ID").
				Description("Optional. Enables the hosted assistant runner").
				Value(&ans.AssistantID),
		),
		huh.NewGroup(
			huh.NewInput().Title("API token").
				Description("Bearer token for the HTTP API. Empty disables auth").
				EchoMode(huh.EchoModePassword).
				Value(&ans.APIToken),
			huh.NewSelect[string]().Title("Storage backend").
				Options(
					huh.NewOption("Files", "file"),
					huh.NewOption("SQLite", "sqlite"),
					huh.NewOption("PostgreSQL", "postgres"),
				).
				Value(&ans.StoreBackend),
			huh.NewInput().Title("PostgreSQL DSN").
				Description("Only for the postgres backend").
				Value(&ans.StoreDSN),
			huh.NewInput().Title("Discord bot token").
				Description("Optional. Stored in the OS keyring").
				EchoMode(huh.EchoModePassword).
				Value(&ans.DiscordToken),
		),
	).WithTheme(huh.ThemeDracula()).Run()
	if err != nil {
		return err
	}

	cfg, err := applySetup(ans, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if err := config.SaveToFile(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\nNext: agenth serve\n", path)
	return nil
}

// applySetup turns answers into a config. Secrets are moved to the
// keyring; when the keyring is unavailable the config references the
// environment instead and a hint is written to w.
func applySetup(ans setupAnswers, w io.Writer) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if v := strings.TrimSpace(ans.Name); v != "" {
		cfg.Name = v
	}
	if v := strings.TrimSpace(ans.BaseURL); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := strings.TrimSpace(ans.Model); v != "" {
		cfg.LLM.Model = v
	}
	cfg.Runner.AssistantID = strings.TrimSpace(ans.AssistantID)
	cfg.Store.Backend = ans.StoreBackend
	if ans.StoreBackend == "postgres" {
		cfg.Store.DSN = strings.TrimSpace(ans.StoreDSN)
	}

	cfg.LLM.APIKey = keepSecret(strings.TrimSpace(ans.APIKey), config.KeyringAPIKey, config.APIKeyEnv, w)
	cfg.Social.Discord.Token = keepSecret(strings.TrimSpace(ans.DiscordToken), config.KeyringDiscordToken, config.DiscordTokenEnv, w)

	if token := strings.TrimSpace(ans.APIToken); token != "" {
		hash, err := server.HashToken(token)
		if err != nil {
			return nil, err
		}
		cfg.Server.AuthTokenHash = hash
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// keepSecret stores value in the keyring and returns what the config file
// should hold for it: nothing when the keyring has it, otherwise an env
// reference.
func keepSecret(value, keyringKey, envName string, w io.Writer) string {
	if value == "" {
		return ""
	}
	if err := config.StoreKeyring(keyringKey, value); err != nil {
		fmt.Fprintf(w, "keyring unavailable (%v); export %s before starting\n", err, envName)
		return "${" + envName + "}"
	}
	return ""
}

var errNoSecret = errors.New("empty value")
