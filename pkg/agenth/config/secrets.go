package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "agenth"

	// KeyringAPIKey is the keyring entry of the LLM API key.
	KeyringAPIKey = "api_key"

	// KeyringDiscordToken is the keyring entry of the Discord bot token.
	KeyringDiscordToken = "discord_token"

	// APIKeyEnv is read when the keyring has no API key.
	APIKeyEnv = "AGENTH_API_KEY"

	// DiscordTokenEnv is read when the keyring has no Discord token.
	DiscordTokenEnv = "AGENTH_DISCORD_TOKEN"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveSecrets fills the LLM API key and the Discord token using the
// priority chain keyring → environment → config value. It reports where
// the API key came from ("keyring", "env", "config" or "").
func ResolveSecrets(cfg *Config, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	source := resolveSecret(&cfg.LLM.APIKey, KeyringAPIKey, []string{APIKeyEnv, "OPENAI_API_KEY"})
	if source == "" {
		logger.Warn("no API key found. Set one with: agenth config set-key")
	} else {
		logger.Debug("API key resolved", "source", source)
	}
	if src := resolveSecret(&cfg.Social.Discord.Token, KeyringDiscordToken, []string{DiscordTokenEnv}); src != "" {
		logger.Debug("discord token resolved", "source", src)
	}
	return source
}

func resolveSecret(field *string, keyringKey string, envNames []string) string {
	if val := GetKeyring(keyringKey); val != "" {
		*field = val
		return "keyring"
	}
	for _, name := range envNames {
		if val := os.Getenv(name); val != "" {
			*field = val
			return "env"
		}
	}
	if *field != "" && !IsEnvReference(*field) && !strings.HasPrefix(*field, errMarker) {
		return "config"
	}
	*field = ""
	return ""
}

// ReadPassword prompts on stderr and reads a line without echo. When stdin
// is not a terminal the line is read as is.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// looksLikeRealKey reports whether v is a literal secret rather than a
// placeholder.
func looksLikeRealKey(v string) bool {
	if v == "" || IsEnvReference(v) {
		return false
	}
	return strings.HasPrefix(v, "sk-") || len(v) > 20
}

// PlaintextSecrets lists the config fields of a freshly loaded file that
// hold literal secrets instead of references.
func PlaintextSecrets(cfg *Config) []string {
	var out []string
	if looksLikeRealKey(cfg.LLM.APIKey) {
		out = append(out, "llm.api_key")
	}
	if looksLikeRealKey(cfg.Social.Discord.Token) {
		out = append(out, "social.discord.token")
	}
	if looksLikeRealKey(cfg.Calendar.AccessToken) {
		out = append(out, "calendar.access_token")
	}
	return out
}
