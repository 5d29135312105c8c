// Package paths resolves where agenth keeps its config and state.
// Everything lives under one state directory (~/.agenth by default).
package paths

import (
	"os"
	"path/filepath"
)

// AppName is the application name used for the state directory.
const AppName = "agenth"

// StateDirEnv is the environment variable for custom state directory.
const StateDirEnv = "AGENTH_STATE_DIR"

// ConfigPathEnv is the environment variable for custom config path.
const ConfigPathEnv = "AGENTH_CONFIG_PATH"

// ResolveStateDir returns the state directory.
// Precedence: AGENTH_STATE_DIR > ~/.agenth > . when ./data already exists.
func ResolveStateDir() string {
	if dir := os.Getenv(StateDirEnv); dir != "" {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	dir := filepath.Join(home, "."+AppName)
	if _, err := os.Stat(dir); err == nil {
		return dir
	}
	if _, err := os.Stat("./data"); err == nil {
		return "."
	}
	return dir
}

// ResolveDataDir returns the data directory path.
func ResolveDataDir() string {
	return filepath.Join(ResolveStateDir(), "data")
}

// ResolveStoreDir is the root of the file store backend.
func ResolveStoreDir() string {
	return filepath.Join(ResolveDataDir(), "state")
}

// ResolveDatabasePath returns the path of a database file in the data dir.
func ResolveDatabasePath(filename string) string {
	return filepath.Join(ResolveDataDir(), filename)
}

// ResolveAgentsPath returns the default team definition file.
func ResolveAgentsPath() string {
	return filepath.Join(ResolveStateDir(), "agents.yaml")
}

// ResolveEnvFile returns the .env loaded at startup. A local ./.env wins.
func ResolveEnvFile() string {
	if _, err := os.Stat(".env"); err == nil {
		return ".env"
	}
	return filepath.Join(ResolveStateDir(), ".env")
}

// ResolveConfigPath returns the config file path.
// Precedence: AGENTH_CONFIG_PATH > <state>/config.yaml > ./config.yaml.
func ResolveConfigPath() string {
	if path := os.Getenv(ConfigPathEnv); path != "" {
		return path
	}

	statePath := filepath.Join(ResolveStateDir(), "config.yaml")
	if _, err := os.Stat(statePath); err == nil {
		return statePath
	}

	for _, p := range []string{"config.yaml", "config.yml", "agenth.yaml", "agenth.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return statePath
}

// EnsureStateDirs creates the state directory structure if it doesn't exist.
func EnsureStateDirs() error {
	for _, dir := range []string{ResolveStateDir(), ResolveDataDir(), ResolveStoreDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
