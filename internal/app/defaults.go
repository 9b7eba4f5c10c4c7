package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// PassphraseEnv names the variable that unlocks stored credentials without a prompt.
const PassphraseEnv = "KPVAULT_PASSPHRASE"

// LoadDotEnv loads path (usually ".env") into the environment. Variables that
// are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - KPVAULT_CONFIG_PATH: config file location (default: ~/.config/kpvault.toml)
//   - KPVAULT_HOME: base directory for kpvault data (default: ~/.local/share/kpvault)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"passphrase":  os.Getenv(PassphraseEnv),
	}, nil
}

// getConfigPath returns the config file path, checking KPVAULT_CONFIG_PATH env var first,
// then falling back to the default ~/.config/kpvault.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("KPVAULT_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "kpvault.toml"), nil
}

// getBaseDir returns the base directory for kpvault data, checking KPVAULT_HOME env var first,
// then falling back to the XDG default ~/.local/share/kpvault.
func getBaseDir() (string, error) {
	if path := os.Getenv("KPVAULT_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "kpvault"), nil
}
