package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath overrides config discovery when set.
const EnvConfigPath = "CONDUCTOR_CONFIG"

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $CONDUCTOR_CONFIG, ~/.config/conductor/config.yaml,
// /etc/conductor/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	for _, candidate := range candidatePaths() {
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/conductor/config.yaml, /etc/conductor/config.yaml, ./config.yaml)", EnvConfigPath)
}

func candidatePaths() []string {
	var paths []string
	if p := os.Getenv(EnvConfigPath); p != "" {
		if dirExists(p) {
			p = filepath.Join(p, "config.yaml")
		}
		paths = append(paths, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "conductor", "config.yaml"))
	}
	return append(paths, "/etc/conductor/config.yaml", "./config.yaml")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
