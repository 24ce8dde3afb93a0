// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Loader handles loading and saving the configuration file.
type Loader struct {
	homeDir string
}

// NewLoader creates a new config loader.
// The base directory is resolved in this order:
//  1. MOTESYM_CONFIG environment variable.
//  2. User home directory (~/).
//  3. /tmp/motesym-fallback (containerized environments without a home dir).
//
// The loader never fails to construct; without a home directory Load still
// returns defaults with env var overrides applied.
func NewLoader() *Loader {
	if baseDir := os.Getenv("MOTESYM_CONFIG"); baseDir != "" {
		return &Loader{homeDir: baseDir}
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		return &Loader{homeDir: homeDir}
	}

	return &Loader{homeDir: "/tmp/motesym-fallback"}
}

// ConfigPath returns the path to the config file.
func (l *Loader) ConfigPath() string {
	return filepath.Join(l.homeDir, DefaultDir, ConfigFile)
}

// Load loads the configuration.
// Returns the default config if the file doesn't exist, then applies
// environment variable overrides in either case.
func (l *Loader) Load() (*Config, error) {
	path := l.ConfigPath()

	var config *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config = DefaultConfig()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := MergeFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return config, nil
}

// Save writes the configuration file, creating the directory if needed.
func (l *Loader) Save(config *Config) error {
	path := l.ConfigPath()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
