package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"":      true,
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks a loaded configuration for values that cannot work.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level %q (must be trace, debug, info, warn, or error)", cfg.Logging.Level)
	}

	for i, p := range cfg.SearchPaths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("search_paths[%d] is empty", i)
		}
	}

	for i, p := range cfg.SystemAssemblyPrefixes {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("system_assembly_prefixes[%d] is empty", i)
		}
	}

	return nil
}
