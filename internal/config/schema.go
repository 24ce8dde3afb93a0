package config

// SchemaVersion is the configuration schema version.
const SchemaVersion = "1"

// DefaultDir is the directory under the user's home that holds motesym state.
const DefaultDir = ".motesym"

// ConfigFile is the name of the config file inside DefaultDir.
const ConfigFile = "config.yaml"

// Config represents the ~/.motesym/config.yaml config file.
// The file is optional; every field has a usable default.
type Config struct {
	Version string `yaml:"version"`

	// SearchPaths are extra directories consulted when locating symbol
	// files and local build artifacts.
	SearchPaths []string `yaml:"search_paths,omitempty" env:"MOTESYM_SEARCH_PATHS"`

	// SystemAssemblyPrefixes override the assembly-name prefixes treated
	// as runtime libraries when picking a program entry point.
	SystemAssemblyPrefixes []string `yaml:"system_assembly_prefixes,omitempty"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls diagnostic output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"MOTESYM_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"MOTESYM_LOG_PRETTY"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Version: SchemaVersion,
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}
