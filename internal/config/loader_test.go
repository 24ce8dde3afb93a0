package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_SaveAndLoad(t *testing.T) {
	tmpHome := t.TempDir()
	loader := &Loader{homeDir: tmpHome}

	config := &Config{
		Version:     SchemaVersion,
		SearchPaths: []string{"/opt/builds", "/srv/artifacts"},
		Logging: LoggingConfig{
			Level:  "debug",
			Pretty: false,
		},
	}

	require.NoError(t, loader.Save(config))
	assert.FileExists(t, loader.ConfigPath())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, config.Version, loaded.Version)
	assert.Equal(t, config.SearchPaths, loaded.SearchPaths)
	assert.Equal(t, "debug", loaded.Logging.Level)
	assert.False(t, loaded.Logging.Pretty)
}

func TestLoader_Load_NotExists(t *testing.T) {
	loader := &Loader{homeDir: t.TempDir()}

	config, err := loader.Load()
	require.NoError(t, err)
	require.NotNil(t, config)
	assert.Equal(t, SchemaVersion, config.Version)
	assert.Equal(t, "info", config.Logging.Level)
	assert.True(t, config.Logging.Pretty)
	assert.Empty(t, config.SearchPaths)
}

func TestLoader_Load_EnvOverrides(t *testing.T) {
	loader := &Loader{homeDir: t.TempDir()}
	require.NoError(t, loader.Save(&Config{
		Version: SchemaVersion,
		Logging: LoggingConfig{Level: "info", Pretty: true},
	}))

	t.Setenv("MOTESYM_LOG_LEVEL", "trace")
	t.Setenv("MOTESYM_LOG_PRETTY", "false")
	t.Setenv("MOTESYM_SEARCH_PATHS", "/opt/builds, /srv/artifacts")

	config, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "trace", config.Logging.Level)
	assert.False(t, config.Logging.Pretty)
	assert.Equal(t, []string{"/opt/builds", "/srv/artifacts"}, config.SearchPaths)
}

func TestLoader_Load_EnvOverridesDefaults(t *testing.T) {
	// No file on disk; env vars still apply on top of defaults.
	loader := &Loader{homeDir: t.TempDir()}

	t.Setenv("MOTESYM_LOG_LEVEL", "warn")

	config, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", config.Logging.Level)
	assert.True(t, config.Logging.Pretty)
}

func TestLoader_Load_InvalidYAML(t *testing.T) {
	tmpHome := t.TempDir()
	loader := &Loader{homeDir: tmpHome}

	dir := filepath.Join(tmpHome, DefaultDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("search_paths: ["), 0644))

	_, err := loader.Load()
	assert.Error(t, err)
}

func TestNewLoader_ConfigEnvOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv("MOTESYM_CONFIG", base)

	loader := NewLoader()
	assert.Equal(t, filepath.Join(base, DefaultDir, ConfigFile), loader.ConfigPath())
}
