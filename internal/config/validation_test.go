package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}, wantErr: false},
		{name: "empty level", mutate: func(c *Config) { c.Logging.Level = "" }, wantErr: false},
		{name: "trace level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: false},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "search paths", mutate: func(c *Config) { c.SearchPaths = []string{"/opt/builds"} }, wantErr: false},
		{name: "blank search path", mutate: func(c *Config) { c.SearchPaths = []string{"/opt/builds", "  "} }, wantErr: true},
		{name: "blank system prefix", mutate: func(c *Config) { c.SystemAssemblyPrefixes = []string{""} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	assert.Error(t, Validate(nil))
}
