package app

import (
	"io"

	"forgeauth/internal/config"
)

// Config holds the runtime options given on the command line.
type Config struct {
	Debug bool

	// ConfigPath is the YAML file to load. Empty means config.DefaultConfigFile
	// if it exists.
	ConfigPath string

	// EnvFiles are .env files to load; empty means config.DefaultEnvFile.
	EnvFiles []string

	// Watch reloads application seeds when the config file changes.
	Watch bool

	// LogOutput defaults to stdout.
	LogOutput io.Writer

	// Settings is filled in by NewApplication, or used as is when set.
	Settings *config.Config
}

// NewConfig creates runtime options.
func NewConfig(debug bool, configPath string, watch bool) *Config {
	return &Config{
		Debug:      debug,
		ConfigPath: configPath,
		Watch:      watch,
	}
}
