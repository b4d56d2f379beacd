package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the rwkvrun configuration file
// (~/.config/rwkvrun/config.yaml). Pointer fields distinguish "not set" from
// zero values.
type Config struct {
	Model    string `yaml:"model"`
	Strategy string `yaml:"strategy"`
	Backend  string `yaml:"backend"`

	RescaleLayer   *int  `yaml:"rescale_layer"`
	DisablePinning *bool `yaml:"disable_pinning"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxSessions   *int   `yaml:"max_sessions"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "rwkvrun", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// file that does not parse is an error.
func LoadConfig() (Config, error) {
	path := configPath()
	if path == "" {
		return Config{}, nil
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the model flags when the
// corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.Strategy != "" && !c.IsSet("strategy") {
		strategySpec = cfg.Strategy
	}
	if cfg.RescaleLayer != nil && !c.IsSet("rescale-layer") {
		rescaleLayer = *cfg.RescaleLayer
	}
	if cfg.DisablePinning != nil && !c.IsSet("no-pin") {
		disablePinning = *cfg.DisablePinning
	}
}

func applyBackendConfig(c *cli.Command, cfg Config) {
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, maxSessions *int) {
	applyModelConfig(c, cfg)
	applyBackendConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxSessions != nil && !c.IsSet("max-sessions") {
		*maxSessions = *cfg.MaxSessions
	}
}
