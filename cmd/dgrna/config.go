package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration file (~/.config/dgrna/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelDir      string `yaml:"model_dir"`
	Backend       string `yaml:"backend"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	ServerAddress string `yaml:"server_address"`
	Seed          *int64 `yaml:"seed"`
	BatchSize     *int64 `yaml:"batch_size"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dgrna", "config.yaml")
}

// LoadConfig reads path. A missing file yields a zero Config; a malformed
// one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// isSet reports whether any of the named flags was given on the command line.
func isSet(c *cli.Command, names ...string) bool {
	for _, n := range names {
		if c.IsSet(n) {
			return true
		}
	}
	return false
}

func applyLoggingConfig(c *cli.Command, cfg Config, level, format *string) {
	if cfg.LogLevel != "" && !isSet(c, "log-level") {
		*level = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !isSet(c, "log-format") {
		*format = cfg.LogFormat
	}
}

// applyModelConfig fills the shared model flags from the config file when
// they were not given explicitly.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelDir != "" && !isSet(c, "model", "m") {
		modelDir = cfg.ModelDir
	}
	if cfg.Backend != "" && !isSet(c, "backend") {
		backend = cfg.Backend
	}
}

func applyEmbedConfig(c *cli.Command, cfg Config, batchSize *int64) {
	applyModelConfig(c, cfg)
	if cfg.BatchSize != nil && !isSet(c, "batch-size") {
		*batchSize = *cfg.BatchSize
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string, batchSize *int64) {
	applyEmbedConfig(c, cfg, batchSize)
	if cfg.ServerAddress != "" && !isSet(c, "addr") {
		*addr = cfg.ServerAddress
	}
}

func applyInitConfig(c *cli.Command, cfg Config, seed *int64) {
	if cfg.Seed != nil && !isSet(c, "seed") {
		*seed = *cfg.Seed
	}
}
