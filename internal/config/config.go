package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models velonode.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Ledger struct {
		StartingBalance int64 `yaml:"starting_balance"`
	} `yaml:"ledger"`
	Jobs struct {
		HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_seconds"`
	} `yaml:"jobs"`
	Build struct {
		BaseImage string `yaml:"base_image"`
		Registry  string `yaml:"registry"`
		DockerBin string `yaml:"docker_bin"`
		Workdir   string `yaml:"workdir"`
	} `yaml:"build"`
	Auth struct {
		JWTSecret        string `yaml:"jwt_secret"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"auth"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Listen = ":4000"
	cfg.Server.BasePath = "/v1"
	cfg.Ledger.StartingBalance = 1000
	cfg.Jobs.HeartbeatTimeoutSeconds = 900
	cfg.Build.BaseImage = "python:3.11-slim"
	cfg.Build.DockerBin = "docker"
	cfg.Auth.AllowActorHeader = false
	return cfg
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "velonode.yml")
}

// Load reads config from the workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes, layered over defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.StartingBalance < 0 {
		return fmt.Errorf("config.ledger.starting_balance must not be negative")
	}
	if c.Jobs.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("config.jobs.heartbeat_timeout_seconds must be positive")
	}
	if c.Build.BaseImage == "" {
		return fmt.Errorf("config.build.base_image is required")
	}
	if c.Build.DockerBin == "" {
		return fmt.Errorf("config.build.docker_bin is required")
	}
	return nil
}
