// Package config loads the host's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the host configuration. Every field has a working default
// so the host runs with no config file at all.
type Config struct {
	// AgentBinary is the coding-agent CLI the host spawns for sessions
	// and identity operations.
	AgentBinary string `yaml:"agent_binary"`

	// MaxSessions caps concurrently hosted sessions. Zero or negative
	// means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// EventBuffer is the output writer's queue depth.
	EventBuffer int `yaml:"event_buffer"`

	// InspectAddr, when set, serves the websocket inspection mirror and
	// /metrics on that address (e.g. "127.0.0.1:9310").
	InspectAddr string `yaml:"inspect_addr"`

	// WatchFiles enables per-session working-directory watching and
	// files_update events.
	WatchFiles bool `yaml:"watch_files"`

	// LogFile mirrors the stderr log into a file.
	LogFile string `yaml:"log_file"`
}

// Load reads the config at path. A missing file is not an error: the
// defaults apply. Environment variables override file values where an
// override makes sense for a spawned process (AGENT_HOST_BINARY,
// AGENT_HOST_INSPECT_ADDR).
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if v := os.Getenv("AGENT_HOST_BINARY"); v != "" {
		cfg.AgentBinary = v
	}
	if v := os.Getenv("AGENT_HOST_INSPECT_ADDR"); v != "" {
		cfg.InspectAddr = v
	}

	// Set defaults
	if cfg.AgentBinary == "" {
		cfg.AgentBinary = "pi"
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 32
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	return &cfg, nil
}
