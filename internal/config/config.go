// Package config loads the merged clawgate configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config represents the merged clawgate configuration
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Auth    AuthConfig    `json:"auth"`
	Logging LoggingConfig `json:"logging"`
}

// GatewayConfig contains gateway server settings
type GatewayConfig struct {
	Listen           string `json:"listen"`           // e.g. ":3380"
	AllowlistPath    string `json:"allowlistPath"`    // role/platform capability allowlists
	StorePath        string `json:"storePath"`        // sqlite path for sub-agent run records
	MaxPayload       int64  `json:"maxPayload"`       // bytes, per frame
	MaxBufferedBytes int64  `json:"maxBufferedBytes"` // per-connection outbound buffer cap
	TickIntervalMs   int    `json:"tickIntervalMs"`   // heartbeat cadence handed to clients
}

// AuthConfig contains challenge-response credentials and limits
type AuthConfig struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	MaxAttempts     int    `json:"maxAttempts"`
	CooldownSeconds int    `json:"cooldownSeconds"`
}

// LoggingConfig controls the global logger
type LoggingConfig struct {
	Level string `json:"level"` // trace, debug, info, warn, error
}

// Load reads configuration from clawgate.json in the clawgate home
// directory, applying defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Gateway: GatewayConfig{
			Listen:           ":3380",
			MaxPayload:       1 << 20, // 1 MiB
			MaxBufferedBytes: 4 << 20, // 4 MiB
			TickIntervalMs:   15000,
		},
		Logging: LoggingConfig{Level: "info"},
	}

	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".clawgate")

	if data, err := os.ReadFile(filepath.Join(dir, "clawgate.json")); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Gateway.AllowlistPath == "" {
		cfg.Gateway.AllowlistPath = filepath.Join(dir, "allowlist.json")
	}
	if cfg.Gateway.StorePath == "" {
		cfg.Gateway.StorePath = filepath.Join(dir, "subagents.db")
	}

	return cfg, nil
}
