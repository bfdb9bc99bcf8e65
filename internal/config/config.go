// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Environment overrides recognized on top of the config file.
const (
	EnvClaudeBin = "RELAY_CLAUDE_BIN"
	EnvDebug     = "RELAY_DEBUG"
	EnvNoNotify  = "RELAY_NO_NOTIFY"
)

// Config holds the application configuration.
type Config struct {
	Server        ServerConfig `json:"server" yaml:"server"`
	Claude        ClaudeConfig `json:"claude" yaml:"claude"`
	Debug         bool         `json:"debug" yaml:"debug"`
	Notifications bool         `json:"notifications" yaml:"notifications"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// ClaudeConfig holds Claude CLI invocation configuration.
type ClaudeConfig struct {
	// Bin overrides the claude executable. An absolute path is used
	// verbatim; empty falls back to the per-user install, then $PATH.
	Bin string `json:"bin" yaml:"bin"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8915,
		},
		Notifications: true,
	}
}

// Load loads configuration from a file (supports JSON and YAML) and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		home, _ := os.UserHomeDir()
		// Try YAML first, then JSON
		yamlPath := filepath.Join(home, ".claude-relay", "config.yaml")
		jsonPath := filepath.Join(home, ".claude-relay", "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else {
			cfg.applyEnv()
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Detect format by extension
	isYAML := strings.HasSuffix(strings.ToLower(path), ".yaml") || strings.HasSuffix(strings.ToLower(path), ".yml")

	if isYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	cfg.Claude.Bin = expandHome(cfg.Claude.Bin)
	cfg.applyEnv()

	return cfg, nil
}

// applyEnv layers environment overrides on top of the loaded values.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvClaudeBin)); v != "" {
		c.Claude.Bin = expandHome(v)
	}
	if envBool(EnvDebug) {
		c.Debug = true
	}
	if envBool(EnvNoNotify) {
		c.Notifications = false
	}
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".claude-relay", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	// Support "~/..." (and Windows separators just in case)
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		rest := path[2:]
		return filepath.Join(home, rest)
	}
	// We intentionally don't expand "~user/..." forms.
	return path
}
