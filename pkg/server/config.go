package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is where the server looks for its config file
const DefaultConfigPath = "~/.citycare/server.toml"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Console ConsoleSection `toml:"console"`
}

type ServerSection struct {
	TCPPort         int    `toml:"tcp_port"`
	SSHPort         int    `toml:"ssh_port"`
	HTTPPort        int    `toml:"http_port"`
	MetricsPort     int    `toml:"metrics_port"`
	SSHHostKey      string `toml:"ssh_host_key"`
	SSHPasswordHash string `toml:"ssh_password_hash"`
	WelcomeMessage  string `toml:"welcome_message"`
}

type LimitsSection struct {
	MaxNameLength       int `toml:"max_name_length"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

type ConsoleSection struct {
	Prompt string `toml:"prompt"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:        defaults.TCPPort,
			SSHPort:        defaults.SSHPort,
			HTTPPort:       defaults.HTTPPort,
			MetricsPort:    defaults.MetricsPort,
			SSHHostKey:     defaults.SSHHostKeyPath,
			WelcomeMessage: defaults.WelcomeMessage,
		},
		Limits: LimitsSection{
			MaxNameLength:       defaults.MaxNameLength,
			WriteTimeoutSeconds: defaults.WriteTimeoutSeconds,
		},
		Console: ConsoleSection{
			Prompt: defaults.ConsolePrompt,
		},
	}
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A config we cannot write (read-only home, permissions) is not fatal
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: CITYCARE_SECTION_KEY
// Example: CITYCARE_SERVER_TCP_PORT=6000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	envString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	// Server section
	envInt("CITYCARE_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("CITYCARE_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("CITYCARE_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("CITYCARE_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("CITYCARE_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("CITYCARE_SERVER_SSH_PASSWORD_HASH", &config.Server.SSHPasswordHash)
	envString("CITYCARE_SERVER_WELCOME_MESSAGE", &config.Server.WelcomeMessage)

	// Limits section
	envInt("CITYCARE_LIMITS_MAX_NAME_LENGTH", &config.Limits.MaxNameLength)
	envInt("CITYCARE_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)

	// Console section
	envString("CITYCARE_CONSOLE_PROMPT", &config.Console.Prompt)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# CityCare Control Center configuration
# This file was auto-generated with default values.
# Restart the server for changes to take effect.
#
# Environment variables override these settings:
# CITYCARE_SECTION_KEY (e.g., CITYCARE_SERVER_TCP_PORT=6000)

[server]
# Port for the chat protocol (a port given on the command line wins)
tcp_port = 5555

# Port for SSH transport (0 = disabled)
ssh_port = 0

# Port for the public HTTP server exposing /ws (0 = disabled)
http_port = 0

# Port for the internal /metrics and /health endpoints (0 = disabled)
# Never expose this port publicly.
metrics_port = 9090

# Path to SSH host key file (generated on first SSH start)
ssh_host_key = "~/.citycare/ssh_host_key"

# bcrypt hash of the SSH password. Empty means SSH accepts any client.
# ssh_password_hash = "$2a$10$..."

# Notice sent to every client right after it connects
welcome_message = "Welcome to the CityCare Control Center"

[limits]
# Maximum display name length in characters
max_name_length = 32

# Seconds a single frame write may block before it is abandoned
write_timeout_seconds = 10

[console]
prompt = "[ControlCenter]> "
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the
// defaults, except ports set to 0 explicitly in the file are not
// distinguishable from missing ones, so optional listeners stay disabled.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	cfg.SSHPasswordHash = strings.TrimSpace(c.Server.SSHPasswordHash)

	if c.Server.WelcomeMessage != "" {
		cfg.WelcomeMessage = c.Server.WelcomeMessage
	}

	if c.Limits.MaxNameLength > 0 {
		cfg.MaxNameLength = c.Limits.MaxNameLength
	}

	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeoutSeconds = c.Limits.WriteTimeoutSeconds
	}

	if c.Console.Prompt != "" {
		cfg.ConsolePrompt = c.Console.Prompt
	}

	return cfg
}
