// Package config provides configuration types and defaults for strand.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/tracing"
)

// Config holds all configuration options for strand.
type Config struct {
	// Listen is the address the hub server binds to.
	Listen string `mapstructure:"listen"`

	// LogPath is the debug log file location.
	LogPath string `mapstructure:"log_path"`

	Workers  WorkersConfig  `mapstructure:"workers"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Creds    CredsConfig    `mapstructure:"creds"`
	Store    StoreConfig    `mapstructure:"store"`
	Tracing  tracing.Config `mapstructure:"tracing"`
}

// WorkersConfig holds worker process registry configuration.
type WorkersConfig struct {
	// Runner is the executable used to launch automation workers.
	Runner string `mapstructure:"runner"`

	// BufferLines bounds the per-worker output buffer.
	BufferLines int `mapstructure:"buffer_lines"`
}

// SessionsConfig holds interactive session configuration.
type SessionsConfig struct {
	// Shell overrides $SHELL for new sessions.
	Shell string `mapstructure:"shell"`

	// AgentCommand is injected into a session by invoke-agent.
	AgentCommand string `mapstructure:"agent_command"`

	// BufferBytes bounds the per-session output ring.
	BufferBytes int `mapstructure:"buffer_bytes"`
}

// CredsConfig holds credential resolution configuration.
type CredsConfig struct {
	// ProfilePath is the per-profile secret store.
	// Default: ~/.strand/profiles.yaml
	ProfilePath string `mapstructure:"profile_path"`

	// SettingsPath is the global settings file consulted after the
	// profile store. Default: ~/.strand/settings.yaml
	SettingsPath string `mapstructure:"settings_path"`

	// CacheTTLSeconds bounds how long resolved secrets are cached.
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
}

// StoreConfig holds run history store configuration.
type StoreConfig struct {
	// Path is the SQLite database location.
	// Default: ~/.strand/history.db
	Path string `mapstructure:"path"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Listen:  "127.0.0.1:7333",
		LogPath: "strand.log",
		Workers: WorkersConfig{
			Runner:      "strand-worker",
			BufferLines: 1000,
		},
		Sessions: SessionsConfig{
			AgentCommand: "claude",
			BufferBytes:  256 * 1024,
		},
		Creds: CredsConfig{
			ProfilePath:     filepath.Join(home, ".strand", "profiles.yaml"),
			SettingsPath:    filepath.Join(home, ".strand", "settings.yaml"),
			CacheTTLSeconds: 300,
		},
		Store: StoreConfig{
			Path: filepath.Join(home, ".strand", "history.db"),
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// DefaultConfigTemplate returns the commented YAML written on first run.
func DefaultConfigTemplate() string {
	return `# strand configuration

# Address the event hub listens on
listen: "127.0.0.1:7333"

# Debug log file (written when --debug or STRAND_DEBUG is set)
log_path: strand.log

workers:
  # Executable used to launch automation workers
  runner: strand-worker
  # Lines of output retained per worker
  buffer_lines: 1000

sessions:
  # Shell for interactive sessions (default: $SHELL, then /bin/sh)
  # shell: /bin/zsh
  # Command injected by invoke-agent
  agent_command: claude
  # Bytes of output retained per session
  buffer_bytes: 262144

creds:
  # Per-profile secret store
  # profile_path: ~/.strand/profiles.yaml
  # Global settings file
  # settings_path: ~/.strand/settings.yaml
  # Seconds a resolved secret stays cached
  cache_ttl_seconds: 300

store:
  # Run history database
  # path: ~/.strand/history.db

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: stdout               # none, stdout, otlp
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
