// Package cmd wires the strand CLI: the daemon plus observer-side
// commands that talk to it over the event hub.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/strand/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "strand",
	Short:   "Orchestrate long-running automation workers and sessions",
	Long: `Strand runs automation workers (task execution, spec creation,
roadmap, ideation, insights) as supervised background processes,
infers their progress from output, and distributes events and
interactive terminal sessions to remote observers over TCP.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/strand/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("listen", defaults.Listen)
	viper.SetDefault("log_path", defaults.LogPath)
	viper.SetDefault("workers.runner", defaults.Workers.Runner)
	viper.SetDefault("workers.buffer_lines", defaults.Workers.BufferLines)
	viper.SetDefault("sessions.shell", defaults.Sessions.Shell)
	viper.SetDefault("sessions.agent_command", defaults.Sessions.AgentCommand)
	viper.SetDefault("sessions.buffer_bytes", defaults.Sessions.BufferBytes)
	viper.SetDefault("creds.profile_path", defaults.Creds.ProfilePath)
	viper.SetDefault("creds.settings_path", defaults.Creds.SettingsPath)
	viper.SetDefault("creds.cache_ttl_seconds", defaults.Creds.CacheTTLSeconds)
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .strand/config.yaml (current directory)
		// 2. ~/.config/strand/config.yaml (user config)
		if _, err := os.Stat(".strand/config.yaml"); err == nil {
			viper.SetConfigFile(".strand/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "strand"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config anywhere: write the commented default and use it.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".strand/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
