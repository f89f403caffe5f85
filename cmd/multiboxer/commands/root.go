package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/multiboxer/internal/config"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "multiboxer",
		Short: "multiboxer - run and switch between several game clients",
		Long: `multiboxer launches several clients of the same game, watches them for
crashes, and switches keyboard focus between their windows.

Features:
  • Launch and close one client per account
  • Crash detection with desktop notifications
  • Global hotkeys to cycle and toggle window focus
  • Key/focus presets run on helper processes
  • REST and WebSocket API for the UI`,
		SilenceUsage: true,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/multiboxer/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

// loadConfig opens the config file and lets the global flags override it.
func loadConfig(cmd *cobra.Command) (*config.Manager, error) {
	configMgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if f := flags.Lookup("port"); f != nil && f.Changed {
		if err := configMgr.BindFlag("server_port", f); err != nil {
			return nil, err
		}
	}
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		if err := configMgr.BindFlag("log_level", f); err != nil {
			return nil, err
		}
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
