package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sendforge/sendforge/internal/config"
	"github.com/sendforge/sendforge/internal/logging"
)

var (
	// Global configuration
	configPath string
	cfg        *config.Config

	// Root command
	rootCmd = &cobra.Command{
		Use:   "sendforge",
		Short: "Sendforge message delivery queue",
		Long: `A command line tool for running and managing the Sendforge message
delivery queue: a rate-limited, retrying dispatch engine for campaign
blasts and transactional sends.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Skip config loading for some commands
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return
			}

			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}

			if _, err := logging.Setup(logging.Config{
				Type:   cfg.Logging.Type,
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				File:   cfg.Logging.File,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
				os.Exit(1)
			}
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}
