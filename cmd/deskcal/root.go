package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"deskcal/internal/config"
	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagJSON       bool
)

// holder carries the configuration loaded by PersistentPreRunE. serve swaps
// its contents when the file changes.
var holder *config.Holder

// defaultConfigPath is $XDG_CONFIG_HOME/deskcal/config.yaml, or config.yaml
// in the working directory when there is no user config dir.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "deskcal", "config.yaml")
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deskcal",
		Short:   "Desktop calendar sync daemon",
		Long:    "Synchronizes CalDAV, Google and ICS calendars for the desktop widget and keeps offline edits until they can be replayed.",
		Version: version,
		// Errors are printed once by exitOnError.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", defaultConfigPath(), "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newPendingCmd())
	cmd.AddCommand(newAuthCmd())

	return cmd
}

// loadConfig reads the config file (writing a default one on first run) and
// applies its log level. --verbose wins over the file.
func loadConfig() error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	holder = config.NewHolder(flagConfigPath, cfg)
	applyLogLevel(cfg)

	appLog.Debug("effective config",
		"path", flagConfigPath,
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"refresh", cfg.RefreshCron,
		"days_in_future", cfg.DaysInFuture,
		"days_in_past", cfg.DaysInPast,
		"plugins", len(cfg.Plugins),
	)
	return nil
}

func applyLogLevel(cfg *config.Config) {
	level := appLog.ParseLevel(cfg.LogLevel)
	if flagVerbose {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)
}

func horizonOf(cfg *config.Config) model.Horizon {
	return model.Horizon{DaysInFuture: cfg.DaysInFuture, DaysInPast: cfg.DaysInPast}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
