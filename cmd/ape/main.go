// Package main implements the ape CLI, the operator's side of self-healing
// functions: inspect configuration, review the repair journal and apply or
// revert source patches.
package main

import (
	"fmt"
	"os"

	"ape/internal/config"
	"ape/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose       bool
	configPath    string
	journalPath   string
	journalDriver string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ape",
	Short: "ape - self-healing functions for Go programs",
	Long: `ape manages functions that repair themselves at run time.

When a managed function fails, ape asks a code-generation service for a
replacement and either hot-swaps it into the running process or writes it
to the source file. This CLI reviews what happened and applies suggestions
made in supervised mode.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.SetLogger(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $APE_CONFIG or "+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&journalPath, "journal", "", "Repair journal database (default: journal.path from config)")
	rootCmd.PersistentFlags().StringVar(&journalDriver, "driver", "", "SQLite driver: sqlite3 (cgo) or sqlite (pure Go)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(promptCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads --config, falling back to APE_CONFIG and the default path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadFromEnv()
}
