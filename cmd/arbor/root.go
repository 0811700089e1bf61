package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/arbor/internal/config"
	"github.com/aretw0/arbor/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "Arbor explores possible futures for a persona and keeps the ones you commit to",
	Long: `Arbor searches action sequences that a persona would value, groups similar
outcomes into clusters, and records the paths you branch on in a universe map.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to an arbor YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override logging.level (debug, info, warn, error)")
}

// loadConfig reads --config, applies environment overrides and flag overrides,
// and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if cmd.Flags().Lookup("catalog") != nil && cmd.Flags().Changed("catalog") {
		cfg.Catalog.Dir, _ = cmd.Flags().GetString("catalog")
	}
	if cmd.Flags().Lookup("source") != nil && cmd.Flags().Changed("source") {
		cfg.Catalog.Source, _ = cmd.Flags().GetString("source")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger. It always writes to Stderr so Stdout
// stays usable for reports and JSON-RPC.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewWithFormat(os.Stderr, level, cfg.Logging.Format)
}
