package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/config"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/store"
)

var logger *zap.Logger

var rootFlags struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "scrapelane",
	Short: "Browser lane coordinator and scrape queue",
	Long: `scrapelane shares a fixed set of remote browser accounts ("lanes")
between manual users and a FIFO scrape queue. Each lane runs one thing at a
time; scrapes wait in their lane's queue and are settled against a credit
ledger when they finish.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.configPath, "config", os.Getenv("SCRAPELANE_CONFIG"), "path to a YAML config file")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return st, nil
}
