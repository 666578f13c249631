package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/chatline/internal/config"
	"github.com/comigor/chatline/internal/history"
	"github.com/comigor/chatline/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "chatline",
	Short:         "Multi-turn chat against your own LLM providers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.L.Error("command failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(cfg.Log.Level)
	return cfg, nil
}

// openRepo opens the configured store; the schema is created on open.
func openRepo(ctx context.Context, cfg *config.Config) (history.Repository, error) {
	repo, err := history.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	return repo, nil
}
