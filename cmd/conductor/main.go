package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-conductor/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Multi-agent task orchestration service",
	Long: `conductor turns a user request into a graph of tasks, runs them on
specialist agents under per-agent concurrency limits, and folds the results
into one answer. Sessions survive restarts through persisted checkpoints.`,
	SilenceUsage: true,
}

func init() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "configs/conductor.json"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "path to the JSON config file")

	rootCmd.AddCommand(newServeCmd(), newMigrateCmd(), newAgentsCmd(), newProvidersCmd())
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and builds the logger it asks for.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("Config loaded", zap.String("path", configPath))
	return cfg, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" || level == "debug" {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}
