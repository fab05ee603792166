package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/lfrfrfr/beon-guard/internal/config"
	"github.com/lfrfrfr/beon-guard/internal/metrics"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "guard",
	Short: "BEON Guard - request defense layer for the portal",
	Long: `BEON Guard sits in front of the portal and inspects every request:
reputation, custom rules, attack detection, rate limits and behavior
scoring. Operators manage it through the admin API under /_guard.`,
	Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (defaults plus GUARD_* environment when empty)")
}

// setup loads the configuration and initializes the global logger
func setup() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	err = logger.Init(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	metrics.SystemInfo.WithLabelValues(version, runtime.Version(), cfg.Defense.Mode).Set(1)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
