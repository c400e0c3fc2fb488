// cmd/keypool/root.go
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/keypool-dev/keypool"
	"github.com/keypool-dev/keypool/internal/config"
)

var (
	cfgFile string
	noColor bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "keypool",
	Short: "keypool shares a pool of rate-limited API keys across processes",
	Long: `keypool coordinates threads and processes sharing a small pool of
rate-limited API keys: per-key daily quotas tracked in durable usage
records, least-loaded key selection, one in-flight call per key, and a
global concurrency cap. Everything is coordinated through the
filesystem (or Redis), so independent workers need no central server.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default "+keypool.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")
}

// loadConfig reads the effective configuration for maintenance
// commands that don't need keys configured.
func loadConfig() (config.Config, error) {
	path := cfgFile
	if path == "" {
		path = keypool.DefaultConfigPath()
	}
	return config.Load(path)
}

// loadCoordinator builds the full coordinator; commands that execute
// calls need configured keys.
func loadCoordinator() (*keypool.Coordinator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := keypool.New(cfg, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("initialize pool: %w", err)
	}
	return c, nil
}
