/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ssargent/treedump/pkg/config"
	"github.com/ssargent/treedump/pkg/di"
)

var (
	container *di.Container
	appConfig *config.Config
	logger    = log.New(io.Discard, "", 0)
)

// SetContainer injects the dependency container used by every command
func SetContainer(c *di.Container) {
	container = c
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "treedump",
	Short: "treedump - bulk export and import of B+Tree stores",
	Long: `treedump writes the trees and counters of a store to a single
self-describing stream and replays such streams into a store.

Streams are checked record by record while they are read: a truncated,
damaged or misordered stream stops the import at the first bad record.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		appConfig = cfg
		logger = newLogger(cmd.ErrOrStderr(), cfg.Logging.Level)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default "+config.GetDefaultConfigPath()+")")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Data directory for the store")
	rootCmd.PersistentFlags().String("backend", "", "Store backend: pebble or memory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info or error")
}

// resolveConfig loads the config file and applies flag overrides. A missing
// default config file is not an error; a missing explicit one is.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	explicit := configPath != ""
	if !explicit {
		configPath = config.GetDefaultConfigPath()
	}

	cfg := config.DefaultConfig()
	if explicit || config.ConfigExists(configPath) {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("backend") {
		cfg.Store.Backend, _ = cmd.Flags().GetString("backend")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) *log.Logger {
	if level == "error" {
		w = io.Discard
	}
	return log.New(w, "treedump: ", log.LstdFlags)
}

// openStore opens the configured store through the container.
func openStore(cfg *config.Config) (di.Store, error) {
	if container == nil {
		return nil, fmt.Errorf("dependency container not initialized")
	}
	if cfg.Store.Backend == config.BackendPebble {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	factory, err := container.GetStoreFactory(cfg.Store.Backend)
	if err != nil {
		return nil, err
	}
	return factory.OpenStore(cfg)
}

// writeMetrics dumps the run metrics when a textfile is configured.
func writeMetrics(cfg *config.Config) {
	if cfg.Metrics.Textfile == "" || container == nil {
		return
	}
	if err := prometheus.WriteToTextfile(cfg.Metrics.Textfile, container.GetRegistry()); err != nil {
		logger.Printf("failed to write metrics to %s: %v", cfg.Metrics.Textfile, err)
	}
}
