/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssargent/treedump/pkg/config"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file with the default stream and store settings.

Examples:
	  treedump init
	  treedump init --config ./treedump.yaml --data-dir ./data`,
	// the config file may not exist yet, so skip loading it
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		force, _ := cmd.Flags().GetBool("force")

		if configPath == "" {
			configPath = config.GetDefaultConfigPath()
		}

		cfg, err := initConfig(configPath, dataDir, force)
		if err != nil {
			return err
		}

		cmd.Printf("Configuration written to %s\n", configPath)
		cmd.Printf("Data directory: %s\n", cfg.DataDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().Bool("force", false, "Overwrite an existing configuration file")
}

func initConfig(configPath, dataDir string, force bool) (*config.Config, error) {
	if config.ConfigExists(configPath) && !force {
		return nil, fmt.Errorf("config file %s already exists, use --force to overwrite", configPath)
	}
	return config.BootstrapConfig(configPath, dataDir)
}
