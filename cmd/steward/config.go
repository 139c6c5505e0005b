package main

import (
	"fmt"

	"github.com/cuemby/steward/pkg/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the agent configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		fmt.Printf("✓ %s is valid\n", path)
		fmt.Printf("  Cluster ID: %s\n", cfg.ClusterID)
		fmt.Printf("  Poll endpoint: %s (every %s)\n", cfg.Poll.Endpoint, cfg.PollInterval)
		fmt.Printf("  Gateway: %s (API %s)\n", cfg.Gateway.Endpoint, cfg.Gateway.APIVersion)
		fmt.Printf("  Store: %s in %s\n", cfg.Store.Mode, cfg.DataDir)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configValidateCmd.Flags().String("config", "/etc/steward/steward.yaml", "Path to the configuration file")
}
