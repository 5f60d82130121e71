package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("token", "", "Access token sent when connecting")
	initCmd.Flags().String("actor", "", "Actor id of the signed-in user")
	initCmd.Flags().String("name", "", "Display name of the signed-in user")
}

var initCmd = &cobra.Command{
	Use:   "init <server-url>",
	Short: "Store the server URL and identity in ~/.livesync/config.toml",
	Long:  "Initialize the livesync CLI by storing the sync server URL, and optionally the token and actor, in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.ServerURL = args[0]
		if v, _ := cmd.Flags().GetString("token"); v != "" {
			cfg.Auth.Token = v
		}
		if v, _ := cmd.Flags().GetString("actor"); v != "" {
			cfg.Auth.ActorID = v
		}
		if v, _ := cmd.Flags().GetString("name"); v != "" {
			cfg.Auth.DisplayName = v
		}
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "bolt"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
