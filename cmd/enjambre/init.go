package main

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	enjambre "github.com/enjambre/enjambre-sync"
)

var (
	initToken string
	initAlias string
)

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token for the remote board")
	initCmd.Flags().StringVar(&initAlias, "alias", "", "Display alias (default: a generated Neighbor#NNNN)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <remote-url>",
	Short: "Store the board URL and create a local identity",
	Long:  "Initialize the Enjambre CLI: store the remote board URL in ~/.enjambre/config.toml and\ngenerate a user id and alias if none exist yet.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := url.Parse(args[0])
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("remote url must be an http(s) URL, got %q", args[0])
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.RemoteURL = u.String()
		if initToken != "" {
			cfg.Default.Token = initToken
		}
		if cfg.User.ID == "" {
			cfg.User.ID = uuid.NewString()
		}
		switch {
		case initAlias != "":
			cfg.User.Alias = initAlias
		case cfg.User.Alias == "":
			cfg.User.Alias = enjambre.GenerateAlias()
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		fmt.Printf("  User ID: %s\n", cfg.User.ID)
		fmt.Printf("  Alias:   %s\n", cfg.User.Alias)
		return nil
	},
}
