package main

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var (
	configReveal bool
	configJSON   bool
)

// ============================================================================
// config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and change CLI settings",
	Long:  "Settings live in ~/.enjambre/config.toml and are addressed as section.field,\nfor example tiles.parallelism or webhook.url. Tokens and secrets are masked unless --reveal is given.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every setting",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !configReveal {
			redacted := cfg.redacted()
			cfg = &redacted
		}
		if configJSON {
			return printJSON(cfg)
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot render config: %w", err)
		}
		fmt.Printf("# %s\n%s", path, data)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := getConfigValue(cfg, args[0], configReveal)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Change one setting",
	Example: "  enjambre config set tiles.parallelism 2\n  enjambre config set webhook.url https://hooks.example/enjambre",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		shown, _ := getConfigValue(cfg, args[0], false)
		fmt.Printf("%s = %s\n", args[0], shown)
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "Print tokens and secrets in full")
	configShowCmd.Flags().BoolVar(&configJSON, "json", false, "Output JSON")
	configGetCmd.Flags().BoolVar(&configReveal, "reveal", false, "Print tokens and secrets in full")

	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
