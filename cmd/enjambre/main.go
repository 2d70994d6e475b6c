package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.enjambre/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	User    ConfigUser    `toml:"user"`
	Tiles   ConfigTiles   `toml:"tiles"`
	Serve   ConfigServe   `toml:"serve"`
	Webhook ConfigWebhook `toml:"webhook"`
}

// ConfigDefault holds the remote board and local storage settings.
type ConfigDefault struct {
	RemoteURL string `toml:"remote_url"`
	Token     string `toml:"token"`
	StorePath string `toml:"store_path"`
}

// ConfigUser holds the local identity.
type ConfigUser struct {
	ID    string `toml:"id"`
	Alias string `toml:"alias"`
}

// ConfigTiles holds map tile settings.
type ConfigTiles struct {
	URL             string `toml:"url"`
	Parallelism     int    `toml:"parallelism"`
	SlowParallelism int    `toml:"slow_parallelism"`
	ProbeURL        string `toml:"probe_url"`
}

// ConfigServe holds settings of the local hub server.
type ConfigServe struct {
	Addr  string `toml:"addr"`
	Token string `toml:"token"`
}

// ConfigWebhook holds where 'watch' forwards notifications.
type ConfigWebhook struct {
	URL    string `toml:"url"`
	Secret string `toml:"secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.enjambre, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".enjambre")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// storePath returns the configured store path or the default under the
// config directory.
func (c *Config) storePath() (string, error) {
	if c.Default.StorePath != "" {
		return c.Default.StorePath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "enjambre.db"), nil
}

// configField addresses one settable config value. Exactly one of str and
// num is set.
type configField struct {
	str    func(*Config) *string
	num    func(*Config) *int
	secret bool
}

// configFields lists every key accepted by 'config get' and 'config set'.
var configFields = map[string]configField{
	"default.remote_url":     {str: func(c *Config) *string { return &c.Default.RemoteURL }},
	"default.token":          {str: func(c *Config) *string { return &c.Default.Token }, secret: true},
	"default.store_path":     {str: func(c *Config) *string { return &c.Default.StorePath }},
	"user.id":                {str: func(c *Config) *string { return &c.User.ID }},
	"user.alias":             {str: func(c *Config) *string { return &c.User.Alias }},
	"tiles.url":              {str: func(c *Config) *string { return &c.Tiles.URL }},
	"tiles.probe_url":        {str: func(c *Config) *string { return &c.Tiles.ProbeURL }},
	"tiles.parallelism":      {num: func(c *Config) *int { return &c.Tiles.Parallelism }},
	"tiles.slow_parallelism": {num: func(c *Config) *int { return &c.Tiles.SlowParallelism }},
	"serve.addr":             {str: func(c *Config) *string { return &c.Serve.Addr }},
	"serve.token":            {str: func(c *Config) *string { return &c.Serve.Token }, secret: true},
	"webhook.url":            {str: func(c *Config) *string { return &c.Webhook.URL }},
	"webhook.secret":         {str: func(c *Config) *string { return &c.Webhook.Secret }, secret: true},
}

func lookupConfigField(key string) (configField, error) {
	if !strings.Contains(key, ".") {
		return configField{}, fmt.Errorf("key must use dot notation: section.field (e.g. default.remote_url)")
	}
	f, ok := configFields[key]
	if !ok {
		keys := make([]string, 0, len(configFields))
		for k := range configFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return configField{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(keys, ", "))
	}
	return f, nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.remote_url").
func setConfigValue(cfg *Config, key, value string) error {
	f, err := lookupConfigField(key)
	if err != nil {
		return err
	}
	if f.num != nil {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer", key)
		}
		*f.num(cfg) = n
		return nil
	}
	*f.str(cfg) = value
	return nil
}

// getConfigValue returns a config field as text. Secrets are masked unless
// reveal is set.
func getConfigValue(cfg *Config, key string, reveal bool) (string, error) {
	f, err := lookupConfigField(key)
	if err != nil {
		return "", err
	}
	if f.num != nil {
		return strconv.Itoa(*f.num(cfg)), nil
	}
	v := *f.str(cfg)
	if f.secret && !reveal && v != "" {
		v = maskKey(v)
	}
	return v, nil
}

// redacted returns a copy of c with every secret masked.
func (c Config) redacted() Config {
	out := c
	for _, f := range configFields {
		if f.secret && *f.str(&out) != "" {
			*f.str(&out) = maskKey(*f.str(&out))
		}
	}
	return out
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "enjambre",
	Short:         "Enjambre neighborhood board CLI",
	Long:          "Command-line client for the Enjambre mutual-aid board.\nPublish and browse pins, talk to helpers, cache map tiles for offline use and run a local hub.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
