package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.remote_url", "https://board.example"))
	require.NoError(t, setConfigValue(cfg, "user.alias", "Neighbor#0001"))
	require.NoError(t, setConfigValue(cfg, "tiles.parallelism", "3"))
	require.NoError(t, setConfigValue(cfg, "serve.addr", ":9000"))
	assert.Equal(t, "https://board.example", cfg.Default.RemoteURL)
	assert.Equal(t, "Neighbor#0001", cfg.User.Alias)
	assert.Equal(t, 3, cfg.Tiles.Parallelism)
	assert.Equal(t, ":9000", cfg.Serve.Addr)

	assert.Error(t, setConfigValue(cfg, "remote_url", "x"))
	assert.Error(t, setConfigValue(cfg, "default.nope", "x"))
	assert.Error(t, setConfigValue(cfg, "nope.field", "x"))
	assert.Error(t, setConfigValue(cfg, "tiles.parallelism", "-1"))
	assert.Error(t, setConfigValue(cfg, "tiles.slow_parallelism", "two"))
}

func TestGetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "webhook.secret", "abcdefghijklmnop"))
	require.NoError(t, setConfigValue(cfg, "tiles.slow_parallelism", "1"))

	v, err := getConfigValue(cfg, "webhook.secret", false)
	require.NoError(t, err)
	assert.Equal(t, "abcd...mnop", v)
	v, err = getConfigValue(cfg, "webhook.secret", true)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnop", v)

	v, err = getConfigValue(cfg, "tiles.slow_parallelism", false)
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = getConfigValue(cfg, "serve.token", false)
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = getConfigValue(cfg, "webhook", false)
	assert.Error(t, err)
}

func TestConfigRedacted(t *testing.T) {
	cfg := Config{
		Default: ConfigDefault{RemoteURL: "https://board.example", Token: "tok-1234567890"},
		Webhook: ConfigWebhook{URL: "https://hooks.example", Secret: "short"},
	}
	r := cfg.redacted()
	assert.Equal(t, "tok-...7890", r.Default.Token)
	assert.Equal(t, "****", r.Webhook.Secret)
	assert.Empty(t, r.Serve.Token)
	assert.Equal(t, "https://board.example", r.Default.RemoteURL)
	assert.Equal(t, "tok-1234567890", cfg.Default.Token)
}

func TestConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)

	cfg.Default.RemoteURL = "https://board.example"
	cfg.User.ID = "u-1"
	cfg.Tiles.SlowParallelism = 1
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(filepath.Join(home, ".enjambre", "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	path, err := loaded.storePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".enjambre", "enjambre.db"), path)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcd...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
}

func TestWatchWebhook(t *testing.T) {
	t.Cleanup(func() { watchWebhookURL, watchWebhookSecret = "", "" })

	s := &session{cfg: &Config{}}
	hook, err := watchWebhook(s)
	require.NoError(t, err)
	assert.Nil(t, hook)

	s.cfg.Webhook = ConfigWebhook{URL: "http://localhost:9000/hook", Secret: "s3cret"}
	hook, err = watchWebhook(s)
	require.NoError(t, err)
	assert.NotNil(t, hook)

	watchWebhookSecret = ""
	s.cfg.Webhook.Secret = ""
	_, err = watchWebhook(s)
	assert.Error(t, err)

	watchWebhookURL, watchWebhookSecret = "http://localhost:9001/hook", "flag-secret"
	hook, err = watchWebhook(&session{cfg: &Config{}})
	require.NoError(t, err)
	assert.NotNil(t, hook)
}
