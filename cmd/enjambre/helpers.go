package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	enjambre "github.com/enjambre/enjambre-sync"
)

// newLogger returns a debug JSON logger with --verbose and a no-op one otherwise.
func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := enjambre.NewLogger("enjambre-cli", true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return zap.NewNop()
	}
	return logger
}

// session bundles what a command needs to talk to the board.
type session struct {
	cfg    *Config
	logger *zap.Logger
	remote *enjambre.WSRemote
	core   *enjambre.Core
}

func (s *session) Close() {
	s.core.Close()
	s.remote.Close()
	s.logger.Sync()
}

// openSession loads the config and builds a Core against the configured
// board. Realtime commands call s.remote.Connect themselves.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.RemoteURL == "" || cfg.User.ID == "" {
		return nil, fmt.Errorf("not initialized; run 'enjambre init <remote-url>' first")
	}
	path, err := cfg.storePath()
	if err != nil {
		return nil, err
	}

	logger := newLogger()
	remote := enjambre.NewWSRemote(enjambre.WSRemoteConfig{
		BaseURL: cfg.Default.RemoteURL,
		Token:   cfg.Default.Token,
		Logger:  logger,
	})
	fetcher := enjambre.NewHTTPTileFetcher(&enjambre.HTTPTileFetcherOptions{URLTemplate: cfg.Tiles.URL}, logger)

	opts := []enjambre.Option{
		enjambre.WithStorePath(path),
		enjambre.WithLogger(logger),
		enjambre.WithTileFetcher(fetcher),
		enjambre.WithTileParallelism(cfg.Tiles.Parallelism, cfg.Tiles.SlowParallelism),
	}
	if cfg.Tiles.ProbeURL != "" {
		opts = append(opts, enjambre.WithSpeedProbe(cfg.Tiles.ProbeURL, nil))
	}
	core, err := enjambre.New(remote, cfg.User.ID, opts...)
	if err != nil {
		remote.Close()
		return nil, err
	}
	if core.StoreDegraded() {
		fmt.Fprintf(os.Stderr, "Warning: local store at %s unavailable, using memory only\n", path)
	}
	return &session{cfg: cfg, logger: logger, remote: remote, core: core}, nil
}

// connect opens the realtime socket and feeds its state into the core's
// connectivity signal.
func (s *session) connect(ctx context.Context) error {
	s.remote.OnConnectionChange(s.core.Connectivity().SetOnline)
	if err := s.remote.Connect(ctx); err != nil {
		s.core.Connectivity().SetOnline(false)
		return err
	}
	return nil
}

// interruptContext is cancelled on SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// commandError prefixes err with its kind so scripts can tell retryable
// failures apart.
func commandError(err error) error {
	kind := enjambre.KindOf(err)
	if kind == "" {
		return err
	}
	return fmt.Errorf("%s error: %w", kind, err)
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
