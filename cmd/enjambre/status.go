package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	enjambre "github.com/enjambre/enjambre-sync"
)

var statusProbe bool

func init() {
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "Also measure link speed (needs tiles.probe_url)")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, local store and board status",
	Long:  "Display the current configuration, what is kept locally, and whether the board answers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Remote URL:  %s\n", valueOrDefault(cfg.Default.RemoteURL, "(not set)"))
		if token, _ := getConfigValue(cfg, "default.token", false); token != "" {
			fmt.Printf("  Token:       %s\n", token)
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.User.ID, "(not set)"))
		fmt.Printf("  Alias:       %s\n", valueOrDefault(cfg.User.Alias, "(not set)"))
		fmt.Printf("  Tile URL:    %s\n", valueOrDefault(cfg.Tiles.URL, enjambre.DefaultTileURL))

		if cfg.Default.RemoteURL == "" || cfg.User.ID == "" {
			return nil
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		path, _ := cfg.storePath()
		fmt.Println()
		fmt.Println("Local store:")
		fmt.Printf("  Path:        %s\n", path)
		if s.core.StoreDegraded() {
			fmt.Println("  State:       DEGRADED (memory only, nothing survives a restart)")
		} else {
			fmt.Println("  State:       ok")
		}
		pending := s.core.Queue().Snapshot()
		fmt.Printf("  Pending:     %d", len(pending))
		if len(pending) > 0 {
			fmt.Printf(" (oldest %s)", humanize.Time(pending[0].EnqueuedAt))
		}
		fmt.Println()
		if n, err := s.core.Store().TileCount(); err == nil {
			fmt.Printf("  Tiles:       %s\n", humanize.Comma(int64(n)))
		} else {
			fmt.Printf("  Tiles:       error: %v\n", err)
		}
		f := s.core.Coordinator().Filters()
		var cats []string
		for _, c := range enjambre.AllCategories {
			if f.Categories[c] {
				cats = append(cats, string(c))
			}
		}
		fmt.Printf("  Filters:     %s within %.1f km, %v\n", f.Type, f.RadiusKm, cats)

		fmt.Println()
		fmt.Println("Board:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		start := time.Now()
		if err := s.remote.Connect(ctx); err != nil {
			fmt.Printf("  Realtime:    unreachable (%v)\n", err)
		} else {
			fmt.Printf("  Realtime:    connected in %s\n", time.Since(start).Round(time.Millisecond))
		}

		if statusProbe {
			kbps, slow := s.core.ProbeConnection(ctx)
			switch {
			case kbps == 0:
				fmt.Println("  Link:        probe failed or not configured")
			case slow:
				fmt.Printf("  Link:        %.0f kbps (slow, tile parallelism %d)\n", kbps, s.core.Tiles().Parallelism())
			default:
				fmt.Printf("  Link:        %.0f kbps\n", kbps)
			}
		}
		return nil
	},
}
