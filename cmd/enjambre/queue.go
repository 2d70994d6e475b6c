package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	enjambre "github.com/enjambre/enjambre-sync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// queue list
	queueListJSON bool

	// queue drain
	queueDrainTimeout time.Duration
)

// ============================================================================
// Root queue command
// ============================================================================

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay offline writes",
	Long:  "Pins published while the board was unreachable wait in the local queue until they are replayed.",
}

// ============================================================================
// queue list
// ============================================================================

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		items := s.core.Queue().Snapshot()
		if queueListJSON {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, m := range items {
			var payload struct {
				Draft enjambre.PinDraft `json:"draft"`
			}
			summary := string(m.Kind)
			if err := json.Unmarshal(m.Payload, &payload); err == nil && payload.Draft.Description != "" {
				summary = fmt.Sprintf("%s %s/%s %q", m.Kind, payload.Draft.Type, payload.Draft.Category, payload.Draft.Description)
			}
			fmt.Printf("%-44s %-14s %s\n", m.LocalID, humanize.Time(m.EnqueuedAt), summary)
		}
		return nil
	},
}

// ============================================================================
// queue drain
// ============================================================================

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued writes against the board",
	Long:  "Replay queued writes oldest first. The first failure stops the replay and keeps it and everything after it queued.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		before := s.core.PendingCount()
		if before == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), queueDrainTimeout)
		defer cancel()
		n, err := s.core.Drain(ctx)
		fmt.Printf("Replayed %d of %d\n", n, before)
		return commandError(err)
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	queueListCmd.Flags().BoolVar(&queueListJSON, "json", false, "Output raw JSON")
	queueDrainCmd.Flags().DurationVar(&queueDrainTimeout, "timeout", enjambre.DefaultDrainTimeout, "Give up after this long")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}
