package main

import (
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
	// tiles cache
	tilesCacheLat     float64
	tilesCacheLng     float64
	tilesCacheRadius  float64
	tilesCacheMinZoom int
	tilesCacheMaxZoom int
	tilesCacheProbe   bool
	tilesCacheJSON    bool

	// tiles plan
	tilesPlanJSON bool
)

// ============================================================================
// Root tiles command
// ============================================================================

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Offline map tile commands",
	Long:  "Download and inspect the map tiles kept in the local store for offline use.",
}

func tilesRegion() enjambre.Region {
	return enjambre.Region{
		Center:   enjambre.LatLng{Lat: tilesCacheLat, Lng: tilesCacheLng},
		RadiusKm: tilesCacheRadius,
		MinZoom:  tilesCacheMinZoom,
		MaxZoom:  tilesCacheMaxZoom,
	}
}

// ============================================================================
// tiles cache
// ============================================================================

var tilesCacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Download every missing tile around a point",
	Long:  "Download the tiles covering a circle around a point for the given zoom range.\nTiles already stored are skipped; interrupting keeps what was downloaded.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := interruptContext()
		defer stop()

		if tilesCacheProbe {
			kbps, slow := s.core.ProbeConnection(ctx)
			if !tilesCacheJSON {
				fmt.Printf("Link: %.0f kbps (slow: %v), parallelism %d\n", kbps, slow, s.core.Tiles().Parallelism())
			}
		}

		start := time.Now()
		ch, err := s.core.CacheRegion(ctx, tilesRegion())
		if err != nil {
			return commandError(err)
		}

		go func() {
			<-ctx.Done()
			s.core.Tiles().Cancel()
		}()

		var last enjambre.TileProgress
		for p := range ch {
			last = p
			if tilesCacheJSON {
				printJSON(p)
				continue
			}
			if p.Kind == enjambre.ProgressLoaded {
				fmt.Printf("\r%d/%d tiles", p.Loaded, p.Total)
			}
		}

		if tilesCacheJSON {
			return nil
		}
		fmt.Println()
		switch last.Kind {
		case enjambre.ProgressAlreadyComplete:
			fmt.Printf("Region already cached (%d tiles)\n", last.Total)
		case enjambre.ProgressCancelled:
			fmt.Printf("Cancelled after %d of %d tiles\n", last.Loaded, last.Total)
		case enjambre.ProgressComplete:
			fmt.Printf("Cached %d of %d tiles in %s", last.Loaded, last.Total, time.Since(start).Round(time.Millisecond))
			if last.Failed > 0 {
				fmt.Printf(", %d failed (run again to retry)", last.Failed)
			}
			fmt.Println()
		}
		return nil
	},
}

// ============================================================================
// tiles plan
// ============================================================================

var tilesPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show how many tiles a region needs without downloading",
	RunE: func(cmd *cobra.Command, args []string) error {
		region := tilesRegion()
		if region.RadiusKm <= 0 || region.MinZoom < 0 || region.MinZoom > region.MaxZoom || region.MaxZoom > enjambre.MaxZoom {
			return fmt.Errorf("invalid region: radius must be positive and zoom within [0,%d]", enjambre.MaxZoom)
		}
		bounds := region.Bounds()
		total := 0
		perZoom := make(map[int]int)
		for z := region.MinZoom; z <= region.MaxZoom; z++ {
			perZoom[z] = enjambre.CountTilesInBounds(bounds, z)
			total += perZoom[z]
		}

		if tilesPlanJSON {
			return printJSON(map[string]interface{}{
				"region":   region.Key(),
				"bounds":   bounds,
				"tiles":    total,
				"byZoom":   perZoom,
				"maxTiles": enjambre.MaxRegionTiles,
			})
		}
		fmt.Printf("Region: %s\n", region.Key())
		fmt.Printf("Bounds: %.5f,%.5f .. %.5f,%.5f\n", bounds.MinLat, bounds.MinLng, bounds.MaxLat, bounds.MaxLng)
		for z := region.MinZoom; z <= region.MaxZoom; z++ {
			fmt.Printf("  z%-2d %s\n", z, humanize.Comma(int64(perZoom[z])))
		}
		// Rough estimate at ~15 KB per raster tile.
		fmt.Printf("Total: %s tiles, about %s\n", humanize.Comma(int64(total)), humanize.Bytes(uint64(total)*15*1024))
		if total > enjambre.MaxRegionTiles {
			fmt.Printf("Too large to cache: the limit is %s tiles per region. Lower --max-zoom or --radius.\n", humanize.Comma(enjambre.MaxRegionTiles))
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	for _, c := range []*cobra.Command{tilesCacheCmd, tilesPlanCmd} {
		c.Flags().Float64Var(&tilesCacheLat, "lat", enjambre.DefaultLocation.Lat, "Latitude of the center")
		c.Flags().Float64Var(&tilesCacheLng, "lng", enjambre.DefaultLocation.Lng, "Longitude of the center")
		c.Flags().Float64Var(&tilesCacheRadius, "radius", 2, "Radius in km")
		c.Flags().IntVar(&tilesCacheMinZoom, "min-zoom", 10, "Lowest zoom level")
		c.Flags().IntVar(&tilesCacheMaxZoom, "max-zoom", 16, "Highest zoom level")
	}
	tilesCacheCmd.Flags().BoolVar(&tilesCacheProbe, "probe", false, "Measure the link first and adapt parallelism")
	tilesCacheCmd.Flags().BoolVar(&tilesCacheJSON, "json", false, "Output one JSON object per progress event")
	tilesPlanCmd.Flags().BoolVar(&tilesPlanJSON, "json", false, "Output raw JSON")

	tilesCmd.AddCommand(tilesCacheCmd)
	tilesCmd.AddCommand(tilesPlanCmd)
	rootCmd.AddCommand(tilesCmd)
}
