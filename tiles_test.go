package enjambre

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[TileKey]int
	fail    map[TileKey]bool
	release chan struct{}
	started chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[TileKey]int), fail: make(map[TileKey]bool)}
}

func (f *fakeFetcher) FetchTile(ctx context.Context, k TileKey) ([]byte, error) {
	f.mu.Lock()
	f.calls[k]++
	release, started, fail := f.release, f.started, f.fail[k]
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, ErrTransient("tile.fetch", "HTTP 503")
	}
	return []byte("tile " + k.String()), nil
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) callsFor(k TileKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[k]
}

var testRegion = Region{Center: LatLng{Lat: 51.505, Lng: -0.09}, RadiusKm: 0.5, MinZoom: 10, MaxZoom: 13}

func collect(t *testing.T, ch <-chan TileProgress) []TileProgress {
	t.Helper()
	var out []TileProgress
	timeout := time.After(testWait)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, p)
		case <-timeout:
			t.Fatalf("progress channel not closed, got %d events", len(out))
			return out
		}
	}
}

func newTestTiles(store TileStore, fetcher TileFetcher, parallelism int) *TileCacheManager {
	return NewTileCacheManager(store, fetcher, &TileCacheOptions{Parallelism: parallelism, Logger: zap.NewNop()})
}

// ============================================================================
// TileCacheManager
// ============================================================================

func TestEnsureRegionCached(t *testing.T) {
	t.Run("downloads every tile then reports already complete", func(t *testing.T) {
		store := NewMemoryStore()
		fetcher := newFakeFetcher()
		m := newTestTiles(store, fetcher, 3)
		total := len(testRegion.Tiles())
		require.Greater(t, total, 3)

		ch, err := m.EnsureRegionCached(context.Background(), testRegion)
		require.NoError(t, err)
		events := collect(t, ch)
		require.Len(t, events, total+1)
		for i, p := range events[:total] {
			assert.Equal(t, ProgressLoaded, p.Kind)
			assert.Equal(t, i+1, p.Loaded)
			assert.Equal(t, total, p.Total)
		}
		last := events[total]
		assert.Equal(t, ProgressComplete, last.Kind)
		assert.True(t, last.Terminal())
		assert.Zero(t, last.Failed)
		assert.Equal(t, total, fetcher.total())
		assert.Equal(t, TileComplete, m.State())

		n, err := store.TileCount()
		require.NoError(t, err)
		assert.Equal(t, total, n)
		done, err := store.RegionComplete(testRegion.Key())
		require.NoError(t, err)
		assert.True(t, done)

		ch, err = m.EnsureRegionCached(context.Background(), testRegion)
		require.NoError(t, err)
		events = collect(t, ch)
		require.Len(t, events, 1)
		assert.Equal(t, ProgressAlreadyComplete, events[0].Kind)
		assert.Equal(t, total, fetcher.total())
	})

	t.Run("stored tiles are never fetched again", func(t *testing.T) {
		store := NewMemoryStore()
		for _, k := range testRegion.Tiles() {
			require.NoError(t, store.PutTile(TileRecord{Key: k, Blob: []byte("x")}))
		}
		fetcher := newFakeFetcher()
		m := newTestTiles(store, fetcher, 2)

		ch, err := m.EnsureRegionCached(context.Background(), testRegion)
		require.NoError(t, err)
		events := collect(t, ch)
		require.Len(t, events, 1)
		assert.Equal(t, ProgressAlreadyComplete, events[0].Kind)
		assert.Zero(t, fetcher.total())

		done, err := store.RegionComplete(testRegion.Key())
		require.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("only missing tiles are fetched", func(t *testing.T) {
		store := NewMemoryStore()
		keys := testRegion.Tiles()
		have := keys[0]
		require.NoError(t, store.PutTile(TileRecord{Key: have, Blob: []byte("x")}))
		fetcher := newFakeFetcher()
		m := newTestTiles(store, fetcher, 2)

		ch, err := m.EnsureRegionCached(context.Background(), testRegion)
		require.NoError(t, err)
		events := collect(t, ch)
		assert.Equal(t, len(keys)-1, events[len(events)-1].Total)
		assert.Zero(t, fetcher.callsFor(have))
		assert.Equal(t, len(keys)-1, fetcher.total())
	})

	t.Run("failed tiles are retried on the next check", func(t *testing.T) {
		store := NewMemoryStore()
		fetcher := newFakeFetcher()
		keys := testRegion.Tiles()
		bad := keys[len(keys)-1]
		fetcher.fail[bad] = true
		m := newTestTiles(store, fetcher, 2)

		ch, err := m.EnsureRegionCached(context.Background(), testRegion)
		require.NoError(t, err)
		events := collect(t, ch)
		last := events[len(events)-1]
		assert.Equal(t, ProgressComplete, last.Kind)
		assert.Equal(t, 1, last.Failed)
		assert.Equal(t, len(keys)-1, last.Loaded)
		assert.False(t, m.HasTile(bad))

		done, err := store.RegionComplete(testRegion.Key())
		require.NoError(t, err)
		assert.False(t, done)

		fetcher.mu.Lock()
		delete(fetcher.fail, bad)
		fetcher.mu.Unlock()

		ch, err = m.EnsureRegionCached(context.Background(), testRegion)
		require.NoError(t, err)
		events = collect(t, ch)
		last = events[len(events)-1]
		assert.Equal(t, ProgressComplete, last.Kind)
		assert.Equal(t, 1, last.Total)
		assert.Equal(t, 2, fetcher.callsFor(bad))
		assert.Equal(t, len(keys)+1, fetcher.total())
		assert.True(t, m.HasTile(bad))

		rec, err := m.Tile(bad)
		require.NoError(t, err)
		assert.Equal(t, "tile "+bad.String(), string(rec.Blob))
	})

	t.Run("same region joins the active run, another is busy", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.release = make(chan struct{})
		fetcher.started = make(chan struct{}, 1)
		m := newTestTiles(NewMemoryStore(), fetcher, 1)

		first, err := m.EnsureRegionCached(context.Background(), testRegion)
		require.NoError(t, err)
		<-fetcher.started
		assert.Equal(t, TileDownloading, m.State())

		second, err := m.EnsureRegionCached(context.Background(), testRegion)
		require.NoError(t, err)

		other := testRegion
		other.Center = LatLng{Lat: 40.4168, Lng: -3.7038}
		_, err = m.EnsureRegionCached(context.Background(), other)
		assert.Equal(t, KindBusy, KindOf(err))

		close(fetcher.release)
		a, b := collect(t, first), collect(t, second)
		assert.Equal(t, ProgressComplete, a[len(a)-1].Kind)
		assert.Equal(t, ProgressComplete, b[len(b)-1].Kind)
		assert.Equal(t, ProgressLoaded, b[0].Kind)
		assert.Equal(t, len(testRegion.Tiles()), fetcher.total())
	})

	t.Run("cancel ends the run and keeps stored tiles", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.release = make(chan struct{})
		fetcher.started = make(chan struct{}, 1)
		m := newTestTiles(NewMemoryStore(), fetcher, 1)

		ch, err := m.EnsureRegionCached(context.Background(), testRegion)
		require.NoError(t, err)
		<-fetcher.started

		assert.True(t, m.Cancel())
		events := collect(t, ch)
		require.NotEmpty(t, events)
		assert.Equal(t, ProgressCancelled, events[len(events)-1].Kind)
		assert.Equal(t, TileIdle, m.State())
		assert.False(t, m.Cancel())

		fetcher.mu.Lock()
		fetcher.release = nil
		fetcher.mu.Unlock()
		ch, err = m.EnsureRegionCached(context.Background(), testRegion)
		require.NoError(t, err)
		events = collect(t, ch)
		assert.Equal(t, ProgressComplete, events[len(events)-1].Kind)
	})

	t.Run("invalid region", func(t *testing.T) {
		m := newTestTiles(NewMemoryStore(), newFakeFetcher(), 1)
		for _, r := range []Region{
			{Center: testRegion.Center, RadiusKm: 0, MinZoom: 1, MaxZoom: 2},
			{Center: testRegion.Center, RadiusKm: 1, MinZoom: 5, MaxZoom: 2},
			{Center: testRegion.Center, RadiusKm: 1, MinZoom: 1, MaxZoom: MaxZoom + 1},
			{Center: LatLng{Lat: 95}, RadiusKm: 1, MinZoom: 1, MaxZoom: 2},
			{Center: testRegion.Center, RadiusKm: 50, MinZoom: 10, MaxZoom: 18},
		} {
			_, err := m.EnsureRegionCached(context.Background(), r)
			assert.Equal(t, KindInvalid, KindOf(err), "region %s", r.Key())
		}
	})
}

func TestSetParallelism(t *testing.T) {
	m := newTestTiles(NewMemoryStore(), newFakeFetcher(), 0)
	assert.Equal(t, 4, m.Parallelism())
	m.SetParallelism(0)
	assert.Equal(t, 1, m.Parallelism())
	m.SetParallelism(6)
	assert.Equal(t, 6, m.Parallelism())
}

// countingFetcher blocks every fetch until gate is closed and records how
// many fetches were in flight at once.
type countingFetcher struct {
	gate     chan struct{}
	mu       sync.Mutex
	inFlight int
	peak     int
	calls    int
}

func (f *countingFetcher) FetchTile(ctx context.Context, k TileKey) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	select {
	case <-f.gate:
		return []byte("tile " + k.String()), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *countingFetcher) current() (inFlight, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight, f.peak
}

func TestParallelismBoundsFetches(t *testing.T) {
	region := Region{Center: LatLng{Lat: 51.505, Lng: -0.09}, RadiusKm: 2, MinZoom: 12, MaxZoom: 14}

	for _, limit := range []int{1, 3} {
		f := &countingFetcher{gate: make(chan struct{})}
		m := newTestTiles(NewMemoryStore(), f, limit)
		require.Greater(t, region.TileCount(), limit*2)

		ch, err := m.EnsureRegionCached(context.Background(), region)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			n, _ := f.current()
			return n == limit
		}, testWait, testTick)
		time.Sleep(50 * time.Millisecond)
		inFlight, peak := f.current()
		assert.Equal(t, limit, inFlight, "parallelism %d", limit)
		assert.Equal(t, limit, peak, "parallelism %d", limit)

		close(f.gate)
		events := collect(t, ch)
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		assert.Equal(t, ProgressComplete, last.Kind)
		assert.Equal(t, region.TileCount(), last.Loaded)

		f.mu.Lock()
		assert.LessOrEqual(t, f.peak, limit, "parallelism %d", limit)
		assert.Equal(t, region.TileCount(), f.calls)
		f.mu.Unlock()
	}
}

func TestRegionTileCount(t *testing.T) {
	for _, r := range []Region{
		testRegion,
		{Center: LatLng{Lat: -33.87, Lng: 151.21}, RadiusKm: 3, MinZoom: 8, MaxZoom: 15},
		{Center: LatLng{Lat: 0, Lng: 179.99}, RadiusKm: 1, MinZoom: 0, MaxZoom: 12},
	} {
		assert.Equal(t, len(r.Tiles()), r.TileCount(), "region %s", r.Key())
	}
}

// slowPresenceStore blocks presence lookups until gate is closed.
type slowPresenceStore struct {
	*MemoryStore
	gate    chan struct{}
	waiting chan struct{}
}

func (s *slowPresenceStore) HasTile(k TileKey) (bool, error) {
	select {
	case s.waiting <- struct{}{}:
	default:
	}
	<-s.gate
	return s.MemoryStore.HasTile(k)
}

func TestEnumerationDoesNotHoldLock(t *testing.T) {
	store := &slowPresenceStore{MemoryStore: NewMemoryStore(), gate: make(chan struct{}), waiting: make(chan struct{}, 1)}
	fetcher := newFakeFetcher()
	m := newTestTiles(store, fetcher, 2)

	result := make(chan (<-chan TileProgress), 1)
	go func() {
		ch, err := m.EnsureRegionCached(context.Background(), testRegion)
		assert.NoError(t, err)
		result <- ch
	}()

	select {
	case <-store.waiting:
	case <-time.After(testWait):
		t.Fatal("enumeration never reached the store")
	}
	assert.Equal(t, TileEnumerating, m.State())
	assert.Equal(t, 2, m.Parallelism())

	joined, err := m.EnsureRegionCached(context.Background(), testRegion)
	require.NoError(t, err)
	_, err = m.EnsureRegionCached(context.Background(), Region{Center: testRegion.Center, RadiusKm: 1, MinZoom: 10, MaxZoom: 11})
	assert.Equal(t, KindBusy, KindOf(err))

	assert.True(t, m.Cancel())
	close(store.gate)

	var ch <-chan TileProgress
	select {
	case ch = <-result:
	case <-time.After(testWait):
		t.Fatal("EnsureRegionCached did not return after cancel")
	}
	for _, c := range []<-chan TileProgress{ch, joined} {
		events := collect(t, c)
		require.Len(t, events, 1)
		assert.Equal(t, ProgressCancelled, events[0].Kind)
	}
	assert.Equal(t, TileIdle, m.State())
	assert.Zero(t, fetcher.total())
}

// ============================================================================
// HTTPTileFetcher
// ============================================================================

func TestHTTPTileFetcher(t *testing.T) {
	t.Run("fetches from template", func(t *testing.T) {
		var gotPath, gotUA string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath, gotUA = r.URL.Path, r.Header.Get("User-Agent")
			w.Write([]byte("png"))
		}))
		defer srv.Close()

		f := NewHTTPTileFetcher(&HTTPTileFetcherOptions{URLTemplate: srv.URL + "/{z}/{x}/{y}.png"}, zap.NewNop())
		blob, err := f.FetchTile(context.Background(), TileKey{Z: 13, X: 4093, Y: 2724})
		require.NoError(t, err)
		assert.Equal(t, "png", string(blob))
		assert.Equal(t, "/13/4093/2724.png", gotPath)
		assert.Equal(t, "enjambre-sync/1.0", gotUA)
	})

	t.Run("rotates subdomains", func(t *testing.T) {
		f := NewHTTPTileFetcher(nil, nil)
		k := TileKey{Z: 1, X: 0, Y: 1}
		assert.Equal(t, "https://a.tile.openstreetmap.org/1/0/1.png", f.URL(k))
		assert.Equal(t, "https://b.tile.openstreetmap.org/1/0/1.png", f.URL(k))
		assert.Equal(t, "https://c.tile.openstreetmap.org/1/0/1.png", f.URL(k))
		assert.True(t, strings.HasPrefix(f.URL(k), "https://a."))
	})

	t.Run("server errors are transient and open the breaker", func(t *testing.T) {
		var mu sync.Mutex
		hits := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits++
			mu.Unlock()
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		f := NewHTTPTileFetcher(&HTTPTileFetcherOptions{
			URLTemplate: srv.URL + "/{z}/{x}/{y}.png",
			MaxFailures: 2,
			OpenTimeout: time.Minute,
		}, zap.NewNop())

		for i := 0; i < 2; i++ {
			_, err := f.FetchTile(context.Background(), TileKey{Z: 1})
			require.Error(t, err)
			assert.True(t, IsTransient(err))
		}
		_, err := f.FetchTile(context.Background(), TileKey{Z: 1})
		assert.True(t, IsTransient(err))
		assert.True(t, errors.Is(err, gobreaker.ErrOpenState))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 2, hits)
	})
}
