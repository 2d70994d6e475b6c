package enjambre

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Tile fetching
// ============================================================================

// TileFetcher downloads a single raster tile.
type TileFetcher interface {
	FetchTile(ctx context.Context, k TileKey) ([]byte, error)
}

// DefaultTileURL is the OpenStreetMap raster tile template.
const DefaultTileURL = "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png"

// HTTPTileFetcherOptions configures NewHTTPTileFetcher.
type HTTPTileFetcherOptions struct {
	URLTemplate string
	Subdomains  string
	Timeout     time.Duration
	UserAgent   string
	HTTPClient  *http.Client
	// Consecutive failures after which the breaker opens.
	MaxFailures uint32
	// How long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

func (o *HTTPTileFetcherOptions) defaults() {
	if o.URLTemplate == "" {
		o.URLTemplate = DefaultTileURL
	}
	if o.Subdomains == "" && strings.Contains(o.URLTemplate, "{s}") {
		o.Subdomains = "abc"
	}
	if o.Timeout == 0 {
		o.Timeout = 15 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "enjambre-sync/1.0"
	}
	if o.MaxFailures == 0 {
		o.MaxFailures = 5
	}
	if o.OpenTimeout == 0 {
		o.OpenTimeout = 30 * time.Second
	}
}

// HTTPTileFetcher fetches tiles from a slippy-map tile server, rotating
// across subdomains. A run of consecutive failures opens a circuit breaker so
// the rest of a batch fails fast.
type HTTPTileFetcher struct {
	opts    HTTPTileFetcherOptions
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	next    atomic.Uint64
}

// NewHTTPTileFetcher creates a fetcher. opts may be nil.
func NewHTTPTileFetcher(opts *HTTPTileFetcherOptions, logger *zap.Logger) *HTTPTileFetcher {
	var o HTTPTileFetcherOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	logger = orNop(logger)

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}
	maxFailures := o.MaxFailures
	return &HTTPTileFetcher{
		opts:   o,
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "tile-server",
			Timeout: o.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("tile server breaker changed state",
					zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

// URL expands the template for k.
func (f *HTTPTileFetcher) URL(k TileKey) string {
	sub := ""
	if n := len(f.opts.Subdomains); n > 0 {
		i := f.next.Add(1) - 1
		sub = string(f.opts.Subdomains[i%uint64(n)])
	}
	r := strings.NewReplacer(
		"{s}", sub,
		"{z}", strconv.Itoa(k.Z),
		"{x}", strconv.Itoa(k.X),
		"{y}", strconv.Itoa(k.Y),
	)
	return r.Replace(f.opts.URLTemplate)
}

// FetchTile downloads k.
func (f *HTTPTileFetcher) FetchTile(ctx context.Context, k TileKey) ([]byte, error) {
	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetch(ctx, k)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrTransient("tile.fetch", "tile server unavailable").WithCause(err)
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (f *HTTPTileFetcher) fetch(ctx context.Context, k TileKey) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(k), nil)
	if err != nil {
		return nil, fmt.Errorf("create tile request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, ErrTransient("tile.fetch", "request for "+k.String()+" failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrTransient("tile.fetch", fmt.Sprintf("tile %s: HTTP %d", k, resp.StatusCode))
	}
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrTransient("tile.fetch", "reading "+k.String()+" failed").WithCause(err)
	}
	return blob, nil
}

// ============================================================================
// Regions and progress
// ============================================================================

// Region is a circular area cached over a zoom range.
type Region struct {
	Center   LatLng  `json:"center"`
	RadiusKm float64 `json:"radiusKm"`
	MinZoom  int     `json:"minZoom"`
	MaxZoom  int     `json:"maxZoom"`
}

// Key identifies the region for dedup and the completion flag.
func (r Region) Key() string {
	return fmt.Sprintf("%.5f,%.5f:%.3f:%d-%d", r.Center.Lat, r.Center.Lng, r.RadiusKm, r.MinZoom, r.MaxZoom)
}

// Bounds returns the bounding box of the region.
func (r Region) Bounds() BoundingBox {
	return BoundsForRadius(r.Center, r.RadiusKm)
}

// Tiles enumerates every tile key covering the region.
func (r Region) Tiles() []TileKey {
	return EnumerateTiles(r.Bounds(), r.MinZoom, r.MaxZoom)
}

// TileCount returns len(r.Tiles()) without enumerating.
func (r Region) TileCount() int {
	b := r.Bounds()
	n := 0
	for z := r.MinZoom; z <= r.MaxZoom; z++ {
		n += CountTilesInBounds(b, z)
	}
	return n
}

func (r Region) validate() error {
	switch {
	case r.RadiusKm <= 0:
		return ErrInvalid("tiles.region", "radius must be positive")
	case r.MinZoom < 0 || r.MaxZoom > MaxZoom || r.MinZoom > r.MaxZoom:
		return ErrInvalid("tiles.region", fmt.Sprintf("invalid zoom range [%d,%d]", r.MinZoom, r.MaxZoom))
	case r.Center.Lat < -90 || r.Center.Lat > 90 || r.Center.Lng < -180 || r.Center.Lng > 180:
		return ErrInvalid("tiles.region", "center out of range")
	}
	if n := r.TileCount(); n > MaxRegionTiles {
		return ErrInvalid("tiles.region", fmt.Sprintf("region needs %d tiles, limit is %d", n, MaxRegionTiles))
	}
	return nil
}

// MaxRegionTiles bounds the tiles a single region may cover across all its
// zoom levels.
const MaxRegionTiles = 10000

// TileState is the state of a TileCacheManager.
type TileState int

const (
	TileIdle TileState = iota
	TileEnumerating
	TileDownloading
	TileComplete
)

func (s TileState) String() string {
	switch s {
	case TileIdle:
		return "idle"
	case TileEnumerating:
		return "enumerating"
	case TileDownloading:
		return "downloading"
	case TileComplete:
		return "complete"
	}
	return "unknown"
}

// ProgressKind distinguishes tile progress events.
type ProgressKind string

const (
	ProgressAlreadyComplete ProgressKind = "already-complete"
	ProgressLoaded          ProgressKind = "loaded"
	ProgressComplete        ProgressKind = "complete"
	ProgressCancelled       ProgressKind = "cancelled"
)

// TileProgress is one event of a region caching run. Loaded events carry the
// tile just persisted; terminal events carry the failure count.
type TileProgress struct {
	Kind   ProgressKind `json:"kind"`
	Loaded int          `json:"loaded"`
	Total  int          `json:"total"`
	Failed int          `json:"failed,omitempty"`
	Tile   TileKey      `json:"tile,omitempty"`
}

// Terminal reports whether no further events follow.
func (p TileProgress) Terminal() bool {
	return p.Kind != ProgressLoaded
}

// ============================================================================
// TileCacheManager
// ============================================================================

// TileCacheOptions configures NewTileCacheManager.
type TileCacheOptions struct {
	// Concurrent tile fetches per run.
	Parallelism int
	// Entries of the in-memory presence index.
	IndexSize int
	Logger    *zap.Logger
	Metrics   *Metrics
}

func (o *TileCacheOptions) defaults() {
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.IndexSize <= 0 {
		o.IndexSize = 4096
	}
}

// TileCacheManager downloads and persists the tiles covering a region.
// At most one run is active per manager.
type TileCacheManager struct {
	store   TileStore
	fetcher TileFetcher
	index   gcache.Cache
	logger  *zap.Logger
	metrics *Metrics

	mu          sync.Mutex
	state       TileState
	run         *tileRun
	complete    map[string]bool
	parallelism int
}

type tileRun struct {
	region Region
	key    string
	// capacity bounds the events of the run; total is known once
	// enumeration is done.
	capacity    int
	enumerating bool
	total       int
	loaded      int
	failed      int
	cancel      context.CancelFunc
	subs        []chan TileProgress
	closed      bool
}

// NewTileCacheManager creates a manager over store and fetcher.
func NewTileCacheManager(store TileStore, fetcher TileFetcher, opts *TileCacheOptions) *TileCacheManager {
	var o TileCacheOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &TileCacheManager{
		store:       store,
		fetcher:     fetcher,
		index:       gcache.New(o.IndexSize).LRU().Build(),
		logger:      orNop(o.Logger).Named("tiles"),
		metrics:     o.Metrics,
		complete:    make(map[string]bool),
		parallelism: o.Parallelism,
	}
}

// State returns the current state.
func (m *TileCacheManager) State() TileState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetParallelism changes the fetch bound for subsequent runs.
func (m *TileCacheManager) SetParallelism(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	m.parallelism = n
	m.mu.Unlock()
}

// Parallelism returns the fetch bound used for new runs.
func (m *TileCacheManager) Parallelism() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parallelism
}

// EnsureRegionCached makes sure every tile of region is stored locally.
//
// It returns a channel of progress events that ends with a terminal event
// and is then closed. When nothing is missing the only event is
// already-complete. Calling it again for the region of the active run joins
// that run; calling it for a different region while a run is active fails
// with a Busy error.
func (m *TileCacheManager) EnsureRegionCached(ctx context.Context, region Region) (<-chan TileProgress, error) {
	if err := region.validate(); err != nil {
		return nil, err
	}
	key := region.Key()

	m.mu.Lock()
	if r := m.run; r != nil {
		defer m.mu.Unlock()
		if r.key == key {
			m.logger.Debug("joining active tile run", zap.String("region", key))
			return m.join(r, !r.enumerating), nil
		}
		return nil, ErrBusy("tiles.ensure", "another region is being cached")
	}
	if m.isComplete(key) {
		defer m.mu.Unlock()
		m.state = TileComplete
		return m.alreadyComplete(key, 0), nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &tileRun{region: region, key: key, capacity: region.TileCount(), enumerating: true, cancel: cancel}
	ch := m.join(r, false)
	m.run = r
	m.state = TileEnumerating
	parallelism := m.parallelism
	m.mu.Unlock()

	// Presence checks hit the store, so they run without the lock.
	keys := region.Tiles()
	var missing []TileKey
	for _, k := range keys {
		if runCtx.Err() != nil {
			break
		}
		if !m.present(k) {
			missing = append(missing, k)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r.enumerating = false
	switch {
	case r.closed:
		// Cancelled while enumerating; the channel already holds the terminal event.
		return ch, nil
	case runCtx.Err() != nil:
		r.cancel()
		m.finish(r, ProgressCancelled)
		m.state = TileIdle
		m.metrics.tileRun("cancelled")
		return ch, nil
	case len(missing) == 0:
		r.cancel()
		r.total, r.loaded = len(keys), len(keys)
		m.markComplete(key)
		m.metrics.tileRun("already-complete")
		m.logger.Debug("region already cached", zap.String("region", key))
		m.finish(r, ProgressAlreadyComplete)
		m.state = TileComplete
		return ch, nil
	}

	r.total = len(missing)
	m.state = TileDownloading
	m.logger.Info("caching region",
		zap.String("region", key), zap.Int("tiles", len(keys)), zap.Int("missing", len(missing)),
		zap.Int("parallelism", parallelism))

	go m.download(runCtx, r, missing, parallelism)
	return ch, nil
}

// Cancel stops the active run, if any. Tiles already stored are kept.
func (m *TileCacheManager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.run
	if r == nil {
		return false
	}
	r.cancel()
	m.finish(r, ProgressCancelled)
	m.state = TileIdle
	m.metrics.tileRun("cancelled")
	m.logger.Info("tile run cancelled", zap.String("region", r.key), zap.Int("loaded", r.loaded), zap.Int("total", r.total))
	return true
}

// HasTile reports whether k is stored locally.
func (m *TileCacheManager) HasTile(k TileKey) bool {
	return m.present(k)
}

// Tile returns a stored tile.
func (m *TileCacheManager) Tile(k TileKey) (*TileRecord, error) {
	return m.store.GetTile(k)
}

// download runs without the lock; every state change re-acquires it.
func (m *TileCacheManager) download(ctx context.Context, r *tileRun, missing []TileKey, parallelism int) {
	var g errgroup.Group
	g.SetLimit(parallelism)

	for _, k := range missing {
		if ctx.Err() != nil {
			break
		}
		k := k
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			blob, err := m.fetcher.FetchTile(ctx, k)
			if err == nil {
				err = m.store.PutTile(TileRecord{Key: k, Blob: blob, DownloadedAt: time.Now().UTC()})
			}
			m.metrics.tileFetched(err == nil)
			m.mu.Lock()
			defer m.mu.Unlock()
			if err != nil {
				r.failed++
				m.logger.Debug("tile failed", zap.String("tile", k.String()), zap.Error(err))
				return nil
			}
			m.index.Set(k, true)
			r.loaded++
			m.broadcast(r, TileProgress{Kind: ProgressLoaded, Loaded: r.loaded, Total: r.total, Tile: k})
			return nil
		})
	}
	g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if r.closed || m.run != r {
		return
	}
	if ctx.Err() != nil {
		m.finish(r, ProgressCancelled)
		m.state = TileIdle
		m.metrics.tileRun("cancelled")
		return
	}
	r.cancel()
	if r.failed == 0 {
		m.markComplete(r.key)
		m.metrics.tileRun("complete")
	} else {
		m.metrics.tileRun("partial")
		m.logger.Warn("tile run finished with failures",
			zap.String("region", r.key), zap.Int("failed", r.failed), zap.Int("total", r.total))
	}
	m.finish(r, ProgressComplete)
	m.state = TileComplete
}

// join adds a subscriber. Buffers are sized so broadcasts never block:
// a run emits at most one event per tile plus the terminal one.
func (m *TileCacheManager) join(r *tileRun, rejoin bool) chan TileProgress {
	ch := make(chan TileProgress, r.capacity+2)
	if rejoin {
		ch <- TileProgress{Kind: ProgressLoaded, Loaded: r.loaded, Total: r.total}
	}
	r.subs = append(r.subs, ch)
	return ch
}

func (m *TileCacheManager) broadcast(r *tileRun, p TileProgress) {
	if r.closed {
		return
	}
	for _, ch := range r.subs {
		ch <- p
	}
}

// finish sends the terminal event, closes subscribers and detaches r.
func (m *TileCacheManager) finish(r *tileRun, kind ProgressKind) {
	m.broadcast(r, TileProgress{Kind: kind, Loaded: r.loaded, Total: r.total, Failed: r.failed})
	for _, ch := range r.subs {
		close(ch)
	}
	r.closed = true
	r.subs = nil
	if m.run == r {
		m.run = nil
	}
}

func (m *TileCacheManager) alreadyComplete(key string, total int) chan TileProgress {
	m.metrics.tileRun("already-complete")
	m.logger.Debug("region already cached", zap.String("region", key))
	ch := make(chan TileProgress, 1)
	ch <- TileProgress{Kind: ProgressAlreadyComplete, Loaded: total, Total: total}
	close(ch)
	return ch
}

func (m *TileCacheManager) present(k TileKey) bool {
	if _, err := m.index.GetIFPresent(k); err == nil {
		return true
	}
	ok, err := m.store.HasTile(k)
	if err != nil {
		m.logger.Warn("tile presence check failed", zap.String("tile", k.String()), zap.Error(err))
		return false
	}
	if ok {
		m.index.Set(k, true)
	}
	return ok
}

func (m *TileCacheManager) isComplete(key string) bool {
	if m.complete[key] {
		return true
	}
	ok, err := m.store.RegionComplete(key)
	if err != nil {
		m.logger.Warn("region flag lookup failed", zap.String("region", key), zap.Error(err))
		return false
	}
	if ok {
		m.complete[key] = true
	}
	return ok
}

func (m *TileCacheManager) markComplete(key string) {
	m.complete[key] = true
	if err := m.store.MarkRegionComplete(key); err != nil {
		m.logger.Warn("failed to persist region flag", zap.String("region", key), zap.Error(err))
	}
}
