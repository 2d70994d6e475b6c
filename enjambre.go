// Package enjambre is the offline-first synchronization core of a
// location-based mutual-help board.
//
// It keeps a live, filtered view of nearby help pins, queues pin creation
// while offline and replays it on reconnect, pre-caches map tiles for the
// user's area and fans out unread-conversation notifications to pin owners.
//
// Example:
//
//	remote := enjambre.NewWSRemote(enjambre.WSRemoteConfig{BaseURL: "https://board.example"})
//	core, _ := enjambre.New(remote, "user-123",
//		enjambre.WithStorePath("~/.enjambre/state.db"),
//		enjambre.WithLogger(logger),
//	)
//	defer core.Close()
//
//	core.Start(ctx)
//	core.Coordinator().Subscribe(nil, "user-123", func(v []enjambre.PinView) { ... })
//	core.Connectivity().SetOnline(false)
package enjambre

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultDrainTimeout        = 2 * time.Minute
	DefaultSlowTileParallelism = 1
)

// ============================================================================
// Options
// ============================================================================

type coreOptions struct {
	storePath       string
	store           LocalStore
	fetcher         TileFetcher
	conn            *Connectivity
	location        LocationProvider
	locationTimeout time.Duration
	logger          *zap.Logger
	metrics         *Metrics
	sink            MarkerSink
	parallelism     int
	slowParallelism int
	probeURL        string
	httpClient      *http.Client
	drainTimeout    time.Duration
	refreshInterval time.Duration
	now             func() time.Time
}

type Option func(*coreOptions)

// WithStorePath opens a SQLite store at path; an empty path keeps everything
// in memory.
func WithStorePath(path string) Option {
	return func(o *coreOptions) { o.storePath = path }
}

// WithStore uses s instead of opening one from a path.
func WithStore(s LocalStore) Option {
	return func(o *coreOptions) { o.store = s }
}

func WithTileFetcher(f TileFetcher) Option {
	return func(o *coreOptions) { o.fetcher = f }
}

// WithConnectivity shares an existing online/offline signal.
func WithConnectivity(c *Connectivity) Option {
	return func(o *coreOptions) { o.conn = c }
}

func WithLocationProvider(p LocationProvider, timeout time.Duration) Option {
	return func(o *coreOptions) { o.location, o.locationTimeout = p, timeout }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *coreOptions) { o.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *coreOptions) { o.metrics = m }
}

func WithMarkerSink(s MarkerSink) Option {
	return func(o *coreOptions) { o.sink = s }
}

// WithTileParallelism sets the download parallelism on normal and slow links.
func WithTileParallelism(normal, slow int) Option {
	return func(o *coreOptions) { o.parallelism, o.slowParallelism = normal, slow }
}

// WithSpeedProbe measures the link against probeURL on every online edge.
func WithSpeedProbe(probeURL string, client *http.Client) Option {
	return func(o *coreOptions) { o.probeURL, o.httpClient = probeURL, client }
}

func WithDrainTimeout(d time.Duration) Option {
	return func(o *coreOptions) { o.drainTimeout = d }
}

func WithRefreshInterval(d time.Duration) Option {
	return func(o *coreOptions) { o.refreshInterval = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *coreOptions) { o.now = now }
}

// ============================================================================
// Core
// ============================================================================

// Core wires the local store, the pending queue, the sync coordinator, the
// tile cache and the notification fanout to one connectivity signal.
type Core struct {
	opts    coreOptions
	logger  *zap.Logger
	metrics *Metrics

	conn        *Connectivity
	store       LocalStore
	queue       *PendingQueue
	coordinator *SyncCoordinator
	tiles       *TileCacheManager
	fanout      *NotificationFanout

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	unsubConn  Unsubscribe
	closeOnce  sync.Once
	mu         sync.Mutex
	lastRegion *Region
}

// New builds a Core for userID over remote. The store is opened here; Start
// performs the startup replay.
func New(remote RemoteStore, userID string, opts ...Option) (*Core, error) {
	if remote == nil {
		return nil, ErrInvalid("core.new", "remote store is required")
	}
	o := coreOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.conn == nil {
		o.conn = NewConnectivity(true)
	}
	if o.drainTimeout <= 0 {
		o.drainTimeout = DefaultDrainTimeout
	}
	if o.slowParallelism <= 0 {
		o.slowParallelism = DefaultSlowTileParallelism
	}
	logger := orNop(o.logger)

	store := o.store
	if store == nil {
		store = OpenLocalStore(o.storePath, logger, o.metrics)
	}
	queue, err := NewPendingQueue(store, logger, o.metrics)
	if err != nil {
		store.Close()
		return nil, err
	}
	if o.fetcher == nil {
		o.fetcher = NewHTTPTileFetcher(nil, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		opts:    o,
		logger:  logger.Named("core"),
		metrics: o.metrics,
		conn:    o.conn,
		store:   store,
		queue:   queue,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.coordinator = NewSyncCoordinator(remote, queue, &CoordinatorOptions{
		UserID:      userID,
		FilterStore: store,
		Sink:        o.sink,
		Logger:      logger,
		Metrics:     o.metrics,
		Now:         o.now,
	})
	c.tiles = NewTileCacheManager(store, o.fetcher, &TileCacheOptions{
		Parallelism: o.parallelism,
		Logger:      logger,
		Metrics:     o.metrics,
	})
	c.opts.parallelism = c.tiles.Parallelism()
	c.fanout = NewNotificationFanout(remote, &FanoutOptions{
		RefreshInterval: o.refreshInterval,
		Logger:          logger,
		Metrics:         o.metrics,
	})
	c.unsubConn = c.conn.OnChange(c.onConnectivity)
	return c, nil
}

// Start resolves the device location and, when online with queued work,
// replays the pending queue in the background.
func (c *Core) Start(ctx context.Context) LatLng {
	loc, ok := ResolveLocation(ctx, c.opts.location, c.opts.locationTimeout, DefaultLocation, c.logger)
	c.coordinator.SetLocation(&loc)
	c.logger.Info("core started",
		zap.Bool("online", c.conn.IsOnline()),
		zap.Bool("location_fix", ok),
		zap.Int("pending", c.queue.Len()),
		zap.Bool("store_degraded", c.StoreDegraded()))

	if c.conn.IsOnline() && c.queue.Len() > 0 {
		c.goDrain()
	}
	return loc
}

func (c *Core) onConnectivity(online bool) {
	if !online {
		if c.tiles.Cancel() {
			c.logger.Info("offline, tile download cancelled")
		} else {
			c.logger.Info("offline")
		}
		return
	}
	c.logger.Info("online")
	c.goDrain()
	if c.opts.probeURL != "" {
		c.spawn(func() { c.ProbeConnection(c.ctx) })
	}
	c.mu.Lock()
	region := c.lastRegion
	c.mu.Unlock()
	if region != nil {
		c.spawn(func() { c.resume(*region) })
	}
}

func (c *Core) spawn(fn func()) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Core) goDrain() {
	c.spawn(func() {
		if _, err := c.Drain(c.ctx); err != nil && KindOf(err) != KindBusy {
			c.logger.Warn("replay stopped", zap.Error(err), zap.Int("pending", c.queue.Len()))
		}
	})
}

// Drain replays the pending queue once through the coordinator.
func (c *Core) Drain(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.drainTimeout)
	defer cancel()
	return c.queue.Drain(ctx, c.coordinator.ReplayMutation)
}

// Publish creates a pin now when online, or queues it.
func (c *Core) Publish(ctx context.Context, draft PinDraft) (*PublishResult, error) {
	return c.coordinator.Publish(ctx, draft, c.conn.IsOnline())
}

// CacheRegion remembers region as the area to keep cached and starts caching
// it when online. While offline the download starts on the next online edge.
func (c *Core) CacheRegion(ctx context.Context, region Region) (<-chan TileProgress, error) {
	if err := region.validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	r := region
	c.lastRegion = &r
	c.mu.Unlock()

	if !c.conn.IsOnline() {
		return nil, ErrTransient("core.cache_region", "offline, caching deferred until reconnect")
	}
	return c.tiles.EnsureRegionCached(ctx, region)
}

func (c *Core) resume(region Region) {
	ch, err := c.tiles.EnsureRegionCached(c.ctx, region)
	if err != nil {
		if KindOf(err) != KindBusy {
			c.logger.Warn("tile resume failed", zap.String("region", region.Key()), zap.Error(err))
		}
		return
	}
	for p := range ch {
		if p.Terminal() {
			c.logger.Info("tile resume finished",
				zap.String("region", region.Key()), zap.String("kind", string(p.Kind)),
				zap.Int("loaded", p.Loaded), zap.Int("total", p.Total), zap.Int("failed", p.Failed))
		}
	}
}

// ProbeConnection measures the link and lowers tile parallelism on slow ones.
func (c *Core) ProbeConnection(ctx context.Context) (float64, bool) {
	if c.opts.probeURL == "" {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	kbps, err := ProbeSpeed(ctx, c.opts.httpClient, c.opts.probeURL)
	if err != nil {
		c.logger.Debug("speed probe failed", zap.Error(err))
	}
	slow := IsSlowConnection(kbps)
	if slow {
		c.tiles.SetParallelism(c.opts.slowParallelism)
	} else if err == nil {
		c.tiles.SetParallelism(c.opts.parallelism)
	}
	c.logger.Debug("speed probe", zap.Float64("kbps", kbps), zap.Bool("slow", slow),
		zap.Int("tile_parallelism", c.tiles.Parallelism()))
	return kbps, slow
}

// PendingCount is the number of queued mutations.
func (c *Core) PendingCount() int { return c.queue.Len() }

// StoreDegraded reports whether durable storage has fallen back to memory.
func (c *Core) StoreDegraded() bool {
	if d, ok := c.store.(*DegradingStore); ok {
		return d.Degraded()
	}
	return false
}

func (c *Core) Connectivity() *Connectivity   { return c.conn }
func (c *Core) Coordinator() *SyncCoordinator { return c.coordinator }
func (c *Core) Queue() *PendingQueue          { return c.queue }
func (c *Core) Tiles() *TileCacheManager      { return c.tiles }
func (c *Core) Fanout() *NotificationFanout   { return c.fanout }
func (c *Core) Store() LocalStore             { return c.store }

// Close stops background work, tears down subscriptions and closes the store.
func (c *Core) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.unsubConn()
		c.cancel()
		c.tiles.Cancel()
		c.coordinator.Close()
		c.fanout.Close()
		c.wg.Wait()
		err = c.store.Close()
	})
	return err
}
