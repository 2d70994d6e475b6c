package enjambre

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// ============================================================================
// Store contracts
// ============================================================================

// PendingStore persists the offline mutation list in enqueue order.
type PendingStore interface {
	AppendPending(m PendingMutation) error
	RemovePending(localID string) error
	ListPending() ([]PendingMutation, error)
	ClearPending() error
}

// TileStore persists downloaded tiles and completed regions.
type TileStore interface {
	HasTile(k TileKey) (bool, error)
	GetTile(k TileKey) (*TileRecord, error)
	PutTile(rec TileRecord) error
	TileCount() (int, error)
	MarkRegionComplete(regionKey string) error
	RegionComplete(regionKey string) (bool, error)
}

// FilterStore persists the last used filters.
type FilterStore interface {
	SaveFilters(f Filters) error
	LoadFilters() (*Filters, error)
}

// LocalStore is the device-local durable state of the core.
type LocalStore interface {
	PendingStore
	TileStore
	FilterStore
	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory LocalStore. It does not survive a
// restart and is used for tests and as the degraded fallback.
type MemoryStore struct {
	mu      sync.RWMutex
	pending []PendingMutation
	tiles   map[TileKey]TileRecord
	regions map[string]time.Time
	filters *Filters
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tiles:   make(map[TileKey]TileRecord),
		regions: make(map[string]time.Time),
	}
}

// ── Pending ──────────────────────────────────────────────

func (s *MemoryStore) AppendPending(m PendingMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		if p.LocalID == m.LocalID {
			return nil
		}
	}
	s.pending = append(s.pending, m)
	return nil
}

func (s *MemoryStore) RemovePending(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p.LocalID == localID {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ListPending() ([]PendingMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PendingMutation(nil), s.pending...), nil
}

func (s *MemoryStore) ClearPending() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

// ── Tiles ────────────────────────────────────────────────

func (s *MemoryStore) HasTile(k TileKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tiles[k]
	return ok, nil
}

func (s *MemoryStore) GetTile(k TileKey) (*TileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tiles[k]
	if !ok {
		return nil, ErrNotFound("store.tile", "tile "+k.String()+" not cached")
	}
	return &rec, nil
}

func (s *MemoryStore) PutTile(rec TileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles[rec.Key] = rec
	return nil
}

func (s *MemoryStore) TileCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tiles), nil
}

func (s *MemoryStore) MarkRegionComplete(regionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[regionKey] = time.Now()
	return nil
}

func (s *MemoryStore) RegionComplete(regionKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.regions[regionKey]
	return ok, nil
}

// ── Filters ──────────────────────────────────────────────

func (s *MemoryStore) SaveFilters(f Filters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := f.clone()
	s.filters = &c
	return nil
}

func (s *MemoryStore) LoadFilters() (*Filters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.filters == nil {
		return nil, nil
	}
	c := s.filters.clone()
	return &c, nil
}

func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// SQLiteStore
// ============================================================================

// SQLiteStore is the durable LocalStore backed by a SQLite file. Tile blobs
// are stored snappy-compressed.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ErrStorage("store.open", "failed to open SQLite database").WithCause(err)
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, ErrStorage("store.open", "failed to initialize schema").WithCause(err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;

		CREATE TABLE IF NOT EXISTS pending_mutations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			local_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			payload BLOB NOT NULL,
			enqueued_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tiles (
			z INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			blob BLOB NOT NULL,
			downloaded_at INTEGER NOT NULL,
			PRIMARY KEY (z, x, y)
		);

		CREATE TABLE IF NOT EXISTS regions (
			region_key TEXT PRIMARY KEY,
			completed_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ── Pending ──────────────────────────────────────────────

func (s *SQLiteStore) AppendPending(m PendingMutation) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO pending_mutations (local_id, kind, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		m.LocalID, string(m.Kind), []byte(m.Payload), m.EnqueuedAt.UnixNano(),
	)
	if err != nil {
		return ErrStorage("store.pending.append", "failed to persist mutation").WithCause(err)
	}
	return nil
}

func (s *SQLiteStore) RemovePending(localID string) error {
	if _, err := s.db.Exec(`DELETE FROM pending_mutations WHERE local_id = ?`, localID); err != nil {
		return ErrStorage("store.pending.remove", "failed to remove mutation").WithCause(err)
	}
	return nil
}

func (s *SQLiteStore) ListPending() ([]PendingMutation, error) {
	rows, err := s.db.Query(`SELECT local_id, kind, payload, enqueued_at FROM pending_mutations ORDER BY seq ASC`)
	if err != nil {
		return nil, ErrStorage("store.pending.list", "failed to query mutations").WithCause(err)
	}
	defer rows.Close()

	var out []PendingMutation
	for rows.Next() {
		var (
			m       PendingMutation
			kind    string
			payload []byte
			at      int64
		)
		if err := rows.Scan(&m.LocalID, &kind, &payload, &at); err != nil {
			return nil, ErrStorage("store.pending.list", "failed to scan mutation").WithCause(err)
		}
		m.Kind = MutationKind(kind)
		m.Payload = json.RawMessage(payload)
		m.EnqueuedAt = time.Unix(0, at)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrStorage("store.pending.list", "failed to read mutations").WithCause(err)
	}
	return out, nil
}

func (s *SQLiteStore) ClearPending() error {
	if _, err := s.db.Exec(`DELETE FROM pending_mutations`); err != nil {
		return ErrStorage("store.pending.clear", "failed to clear mutations").WithCause(err)
	}
	return nil
}

// ── Tiles ────────────────────────────────────────────────

func (s *SQLiteStore) HasTile(k TileKey) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM tiles WHERE z = ? AND x = ? AND y = ?`, k.Z, k.X, k.Y).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ErrStorage("store.tile.has", "failed to query tile").WithCause(err)
	}
	return true, nil
}

func (s *SQLiteStore) GetTile(k TileKey) (*TileRecord, error) {
	var (
		blob []byte
		at   int64
	)
	err := s.db.QueryRow(`SELECT blob, downloaded_at FROM tiles WHERE z = ? AND x = ? AND y = ?`, k.Z, k.X, k.Y).Scan(&blob, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound("store.tile.get", "tile "+k.String()+" not cached")
	}
	if err != nil {
		return nil, ErrStorage("store.tile.get", "failed to query tile").WithCause(err)
	}
	decoded, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, ErrStorage("store.tile.get", "corrupt tile blob").WithCause(err)
	}
	return &TileRecord{Key: k, Blob: decoded, DownloadedAt: time.Unix(0, at)}, nil
}

func (s *SQLiteStore) PutTile(rec TileRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO tiles (z, x, y, blob, downloaded_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Key.Z, rec.Key.X, rec.Key.Y, snappy.Encode(nil, rec.Blob), rec.DownloadedAt.UnixNano(),
	)
	if err != nil {
		return ErrStorage("store.tile.put", "failed to persist tile").WithCause(err)
	}
	return nil
}

func (s *SQLiteStore) TileCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tiles`).Scan(&n); err != nil {
		return 0, ErrStorage("store.tile.count", "failed to count tiles").WithCause(err)
	}
	return n, nil
}

func (s *SQLiteStore) MarkRegionComplete(regionKey string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO regions (region_key, completed_at) VALUES (?, ?)`, regionKey, time.Now().UnixNano())
	if err != nil {
		return ErrStorage("store.region.mark", "failed to mark region").WithCause(err)
	}
	return nil
}

func (s *SQLiteStore) RegionComplete(regionKey string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM regions WHERE region_key = ?`, regionKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ErrStorage("store.region.get", "failed to query region").WithCause(err)
	}
	return true, nil
}

// ── Filters ──────────────────────────────────────────────

const filtersKey = "filters"

func (s *SQLiteStore) SaveFilters(f Filters) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, filtersKey, data); err != nil {
		return ErrStorage("store.filters.save", "failed to persist filters").WithCause(err)
	}
	return nil
}

func (s *SQLiteStore) LoadFilters() (*Filters, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, filtersKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ErrStorage("store.filters.load", "failed to query filters").WithCause(err)
	}
	var f Filters
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, ErrStorage("store.filters.load", "corrupt filters").WithCause(err)
	}
	return &f, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Degrading store
// ============================================================================

// DegradingStore wraps a durable store and falls back to memory the first
// time the durable store fails. Writes never return an error once degraded.
type DegradingStore struct {
	primary  LocalStore
	mem      *MemoryStore
	degraded atomic.Bool
	mu       sync.Mutex
	logger   *zap.Logger
	metrics  *Metrics
}

// OpenLocalStore opens the SQLite store at path, wrapped so failures degrade
// to memory. An empty path or a failed open yields a memory-only store.
func OpenLocalStore(path string, logger *zap.Logger, metrics *Metrics) *DegradingStore {
	logger = orNop(logger)
	d := &DegradingStore{mem: NewMemoryStore(), logger: logger, metrics: metrics}
	if path == "" {
		d.degraded.Store(true)
		return d
	}
	primary, err := OpenSQLiteStore(path)
	if err != nil {
		logger.Warn("local storage unavailable, running in memory only", zap.String("path", path), zap.Error(err))
		d.degraded.Store(true)
		metrics.setDegraded(true)
		return d
	}
	d.primary = primary
	return d
}

// NewDegradingStore wraps an existing primary store.
func NewDegradingStore(primary LocalStore, logger *zap.Logger, metrics *Metrics) *DegradingStore {
	d := &DegradingStore{primary: primary, mem: NewMemoryStore(), logger: orNop(logger), metrics: metrics}
	if primary == nil {
		d.degraded.Store(true)
	}
	return d
}

// Degraded reports whether the store is running in memory only.
func (d *DegradingStore) Degraded() bool { return d.degraded.Load() }

// degrade switches to memory, carrying over whatever the primary still returns.
func (d *DegradingStore) degrade(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.degraded.Load() {
		return
	}
	d.logger.Warn("local storage failed, degrading to in-memory operation", zap.String("op", op), zap.Error(err))
	if pending, lerr := d.primary.ListPending(); lerr == nil {
		for _, m := range pending {
			d.mem.AppendPending(m)
		}
	}
	if f, lerr := d.primary.LoadFilters(); lerr == nil && f != nil {
		d.mem.SaveFilters(*f)
	}
	d.degraded.Store(true)
	d.metrics.setDegraded(true)
}

// write runs fn against the primary, or memory when degraded. It never fails.
func (d *DegradingStore) write(op string, fn func(LocalStore) error) error {
	if !d.degraded.Load() {
		err := fn(d.primary)
		if err == nil {
			return nil
		}
		d.degrade(op, err)
	}
	return fn(d.mem)
}

func (d *DegradingStore) read(op string, fn func(LocalStore) error) error {
	if !d.degraded.Load() {
		err := fn(d.primary)
		if err == nil || KindOf(err) == KindNotFound {
			return err
		}
		d.degrade(op, err)
	}
	return fn(d.mem)
}

func (d *DegradingStore) AppendPending(m PendingMutation) error {
	return d.write("pending.append", func(s LocalStore) error { return s.AppendPending(m) })
}

func (d *DegradingStore) RemovePending(localID string) error {
	return d.write("pending.remove", func(s LocalStore) error { return s.RemovePending(localID) })
}

func (d *DegradingStore) ClearPending() error {
	return d.write("pending.clear", func(s LocalStore) error { return s.ClearPending() })
}

func (d *DegradingStore) ListPending() ([]PendingMutation, error) {
	var out []PendingMutation
	err := d.read("pending.list", func(s LocalStore) (err error) {
		out, err = s.ListPending()
		return err
	})
	return out, err
}

func (d *DegradingStore) HasTile(k TileKey) (bool, error) {
	var ok bool
	err := d.read("tile.has", func(s LocalStore) (err error) {
		ok, err = s.HasTile(k)
		return err
	})
	return ok, err
}

func (d *DegradingStore) GetTile(k TileKey) (*TileRecord, error) {
	var rec *TileRecord
	err := d.read("tile.get", func(s LocalStore) (err error) {
		rec, err = s.GetTile(k)
		return err
	})
	return rec, err
}

func (d *DegradingStore) PutTile(rec TileRecord) error {
	return d.write("tile.put", func(s LocalStore) error { return s.PutTile(rec) })
}

func (d *DegradingStore) TileCount() (int, error) {
	var n int
	err := d.read("tile.count", func(s LocalStore) (err error) {
		n, err = s.TileCount()
		return err
	})
	return n, err
}

func (d *DegradingStore) MarkRegionComplete(regionKey string) error {
	return d.write("region.mark", func(s LocalStore) error { return s.MarkRegionComplete(regionKey) })
}

func (d *DegradingStore) RegionComplete(regionKey string) (bool, error) {
	var ok bool
	err := d.read("region.get", func(s LocalStore) (err error) {
		ok, err = s.RegionComplete(regionKey)
		return err
	})
	return ok, err
}

func (d *DegradingStore) SaveFilters(f Filters) error {
	return d.write("filters.save", func(s LocalStore) error { return s.SaveFilters(f) })
}

func (d *DegradingStore) LoadFilters() (*Filters, error) {
	var f *Filters
	err := d.read("filters.load", func(s LocalStore) (err error) {
		f, err = s.LoadFilters()
		return err
	})
	return f, err
}

// Close closes the primary store, if any.
func (d *DegradingStore) Close() error {
	if d.primary != nil {
		return d.primary.Close()
	}
	return nil
}

var _ LocalStore = (*MemoryStore)(nil)
var _ LocalStore = (*SQLiteStore)(nil)
var _ LocalStore = (*DegradingStore)(nil)
