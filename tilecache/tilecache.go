// Package tilecache is the renderer-facing entry point of the tile
// subsystem. It composes the memory cache, the tile store and the fetcher
// behind a non-blocking request surface: a request returns the resolved
// tile, an ancestor placeholder, or nothing, and a notification ping fires
// when a background fetch resolves a previously missing tile.
package tilecache

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	_ "image/jpeg"
	_ "image/png"

	charon "github.com/catacombing/charon"
	"github.com/catacombing/charon/store/memcache"
	"github.com/catacombing/charon/telemetry"
)

// State is the renderer-visible availability of a requested tile.
type State int

const (
	// StateEmpty means neither the tile nor any usable ancestor is
	// cached; the renderer shows a neutral tile.
	StateEmpty State = iota

	// StatePlaceholder means an ancestor stands in while a fetch for the
	// exact tile is in flight.
	StatePlaceholder

	// StateResolved means the exact tile is available.
	StateResolved
)

// Result is the non-blocking answer to a tile request.
type Result struct {
	State       State
	Image       image.Image  // set when State is StateResolved
	Placeholder *Placeholder // set when State is StatePlaceholder
}

// Store is the persistence surface the facade needs from the tile store.
type Store interface {
	Get(ctx context.Context, key charon.TileKey) ([]byte, error)
	Peek(ctx context.Context, key charon.TileKey) ([]byte, error)
	Has(ctx context.Context, key charon.TileKey) (bool, error)
	Age(ctx context.Context, key charon.TileKey) (time.Duration, error)
	Count(ctx context.Context) (int, error)
	EvictIfOverBudget(ctx context.Context, budget int) (int, error)
}

// Fetcher downloads a tile and writes it through to the store.
type Fetcher interface {
	Fetch(ctx context.Context, key charon.TileKey) ([]byte, error)
}

// TileCache serves tile requests from memory, disk and network in that
// order. Requests never block on the network: a miss starts a background
// fetch and answers with a placeholder.
type TileCache struct {
	store   Store
	fetcher Fetcher
	mem     *memcache.Cache[charon.TileKey]

	staleAge    time.Duration
	diskBudget  int
	attribution string

	logger *slog.Logger
	now    func() time.Time

	resolved chan struct{}

	mu         sync.Mutex
	tileserver string
	pending    map[charon.TileKey]struct{}
}

// Option configures a TileCache.
type Option func(*TileCache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *TileCache) {
		c.logger = logger
	}
}

// WithNow sets the time function, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *TileCache) {
		c.now = now
	}
}

// New creates the facade from the given store, fetcher and configuration.
func New(store Store, fetcher Fetcher, cfg charon.TilesConfig, opts ...Option) (*TileCache, error) {
	mem, err := memcache.New[charon.TileKey](cfg.MaxMemTiles)
	if err != nil {
		return nil, fmt.Errorf("creating memory cache: %w", err)
	}

	c := &TileCache{
		store:       store,
		fetcher:     fetcher,
		mem:         mem,
		staleAge:    cfg.StaleAge,
		diskBudget:  cfg.MaxFSTiles,
		attribution: cfg.Attribution,
		logger:      slog.Default(),
		now:         time.Now,
		resolved:    make(chan struct{}, 1),
		tileserver:  cfg.Server,
		pending:     make(map[charon.TileKey]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key builds the tile key for pyramid coordinates against the current
// tileserver.
func (c *TileCache) Key(x, y uint32, z uint8) charon.TileKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return charon.NewTileKey(c.tileserver, x, y, z)
}

// Attribution returns the tileserver attribution string, passed through
// untouched for the renderer to display.
func (c *TileCache) Attribution() string {
	return c.attribution
}

// Resolved returns a channel pinged when a background fetch makes a tile
// available that was previously a placeholder. Pings coalesce; on a ping
// the renderer re-requests its visible tiles.
func (c *TileCache) Resolved() <-chan struct{} {
	return c.resolved
}

// RequestTile returns the tile at the given pyramid coordinates without
// blocking on the network. A memory or disk hit resolves immediately; a
// miss starts a background fetch and answers with the nearest cached
// ancestor as a placeholder, or nothing if no ancestor is close enough.
func (c *TileCache) RequestTile(ctx context.Context, x, y uint32, z uint8) Result {
	key := c.Key(x, y, z)

	if img, ok := c.mem.Get(key); ok {
		telemetry.RecordCacheLookup(ctx, "memory", true)
		telemetry.RecordTileRequest(ctx, "resolved")
		c.refreshIfStale(key)
		return Result{State: StateResolved, Image: img}
	}
	telemetry.RecordCacheLookup(ctx, "memory", false)

	if data, err := c.store.Get(ctx, key); err == nil {
		img, err := decodeTile(data)
		if err == nil {
			telemetry.RecordCacheLookup(ctx, "disk", true)
			telemetry.RecordTileRequest(ctx, "resolved")
			c.mem.Put(key, img)
			c.refreshIfStale(key)
			return Result{State: StateResolved, Image: img}
		}
		// Corrupt on disk; fall through and refetch.
		c.logger.Warn("cached tile undecodable", "tile", key, "error", err)
	}
	telemetry.RecordCacheLookup(ctx, "disk", false)

	c.startFetch(key)

	if ph := c.placeholderFor(ctx, key); ph != nil {
		telemetry.RecordTileRequest(ctx, "placeholder")
		return Result{State: StatePlaceholder, Placeholder: ph}
	}
	telemetry.RecordTileRequest(ctx, "empty")
	return Result{State: StateEmpty}
}

// Preload ensures the given tiles are on disk without decoding them, e.g.
// for the ring of tiles just outside the viewport. Fetch failures are
// absorbed; only context cancellation stops the pass early.
func (c *TileCache) Preload(ctx context.Context, keys []charon.TileKey) error {
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if present, err := c.store.Has(ctx, key); err == nil && present {
			continue
		}
		if _, err := c.fetcher.Fetch(ctx, key); err != nil {
			c.logger.Debug("preload fetch failed", "tile", key, "error", err)
			continue
		}
		c.settleBudget(ctx)
	}
	return nil
}

// SetTileserver switches the tile source. All memory entries are dropped
// and in-flight fetches for the old server are discarded on arrival; disk
// records stay, keyed under the old server, until evicted.
func (c *TileCache) SetTileserver(template string) {
	c.mu.Lock()
	if template == c.tileserver {
		c.mu.Unlock()
		return
	}
	c.tileserver = template
	c.pending = make(map[charon.TileKey]struct{})
	c.mu.Unlock()

	c.mem.Purge()
	c.logger.Info("tileserver changed", "server", template)
}

// refreshIfStale re-fetches a resolved tile in the background when its disk
// record is older than the configured stale age. The stale tile keeps
// rendering until the refresh lands.
func (c *TileCache) refreshIfStale(key charon.TileKey) {
	if c.staleAge <= 0 {
		return
	}
	go func() {
		age, err := c.store.Age(context.Background(), key)
		if err != nil || age < c.staleAge {
			return
		}
		c.startFetch(key)
	}()
}

// startFetch launches the background download for a key unless one is
// already pending. The fetcher coalesces concurrent requests per key
// across callers; the pending set just avoids goroutine churn from the
// render loop re-requesting every frame.
func (c *TileCache) startFetch(key charon.TileKey) {
	c.mu.Lock()
	if _, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return
	}
	c.pending[key] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.pending, key)
			c.mu.Unlock()
		}()

		ctx := context.Background()
		data, err := c.fetcher.Fetch(ctx, key)
		if err != nil {
			// The placeholder stays up; the retry gate schedules the
			// next attempt.
			c.logger.Debug("tile fetch failed", "tile", key, "error", err)
			return
		}
		img, err := decodeTile(data)
		if err != nil {
			c.logger.Warn("fetched tile undecodable", "tile", key, "error", err)
			return
		}

		// Discard results that raced a tileserver change.
		c.mu.Lock()
		current := c.tileserver
		c.mu.Unlock()
		if key.Tileserver != current {
			return
		}

		c.mem.Put(key, img)
		c.ping()

		c.settleBudget(ctx)
	}()
}

// settleBudget runs an opportunistic eviction pass after an ad-hoc tile
// write. Region downloads defer this until the whole region finishes.
func (c *TileCache) settleBudget(ctx context.Context) {
	if c.diskBudget <= 0 {
		return
	}
	start := time.Now()
	evicted, err := c.store.EvictIfOverBudget(ctx, c.diskBudget)
	if err != nil {
		c.logger.Error("eviction failed", "error", err)
		return
	}
	remaining, _ := c.store.Count(ctx)
	telemetry.RecordEvictionRun(ctx, evicted, remaining, time.Since(start))
}

func (c *TileCache) ping() {
	select {
	case c.resolved <- struct{}{}:
	default:
	}
}

func decodeTile(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding tile: %w", err)
	}
	return img, nil
}
