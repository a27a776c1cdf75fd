// Package region downloads and pins offline map regions. A region is the
// set of tiles covering a bounding box across a zoom range; its tiles are
// pinned in the tile store before any fetch starts, so a partially
// completed download is never eviction-eligible mid-flight.
package region

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	charon "github.com/catacombing/charon"
	"github.com/catacombing/charon/store/tiledb"
)

const defaultParallelism = 4

// Store is the persistence surface the manager needs from the tile store.
type Store interface {
	Has(ctx context.Context, key charon.TileKey) (bool, error)
	Pin(ctx context.Context, regionID string, keys []charon.TileKey) error
	Unpin(ctx context.Context, regionID string) error
	PutRegion(ctx context.Context, info *tiledb.RegionInfo) error
	GetRegion(ctx context.Context, id string) (*tiledb.RegionInfo, error)
	ListRegions(ctx context.Context) ([]tiledb.RegionInfo, error)
	RegionSizeOnDisk(ctx context.Context, id string) (int64, int, error)
	EvictIfOverBudget(ctx context.Context, budget int) (int, error)
}

// Fetcher downloads a single tile, writing it through to the store.
type Fetcher interface {
	Fetch(ctx context.Context, key charon.TileKey) ([]byte, error)
}

// Manager runs region downloads against a tile store and fetcher.
type Manager struct {
	store       Store
	fetcher     Fetcher
	tileserver  string
	parallelism int
	diskBudget  int
	logger      *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithParallelism bounds how many tile fetches a download runs at once.
func WithParallelism(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.parallelism = n
		}
	}
}

// WithDiskBudget sets the tile budget for the eviction pass that runs
// after a download reaches a terminal state. Zero disables it.
func WithDiskBudget(budget int) Option {
	return func(m *Manager) {
		m.diskBudget = budget
	}
}

// WithNow sets the time function, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager downloading from the given tileserver URL
// template.
func NewManager(store Store, fetcher Fetcher, tileserver string, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		fetcher:     fetcher,
		tileserver:  tileserver,
		parallelism: defaultParallelism,
		logger:      slog.Default(),
		now:         time.Now,
		jobs:        make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DownloadRegion enumerates every tile covering bbox for each zoom level in
// [minZoom, maxZoom], pins them all under a fresh region id, then starts
// fetching the ones not already on disk. The returned Job reports progress
// and the terminal state; the download itself runs in the background.
//
// Eviction is deferred until the whole region reaches a terminal state, so
// a large download cannot evict its own earlier tiles.
func (m *Manager) DownloadRegion(ctx context.Context, name string, bbox charon.BoundingBox, minZoom, maxZoom uint8) (*Job, error) {
	if minZoom > maxZoom || maxZoom > charon.MaxZoom {
		return nil, fmt.Errorf("invalid zoom range %d..%d", minZoom, maxZoom)
	}

	var keys []charon.TileKey
	for z := minZoom; ; z++ {
		keys = append(keys, bbox.CoveringTiles(z).Keys(m.tileserver)...)
		if z == maxZoom {
			break
		}
	}

	info := &tiledb.RegionInfo{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: m.now(),
		State:     tiledb.RegionDownloading,
		MinZoom:   minZoom,
		MaxZoom:   maxZoom,
		TileCount: len(keys),
	}
	if err := m.store.PutRegion(ctx, info); err != nil {
		return nil, fmt.Errorf("recording region: %w", err)
	}

	// Pin before fetch. From here on the region's tiles survive any
	// eviction pass, downloaded or not.
	if err := m.store.Pin(ctx, info.ID, keys); err != nil {
		return nil, fmt.Errorf("pinning region %s: %w", info.ID, err)
	}

	job := newJob(info.ID, len(keys))
	m.mu.Lock()
	m.jobs[info.ID] = job
	m.mu.Unlock()

	m.logger.Info("region download started",
		"region", info.ID, "name", name,
		"zoom_min", minZoom, "zoom_max", maxZoom, "tiles", len(keys))

	go m.run(job, info, keys)

	return job, nil
}

// DeleteRegion removes the region's pins and metadata. Tile bytes are left
// in place; freed tiles become eviction-eligible on the next pass.
func (m *Manager) DeleteRegion(ctx context.Context, id string) error {
	m.mu.Lock()
	if job, ok := m.jobs[id]; ok {
		job.Cancel()
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	if err := m.store.Unpin(ctx, id); err != nil {
		return fmt.Errorf("unpinning region %s: %w", id, err)
	}
	m.logger.Info("region deleted", "region", id)
	return nil
}

// ListRegions returns all stored regions, oldest first.
func (m *Manager) ListRegions(ctx context.Context) ([]tiledb.RegionInfo, error) {
	return m.store.ListRegions(ctx)
}

// RegionSizeOnDisk reports the bytes and tile count currently on disk for
// the region. Pinned tiles not yet downloaded count as zero bytes.
func (m *Manager) RegionSizeOnDisk(ctx context.Context, id string) (int64, int, error) {
	return m.store.RegionSizeOnDisk(ctx, id)
}

// Job returns the in-flight job for a region id, if any.
func (m *Manager) Job(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	return job, ok
}
