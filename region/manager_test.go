package region

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	charon "github.com/catacombing/charon"
	"github.com/catacombing/charon/fetch"
	"github.com/catacombing/charon/store/tiledb"
)

const testTemplate = "https://tiles.test/{z}/{x}/{y}.png"

// quadBox covers tile indices x 1..2, y 1..2 at zoom 2: four tiles.
var quadBox = charon.BoundingBox{
	Min: charon.GeoPoint{Lat: -40, Lon: -45},
	Max: charon.GeoPoint{Lat: 40, Lon: 45},
}

func setupTestStore(t *testing.T) *tiledb.Store {
	t.Helper()

	store := tiledb.New(tiledb.WithNoSync(true))
	require.NoError(t, store.Open(filepath.Join(t.TempDir(), "tiles.db")))
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

// fakeFetcher writes through to the store like the real fetcher, recording
// every call.
type fakeFetcher struct {
	store   *tiledb.Store
	mu      sync.Mutex
	calls   []charon.TileKey
	fail    map[charon.TileKey]error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, key charon.TileKey) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	if err, ok := f.fail[key]; ok {
		return nil, err
	}

	data := []byte("tile")
	if err := f.store.Put(ctx, key, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDownloadRegionPinsAndCompletes(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	fetcher := &fakeFetcher{store: store}
	mgr := NewManager(store, fetcher, testTemplate)

	job, err := mgr.DownloadRegion(ctx, "home", quadBox, 2, 2)
	require.NoError(t, err)

	state, err := job.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, tiledb.RegionComplete, state)

	done, failed, total := job.Progress()
	require.Equal(t, 4, total)
	require.Equal(t, 4, done)
	require.Zero(t, failed)
	require.Equal(t, 4, fetcher.callCount())

	for y := uint32(1); y <= 2; y++ {
		for x := uint32(1); x <= 2; x++ {
			key := charon.NewTileKey(testTemplate, x, y, 2)
			pinned, err := store.Pinned(ctx, key)
			require.NoError(t, err)
			require.True(t, pinned, "tile %v", key)

			_, err = store.Get(ctx, key)
			require.NoError(t, err)
		}
	}

	info, err := store.GetRegion(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, tiledb.RegionComplete, info.State)
	require.Equal(t, "home", info.Name)
	require.Equal(t, 4, info.TileCount)
	require.Zero(t, info.FailedTiles)
}

func TestDeleteRegionThenEvictRemovesAllTiles(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	fetcher := &fakeFetcher{store: store}
	mgr := NewManager(store, fetcher, testTemplate)

	job, err := mgr.DownloadRegion(ctx, "trip", quadBox, 2, 2)
	require.NoError(t, err)
	_, err = job.Wait(waitCtx(t))
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteRegion(ctx, job.ID))

	evicted, err := store.EvictIfOverBudget(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 4, evicted)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestDownloadSkipsTilesAlreadyOnDisk(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	present := charon.NewTileKey(testTemplate, 1, 1, 2)
	require.NoError(t, store.Put(ctx, present, []byte("tile")))

	fetcher := &fakeFetcher{store: store}
	mgr := NewManager(store, fetcher, testTemplate)

	job, err := mgr.DownloadRegion(ctx, "overlap", quadBox, 2, 2)
	require.NoError(t, err)
	state, err := job.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, tiledb.RegionComplete, state)

	require.Equal(t, 3, fetcher.callCount())
	done, _, _ := job.Progress()
	require.Equal(t, 4, done)
}

func TestMissingTilesYieldPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	missing := charon.NewTileKey(testTemplate, 2, 2, 2)
	fetcher := &fakeFetcher{
		store: store,
		fail:  map[charon.TileKey]error{missing: fetch.ErrNotFound},
	}
	mgr := NewManager(store, fetcher, testTemplate)

	job, err := mgr.DownloadRegion(ctx, "coast", quadBox, 2, 2)
	require.NoError(t, err)
	state, err := job.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, tiledb.RegionPartialFailed, state)

	done, failed, total := job.Progress()
	require.Equal(t, 4, total)
	require.Equal(t, 4, done)
	require.Equal(t, 1, failed)

	info, err := store.GetRegion(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, tiledb.RegionPartialFailed, info.State)
	require.Equal(t, 1, info.FailedTiles)
}

func TestCancelKeepsDownloadedTilesPinned(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	fetcher := &fakeFetcher{
		store:   store,
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	mgr := NewManager(store, fetcher, testTemplate, WithParallelism(1))

	job, err := mgr.DownloadRegion(ctx, "aborted", quadBox, 2, 2)
	require.NoError(t, err)

	// Cancel while the first fetch is in flight, then let it finish.
	<-fetcher.started
	job.Cancel()
	close(fetcher.block)

	state, err := job.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, tiledb.RegionCancelled, state)
	require.Less(t, fetcher.callCount(), 4)

	// The tile that completed is on disk and still pinned.
	first := fetcher.calls[0]
	pinned, err := store.Pinned(ctx, first)
	require.NoError(t, err)
	require.True(t, pinned)
	_, err = store.Get(ctx, first)
	require.NoError(t, err)

	info, err := store.GetRegion(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, tiledb.RegionCancelled, info.State)
}

func TestDownloadDefersEvictionUntilRegionFinishes(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	// Two unpinned tiles over a budget of 2; the region's four pinned
	// tiles push the store over budget, and the settle pass afterwards
	// only removes the unpinned pair.
	for _, x := range []uint32{10, 11} {
		require.NoError(t, store.Put(ctx, charon.NewTileKey(testTemplate, x, 0, 5), []byte("tile")))
	}

	fetcher := &fakeFetcher{store: store}
	mgr := NewManager(store, fetcher, testTemplate, WithDiskBudget(2))

	job, err := mgr.DownloadRegion(ctx, "budget", quadBox, 2, 2)
	require.NoError(t, err)
	state, err := job.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, tiledb.RegionComplete, state)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, count)

	for y := uint32(1); y <= 2; y++ {
		for x := uint32(1); x <= 2; x++ {
			_, err := store.Get(ctx, charon.NewTileKey(testTemplate, x, y, 2))
			require.NoError(t, err)
		}
	}
}

func TestNotifyPingsOnProgress(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	fetcher := &fakeFetcher{store: store}
	mgr := NewManager(store, fetcher, testTemplate)

	job, err := mgr.DownloadRegion(ctx, "pings", quadBox, 2, 2)
	require.NoError(t, err)

	select {
	case <-job.Notify():
	case <-time.After(5 * time.Second):
		t.Fatal("no progress notification")
	}

	_, err = job.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestInvalidZoomRangeRejected(t *testing.T) {
	store := setupTestStore(t)
	mgr := NewManager(store, &fakeFetcher{store: store}, testTemplate)

	_, err := mgr.DownloadRegion(context.Background(), "bad", quadBox, 5, 3)
	require.Error(t, err)

	_, err = mgr.DownloadRegion(context.Background(), "deep", quadBox, 1, charon.MaxZoom+1)
	require.Error(t, err)
}

func TestCoveringTilesQuadBox(t *testing.T) {
	r := quadBox.CoveringTiles(2)
	require.Equal(t, uint32(1), r.MinX)
	require.Equal(t, uint32(2), r.MaxX)
	require.Equal(t, uint32(1), r.MinY)
	require.Equal(t, uint32(2), r.MaxY)
	require.Equal(t, 4, r.Count())
}
