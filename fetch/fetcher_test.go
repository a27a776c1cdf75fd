package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	charon "github.com/catacombing/charon"
)

// memStore collects write-through puts.
type memStore struct {
	mu    sync.Mutex
	tiles map[charon.TileKey][]byte
	fail  bool
}

func newMemStore() *memStore {
	return &memStore{tiles: make(map[charon.TileKey][]byte)}
}

func (m *memStore) Put(_ context.Context, key charon.TileKey, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return context.DeadlineExceeded
	}
	m.tiles[key] = data
	return nil
}

func (m *memStore) get(key charon.TileKey) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.tiles[key]
	return data, ok
}

func tileServer(t *testing.T, hits *atomic.Int64, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/{z}/{x}/{y}.png"
}

func TestFetchWritesThrough(t *testing.T) {
	var hits atomic.Int64
	template := tileServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/14/8504/5473.png", r.URL.Path)
		_, _ = w.Write([]byte("tile-bytes"))
	})

	store := newMemStore()
	f := New(store)

	key := charon.NewTileKey(template, 8504, 5473, 14)
	data, err := f.Fetch(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []byte("tile-bytes"), data)

	stored, ok := store.get(key)
	require.True(t, ok)
	require.Equal(t, data, stored)
}

func TestConcurrentFetchesCoalesce(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	template := tileServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("tile"))
	})

	f := New(newMemStore())
	key := charon.NewTileKey(template, 1, 2, 3)

	const callers = 16
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.Fetch(context.Background(), key)
		}(i)
	}

	// Give every caller time to attach to the in-flight request.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int64(1), hits.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, []byte("tile"), results[i])
	}
}

func TestNotFoundIsNegativeCached(t *testing.T) {
	var hits atomic.Int64
	template := tileServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := New(newMemStore(), WithNow(func() time.Time { return now }))
	key := charon.NewTileKey(template, 1, 1, 1)

	_, err := f.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int64(1), hits.Load())

	// Repeat requests inside the negative-cache window never hit the
	// server.
	_, err = f.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int64(1), hits.Load())

	// Past the window the server is asked again.
	now = now.Add(notFoundTTL + time.Second)
	_, err = f.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int64(2), hits.Load())
}

func TestTransientBacksOffExponentially(t *testing.T) {
	var hits atomic.Int64
	template := tileServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := New(newMemStore(), WithNow(func() time.Time { return now }))
	key := charon.NewTileKey(template, 2, 2, 2)

	_, err := f.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, int64(1), hits.Load())

	// Inside the backoff window fetches fail fast without network I/O.
	_, err = f.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, int64(1), hits.Load())

	// First retry is allowed after the base delay.
	now = now.Add(retryBaseDelay + time.Second)
	_, err = f.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, int64(2), hits.Load())

	// Second failure doubles the delay.
	now = now.Add(retryBaseDelay + time.Second)
	_, err = f.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, int64(2), hits.Load())

	now = now.Add(retryBaseDelay + time.Second)
	_, err = f.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, int64(3), hits.Load())
}

func TestSuccessClearsBackoff(t *testing.T) {
	var hits atomic.Int64
	var failing atomic.Bool
	failing.Store(true)
	template := tileServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("tile"))
	})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := New(newMemStore(), WithNow(func() time.Time { return now }))
	key := charon.NewTileKey(template, 3, 3, 3)

	_, err := f.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrTransient)

	failing.Store(false)
	now = now.Add(retryBaseDelay + time.Second)
	_, err = f.Fetch(context.Background(), key)
	require.NoError(t, err)

	// No leftover backoff state: the next fetch goes straight to the network.
	data, err := f.Fetch(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []byte("tile"), data)
}

func TestOfflineFailsWithoutIO(t *testing.T) {
	var hits atomic.Int64
	template := tileServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("tile"))
	})

	f := New(newMemStore(), WithOffline(true))
	_, err := f.Fetch(context.Background(), charon.NewTileKey(template, 1, 1, 1))
	require.ErrorIs(t, err, ErrOffline)
	require.Zero(t, hits.Load())
}

func TestStorageFailureSurfacesAsStorageError(t *testing.T) {
	var hits atomic.Int64
	template := tileServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("tile"))
	})

	store := newMemStore()
	store.fail = true
	f := New(store)

	_, err := f.Fetch(context.Background(), charon.NewTileKey(template, 1, 1, 1))
	require.ErrorIs(t, err, ErrStorage)
}
