package tiledb

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	charon "github.com/catacombing/charon"
)

func setupTestStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	s := New(WithNoSync(true), WithNow(func() time.Time { return *now }))
	path := filepath.Join(t.TempDir(), "tiles.db")
	require.NoError(t, s.Open(path))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tk(x, y uint32, z uint8) charon.TileKey {
	return charon.NewTileKey("osm", x, y, z)
}

const testRegionA = "11111111-1111-1111-1111-111111111111"
const testRegionB = "22222222-2222-2222-2222-222222222222"

func TestPutGetRoundtrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()

	key := tk(8504, 5473, 14)
	require.NoError(t, s.Put(ctx, key, []byte("png-bytes")))

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), data)

	_, err = s.Get(ctx, tk(0, 0, 0))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAgeTracksCreationTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()

	key := tk(1, 2, 3)
	require.NoError(t, s.Put(ctx, key, []byte("x")))

	age, err := s.Age(ctx, key)
	require.NoError(t, err)
	require.Zero(t, age)

	now = now.Add(8 * 24 * time.Hour)
	age, err = s.Age(ctx, key)
	require.NoError(t, err)
	require.GreaterOrEqual(t, age, 7*24*time.Hour)

	// Reads touch atime but never ctime, so age keeps growing.
	_, err = s.Get(ctx, key)
	require.NoError(t, err)
	age, err = s.Age(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 8*24*time.Hour, age)
}

func TestEvictOldestAccessFirst(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()

	a, b, c := tk(1, 1, 10), tk(2, 2, 10), tk(3, 3, 10)
	for _, key := range []charon.TileKey{a, b, c} {
		require.NoError(t, s.Put(ctx, key, []byte("data")))
		now = now.Add(time.Minute)
	}

	// Reading a makes b the oldest-access tile.
	_, err := s.Get(ctx, a)
	require.NoError(t, err)

	evicted, err := s.EvictIfOverBudget(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	_, err = s.Get(ctx, b)
	require.ErrorIs(t, err, ErrNotFound)
	for _, key := range []charon.TileKey{a, c} {
		_, err := s.Get(ctx, key)
		require.NoError(t, err)
	}
}

func TestEvictTieBreaksByKeyOrder(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()

	// All tiles share one access time; eviction order must be ascending
	// (z, x, y).
	keys := []charon.TileKey{tk(9, 9, 5), tk(0, 0, 5), tk(0, 1, 5)}
	for _, key := range keys {
		require.NoError(t, s.Put(ctx, key, []byte("data")))
	}

	evicted, err := s.EvictIfOverBudget(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, evicted)

	// Only the largest key survives.
	_, err = s.Get(ctx, tk(9, 9, 5))
	require.NoError(t, err)
	_, err = s.Get(ctx, tk(0, 0, 5))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, tk(0, 1, 5))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnpinnedCountNeverExceedsBudget(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()

	const budget = 5
	for i := uint32(0); i < 20; i++ {
		require.NoError(t, s.Put(ctx, tk(i, i, 12), []byte("data")))
		now = now.Add(time.Second)
		_, err := s.EvictIfOverBudget(ctx, budget)
		require.NoError(t, err)

		count, err := s.Count(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, count, budget)
	}
}

func TestPinnedTilesSurviveEviction(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()

	pinned := tk(1, 1, 8)
	require.NoError(t, s.Put(ctx, pinned, []byte("pinned")))
	require.NoError(t, s.Pin(ctx, testRegionA, []charon.TileKey{pinned}))

	// Newer unpinned tiles; the pinned tile has the oldest atime.
	now = now.Add(time.Hour)
	for i := uint32(0); i < 10; i++ {
		require.NoError(t, s.Put(ctx, tk(100+i, 100, 8), []byte("data")))
	}

	_, err := s.EvictIfOverBudget(ctx, 0)
	require.NoError(t, err)

	// The pinned tile is the only survivor; budget is a soft cap.
	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	data, err := s.Get(ctx, pinned)
	require.NoError(t, err)
	require.Equal(t, []byte("pinned"), data)
}

func TestUnpinMakesTilesEvictable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()

	// 2x2 region at one zoom level.
	keys := []charon.TileKey{tk(4, 4, 10), tk(5, 4, 10), tk(4, 5, 10), tk(5, 5, 10)}
	require.NoError(t, s.Pin(ctx, testRegionA, keys))
	for _, key := range keys {
		require.NoError(t, s.Put(ctx, key, []byte("data")))
	}

	evicted, err := s.EvictIfOverBudget(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, evicted)

	require.NoError(t, s.Unpin(ctx, testRegionA))

	evicted, err = s.EvictIfOverBudget(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 4, evicted)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestTilePinnedByMultipleRegions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()

	key := tk(7, 7, 9)
	require.NoError(t, s.Put(ctx, key, []byte("shared")))
	require.NoError(t, s.Pin(ctx, testRegionA, []charon.TileKey{key}))
	require.NoError(t, s.Pin(ctx, testRegionB, []charon.TileKey{key}))

	require.NoError(t, s.Unpin(ctx, testRegionA))

	pinned, err := s.Pinned(ctx, key)
	require.NoError(t, err)
	require.True(t, pinned)

	_, err = s.EvictIfOverBudget(ctx, 0)
	require.NoError(t, err)
	_, err = s.Get(ctx, key)
	require.NoError(t, err)

	require.NoError(t, s.Unpin(ctx, testRegionB))
	pinned, err = s.Pinned(ctx, key)
	require.NoError(t, err)
	require.False(t, pinned)
}

func TestRegionMetadata(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()

	info := &RegionInfo{
		ID:        testRegionA,
		Name:      "Karlsruhe",
		CreatedAt: now,
		State:     RegionComplete,
		MinZoom:   10,
		MaxZoom:   12,
		TileCount: 4,
	}
	require.NoError(t, s.PutRegion(ctx, info))

	got, err := s.GetRegion(ctx, testRegionA)
	require.NoError(t, err)
	require.Equal(t, info, got)

	regions, err := s.ListRegions(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 1)

	require.NoError(t, s.Unpin(ctx, testRegionA))
	_, err = s.GetRegion(ctx, testRegionA)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegionSizeOnDisk(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()

	keys := []charon.TileKey{tk(1, 1, 6), tk(2, 1, 6), tk(3, 1, 6)}
	require.NoError(t, s.Pin(ctx, testRegionA, keys))

	// Only two of three pinned tiles are present.
	require.NoError(t, s.Put(ctx, keys[0], make([]byte, 100)))
	require.NoError(t, s.Put(ctx, keys[1], make([]byte, 50)))

	size, present, err := s.RegionSizeOnDisk(ctx, testRegionA)
	require.NoError(t, err)
	require.Equal(t, int64(150), size)
	require.Equal(t, 2, present)
}

func TestTileKeyEncodingRoundtrip(t *testing.T) {
	keys := []charon.TileKey{
		tk(0, 0, 0),
		tk(8504, 5473, 14),
		charon.NewTileKey("tile.example.com/{z}", 1, 2, 19),
	}
	for _, key := range keys {
		parsed, ok := parseTileKey(encodeTileKey(key))
		require.True(t, ok)
		require.Equal(t, key, parsed)
	}
}

func TestRecordExposesTimestampsWithoutTouch(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()
	created := now

	key := tk(8504, 5473, 14)
	require.NoError(t, s.Put(ctx, key, []byte("png-bytes")))

	now = now.Add(2 * time.Hour)
	rec, err := s.Record(ctx, key)
	require.NoError(t, err)
	require.Equal(t, key, rec.Key)
	require.Equal(t, []byte("png-bytes"), rec.Data)
	require.Equal(t, created, rec.CTime)
	require.Equal(t, created, rec.ATime)

	// A read refreshes atime but not ctime.
	_, err = s.Get(ctx, key)
	require.NoError(t, err)
	rec, err = s.Record(ctx, key)
	require.NoError(t, err)
	require.Equal(t, created, rec.CTime)
	require.Equal(t, created.Add(2*time.Hour), rec.ATime)

	_, err = s.Record(ctx, tk(0, 0, 0))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnpinRejectsMalformedID(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := setupTestStore(t, &now)
	ctx := context.Background()

	key := tk(7, 7, 9)
	require.NoError(t, s.Put(ctx, key, []byte("data")))
	require.NoError(t, s.Pin(ctx, testRegionA, []charon.TileKey{key}))

	// A truncated id prefix-matches association rows of every region it
	// is a prefix of; the store must refuse it outright.
	require.Error(t, s.Unpin(ctx, testRegionA[:8]))
	require.Error(t, s.Unpin(ctx, ""))

	pinned, err := s.Pinned(ctx, key)
	require.NoError(t, err)
	require.True(t, pinned)
}

func TestEncodedKeyOrderMatchesCompare(t *testing.T) {
	keys := []charon.TileKey{
		tk(0, 0, 0),
		tk(1, 0, 0),
		tk(0, 0, 1),
		tk(4, 4, 10),
		tk(4, 5, 10),
		tk(5, 4, 10),
		tk(8504, 5473, 14),
		charon.NewTileKey("osm2", 0, 0, 0),
	}
	for _, a := range keys {
		for _, b := range keys {
			require.Equal(t, a.Compare(b), bytes.Compare(encodeTileKey(a), encodeTileKey(b)),
				"%s vs %s", a, b)
		}
	}
}
