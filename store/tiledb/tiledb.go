// Package tiledb provides the durable tile store: a bbolt database holding
// raw tile bytes with an access-time eviction index and the offline-region
// pinning tables. It is the single writer of record for persisted tiles;
// the in-memory cache is purely derivative of it.
package tiledb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	charon "github.com/catacombing/charon"
)

// ErrNotFound is returned when a tile or region does not exist.
var ErrNotFound = errors.New("tiledb: not found")

// Store is the bbolt-backed tile store.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash; use only for testing or benchmarking.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// New creates a new Store with options. Call Open before use.
func New(opts ...Option) *Store {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database at the given path. Failure here is fatal for the
// subsystem; nothing works without persistent tile storage.
func (s *Store) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening tile database: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	s.logger.Debug("opened tiledb", "path", path, "noSync", s.noSync)
	return nil
}

func (s *Store) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketTiles,
			bucketTilesByAccess,
			bucketTileAccessByKey,
			bucketRegions,
			bucketRegionTiles,
			bucketTileRegions,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing tiledb")
	return s.db.Close()
}

// Get returns the stored bytes for a tile and refreshes its access time.
// Returns ErrNotFound if the tile is not cached.
func (s *Store) Get(_ context.Context, key charon.TileKey) ([]byte, error) {
	var data []byte
	tileKey := encodeTileKey(key)
	now := s.now()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		tiles := tx.Bucket(bucketTiles)
		val := tiles.Get(tileKey)
		if val == nil {
			return ErrNotFound
		}

		ctime, _, body, ok := decodeRecord(val)
		if !ok {
			return fmt.Errorf("corrupt record for %s", key)
		}

		data = make([]byte, len(body))
		copy(data, body)

		// Touch atime and move the access index entry.
		if err := s.updateAccessIndex(tx, tileKey, now); err != nil {
			return err
		}
		return tiles.Put(tileKey, encodeRecord(ctime, now, data))
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Peek returns the stored bytes without refreshing the access time. Used
// by read-side helpers that must not disturb eviction ranking.
func (s *Store) Peek(_ context.Context, key charon.TileKey) ([]byte, error) {
	var data []byte
	tileKey := encodeTileKey(key)
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketTiles).Get(tileKey)
		if val == nil {
			return ErrNotFound
		}
		_, _, body, ok := decodeRecord(val)
		if !ok {
			return fmt.Errorf("corrupt record for %s", key)
		}
		data = make([]byte, len(body))
		copy(data, body)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Has reports whether a tile is cached, without touching its access time.
func (s *Store) Has(_ context.Context, key charon.TileKey) (bool, error) {
	var found bool
	tileKey := encodeTileKey(key)
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketTiles).Get(tileKey) != nil
		return nil
	})
	return found, err
}

// Put inserts or replaces a tile record, setting both timestamps to now.
// Readers observe either the old or the new record, never a mix; bbolt
// transactions make the replace atomic.
func (s *Store) Put(_ context.Context, key charon.TileKey, data []byte) error {
	tileKey := encodeTileKey(key)
	now := s.now()

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := s.updateAccessIndex(tx, tileKey, now); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTiles).Put(tileKey, encodeRecord(now, now, data)); err != nil {
			return fmt.Errorf("putting tile %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes a tile record and its index entries. Idempotent.
func (s *Store) Delete(_ context.Context, key charon.TileKey) error {
	tileKey := encodeTileKey(key)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := s.removeAccessIndex(tx, tileKey); err != nil {
			return err
		}
		return tx.Bucket(bucketTiles).Delete(tileKey)
	})
}

// Record returns the full stored record for a tile, timestamps included,
// without refreshing its access time.
func (s *Store) Record(_ context.Context, key charon.TileKey) (*charon.TileRecord, error) {
	var rec *charon.TileRecord
	tileKey := encodeTileKey(key)
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketTiles).Get(tileKey)
		if val == nil {
			return ErrNotFound
		}
		ctime, atime, body, ok := decodeRecord(val)
		if !ok {
			return fmt.Errorf("corrupt record for %s", key)
		}
		data := make([]byte, len(body))
		copy(data, body)
		rec = &charon.TileRecord{Key: key, Data: data, CTime: ctime, ATime: atime}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Age returns the time since the tile was stored. Callers use it to decide
// whether a present tile should still trigger a background refresh.
func (s *Store) Age(ctx context.Context, key charon.TileKey) (time.Duration, error) {
	rec, err := s.Record(ctx, key)
	if err != nil {
		return 0, err
	}
	return s.now().Sub(rec.CTime), nil
}

// Count returns the number of stored tile records.
func (s *Store) Count(_ context.Context) (int, error) {
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketTiles).Stats().KeyN
		return nil
	})
	return count, err
}

// updateAccessIndex moves a tile's entry in the access-time index,
// deleting any old entry via the reverse index first.
func (s *Store) updateAccessIndex(tx *bbolt.Tx, tileKey []byte, accessTime time.Time) error {
	accessBucket := tx.Bucket(bucketTilesByAccess)
	reverseBucket := tx.Bucket(bucketTileAccessByKey)

	if tsBytes := reverseBucket.Get(tileKey); tsBytes != nil {
		oldKey := makeAccessKey(decodeTimestamp(tsBytes), tileKey)
		if err := accessBucket.Delete(oldKey); err != nil {
			return fmt.Errorf("deleting old access index: %w", err)
		}
	}

	if err := accessBucket.Put(makeAccessKey(accessTime, tileKey), tileKey); err != nil {
		return fmt.Errorf("putting access index: %w", err)
	}
	if err := reverseBucket.Put(tileKey, encodeTimestamp(accessTime)); err != nil {
		return fmt.Errorf("putting access reverse index: %w", err)
	}
	return nil
}

// removeAccessIndex deletes a tile's access index entries.
func (s *Store) removeAccessIndex(tx *bbolt.Tx, tileKey []byte) error {
	accessBucket := tx.Bucket(bucketTilesByAccess)
	reverseBucket := tx.Bucket(bucketTileAccessByKey)

	tsBytes := reverseBucket.Get(tileKey)
	if tsBytes == nil {
		return nil
	}
	if err := accessBucket.Delete(makeAccessKey(decodeTimestamp(tsBytes), tileKey)); err != nil {
		return fmt.Errorf("deleting access index: %w", err)
	}
	if err := reverseBucket.Delete(tileKey); err != nil {
		return fmt.Errorf("deleting access reverse index: %w", err)
	}
	return nil
}
