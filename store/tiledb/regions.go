package tiledb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	charon "github.com/catacombing/charon"
)

// RegionState is the terminal state of a region download.
type RegionState string

const (
	RegionDownloading   RegionState = "downloading"
	RegionComplete      RegionState = "complete"
	RegionPartialFailed RegionState = "partial_failure"
	RegionCancelled     RegionState = "cancelled"
)

// RegionInfo describes a pinned offline region.
type RegionInfo struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	CreatedAt   time.Time   `json:"created_at"`
	State       RegionState `json:"state"`
	MinZoom     uint8       `json:"min_zoom"`
	MaxZoom     uint8       `json:"max_zoom"`
	TileCount   int         `json:"tile_count"`
	FailedTiles int         `json:"failed_tiles,omitempty"`
}

// PutRegion inserts or updates region metadata.
func (s *Store) PutRegion(_ context.Context, info *RegionInfo) error {
	if len(info.ID) != regionIDLen {
		return fmt.Errorf("invalid region id %q", info.ID)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling region info: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegions).Put([]byte(info.ID), data)
	})
}

// GetRegion returns region metadata by id.
func (s *Store) GetRegion(_ context.Context, id string) (*RegionInfo, error) {
	var info RegionInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRegions).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ListRegions returns all regions, oldest first.
func (s *Store) ListRegions(_ context.Context) ([]RegionInfo, error) {
	var regions []RegionInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegions).ForEach(func(_, v []byte) error {
			var info RegionInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("unmarshaling region info: %w", err)
			}
			regions = append(regions, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].CreatedAt.Before(regions[j].CreatedAt)
	})
	return regions, nil
}

// Pin records region-to-tile associations for the given keys. A tile may be
// pinned by any number of regions; rows are unique per (region, tile) pair.
// Pinning never requires the tile bytes to be present yet, which lets region
// downloads pin before fetching.
func (s *Store) Pin(_ context.Context, regionID string, keys []charon.TileKey) error {
	if len(regionID) != regionIDLen {
		return fmt.Errorf("invalid region id %q", regionID)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		regionTiles := tx.Bucket(bucketRegionTiles)
		tileRegions := tx.Bucket(bucketTileRegions)

		for _, key := range keys {
			tileKey := encodeTileKey(key)
			if err := regionTiles.Put(makeRegionTileKey(regionID, tileKey), nil); err != nil {
				return fmt.Errorf("putting region tile row: %w", err)
			}
			if err := tileRegions.Put(makeTileRegionKey(tileKey, regionID), nil); err != nil {
				return fmt.Errorf("putting tile region row: %w", err)
			}
		}
		return nil
	})
}

// Unpin removes all association rows for a region and its metadata entry.
// Tile bytes are never deleted here; freed tiles become eviction-eligible
// on the next eviction pass.
func (s *Store) Unpin(_ context.Context, regionID string) error {
	// A short id would prefix-match association rows of every region
	// whose id starts with it.
	if len(regionID) != regionIDLen {
		return fmt.Errorf("invalid region id %q", regionID)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		regionTiles := tx.Bucket(bucketRegionTiles)
		tileRegions := tx.Bucket(bucketTileRegions)

		prefix := []byte(regionID)
		cursor := regionTiles.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			tileKey := k[regionIDLen:]
			if err := tileRegions.Delete(makeTileRegionKey(tileKey, regionID)); err != nil {
				return fmt.Errorf("deleting tile region row: %w", err)
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting region tile row: %w", err)
			}
		}

		return tx.Bucket(bucketRegions).Delete([]byte(regionID))
	})
}

// Pinned reports whether at least one region pins the tile.
func (s *Store) Pinned(_ context.Context, key charon.TileKey) (bool, error) {
	var pinned bool
	tileKey := encodeTileKey(key)
	err := s.db.View(func(tx *bbolt.Tx) error {
		pinned = tilePinned(tx.Bucket(bucketTileRegions), tileKey)
		return nil
	})
	return pinned, err
}

// RegionKeys returns the tile keys pinned by a region, in pin order.
func (s *Store) RegionKeys(_ context.Context, regionID string) ([]charon.TileKey, error) {
	var keys []charon.TileKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(regionID)
		cursor := tx.Bucket(bucketRegionTiles).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			if key, ok := parseTileKey(k[regionIDLen:]); ok {
				keys = append(keys, key)
			}
		}
		return nil
	})
	return keys, err
}

// RegionSizeOnDisk returns the total stored byte size and the number of
// present tiles for a region. Tiles pinned but not yet fetched count zero.
func (s *Store) RegionSizeOnDisk(_ context.Context, regionID string) (int64, int, error) {
	var size int64
	var present int
	err := s.db.View(func(tx *bbolt.Tx) error {
		tiles := tx.Bucket(bucketTiles)
		prefix := []byte(regionID)
		cursor := tx.Bucket(bucketRegionTiles).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			val := tiles.Get(k[regionIDLen:])
			if val == nil {
				continue
			}
			present++
			size += int64(len(val) - recordHeaderLen)
		}
		return nil
	})
	return size, present, err
}

// tilePinned reports whether the tile_regions bucket contains any row for
// the tile.
func tilePinned(tileRegions *bbolt.Bucket, tileKey []byte) bool {
	cursor := tileRegions.Cursor()
	k, _ := cursor.Seek(tileKey)
	return k != nil && bytes.HasPrefix(k, tileKey)
}
