package tiledb

import (
	"encoding/binary"
	"time"

	charon "github.com/catacombing/charon"
)

// Bucket names for bbolt storage.
var (
	// Tile records keyed by (tileserver, z, x, y)
	bucketTiles = []byte("tiles")

	// Access time index
	bucketTilesByAccess   = []byte("tiles_by_access")    // timestamp+tilekey -> tilekey
	bucketTileAccessByKey = []byte("tile_access_by_key") // tilekey -> 8-byte timestamp (reverse index for O(1) delete)

	// Offline region pinning
	bucketRegions     = []byte("regions")      // region id -> RegionInfo JSON
	bucketRegionTiles = []byte("region_tiles") // region id + tilekey -> nil (tiles pinned by a region)
	bucketTileRegions = []byte("tile_regions") // tilekey + region id -> nil (regions pinning a tile)
)

// regionIDLen is the length of a canonical UUID region identifier. Region
// association keys rely on it being fixed so compound keys parse without a
// separator.
const regionIDLen = 36

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so time-based index keys sort lexicographically. Offset by
// math.MinInt64 to keep pre-1970 values ordered.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// tileKeyTailLen is the fixed-width coordinate part of an encoded tile key:
// 1 byte zoom + 4 bytes x + 4 bytes y.
const tileKeyTailLen = 9

// encodeTileKey creates the storage key for a tile.
// Format: [tileserver][separator][z][4-byte x][4-byte y]
// Lexicographic order over these bytes equals (tileserver, z, x, y) order,
// which keeps pyramid neighbours close together in the tiles bucket.
func encodeTileKey(key charon.TileKey) []byte {
	result := make([]byte, len(key.Tileserver)+1+tileKeyTailLen)
	copy(result, key.Tileserver)
	off := len(key.Tileserver)
	result[off] = 0 // null separator
	off++
	result[off] = key.Z
	off++
	binary.BigEndian.PutUint32(result[off:], key.X)
	binary.BigEndian.PutUint32(result[off+4:], key.Y)
	return result
}

// parseTileKey extracts the tile key from a storage key.
func parseTileKey(data []byte) (charon.TileKey, bool) {
	if len(data) < 1+tileKeyTailLen {
		return charon.TileKey{}, false
	}
	sep := len(data) - tileKeyTailLen - 1
	if data[sep] != 0 {
		return charon.TileKey{}, false
	}
	tail := data[sep+1:]
	return charon.TileKey{
		Tileserver: string(data[:sep]),
		Z:          tail[0],
		X:          binary.BigEndian.Uint32(tail[1:5]),
		Y:          binary.BigEndian.Uint32(tail[5:9]),
	}, true
}

// makeAccessKey creates a key for the tiles_by_access index.
// Format: [8-byte timestamp][encoded tile key]
// Equal access times tie-break in ascending tile key order, which makes
// eviction deterministic.
func makeAccessKey(accessTime time.Time, tileKey []byte) []byte {
	ts := encodeTimestamp(accessTime)
	key := make([]byte, 8+len(tileKey))
	copy(key[:8], ts)
	copy(key[8:], tileKey)
	return key
}

// makeRegionTileKey creates a key for the region_tiles association bucket.
// Format: [36-byte region id][encoded tile key]
func makeRegionTileKey(regionID string, tileKey []byte) []byte {
	key := make([]byte, regionIDLen+len(tileKey))
	copy(key[:regionIDLen], regionID)
	copy(key[regionIDLen:], tileKey)
	return key
}

// makeTileRegionKey creates a key for the tile_regions association bucket.
// Format: [encoded tile key][36-byte region id]
func makeTileRegionKey(tileKey []byte, regionID string) []byte {
	key := make([]byte, len(tileKey)+regionIDLen)
	copy(key, tileKey)
	copy(key[len(tileKey):], regionID)
	return key
}

// parseTileRegionKey splits a tile_regions key into its parts.
func parseTileRegionKey(data []byte) (tileKey []byte, regionID string, ok bool) {
	if len(data) <= regionIDLen {
		return nil, "", false
	}
	split := len(data) - regionIDLen
	return data[:split], string(data[split:]), true
}

// Tile record values are framed as a fixed binary header followed by the
// raw image bytes.
// Format: [8-byte ctime][8-byte atime][data]
const recordHeaderLen = 16

// encodeRecord frames tile bytes with creation and access timestamps.
func encodeRecord(ctime, atime time.Time, data []byte) []byte {
	buf := make([]byte, recordHeaderLen+len(data))
	copy(buf[:8], encodeTimestamp(ctime))
	copy(buf[8:16], encodeTimestamp(atime))
	copy(buf[recordHeaderLen:], data)
	return buf
}

// decodeRecord splits a framed record value. The returned data slice
// aliases the input and must be copied before the transaction ends.
func decodeRecord(val []byte) (ctime, atime time.Time, data []byte, ok bool) {
	if len(val) < recordHeaderLen {
		return time.Time{}, time.Time{}, nil, false
	}
	return decodeTimestamp(val[:8]), decodeTimestamp(val[8:16]), val[recordHeaderLen:], true
}
