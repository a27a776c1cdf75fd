// Package charon provides the tile caching and offline-region subsystem of
// the map client: identity types for raster map tiles plus the tile pyramid
// math shared by the stores, the fetcher and the region downloader.
package charon

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TileSize is the width and height in pixels of a single raster tile.
const TileSize = 256

// MaxZoom is the maximum tile zoom level.
const MaxZoom = 19

// TileKey uniquely identifies one raster map tile on one tileserver.
type TileKey struct {
	Tileserver string
	X          uint32
	Y          uint32
	Z          uint8
}

// NewTileKey creates a tile key for the given tileserver and coordinates.
func NewTileKey(tileserver string, x, y uint32, z uint8) TileKey {
	return TileKey{Tileserver: tileserver, X: x, Y: y, Z: z}
}

// String returns the key in "server z/x/y" form for logs.
func (k TileKey) String() string {
	return fmt.Sprintf("%s %d/%d/%d", k.Tileserver, k.Z, k.X, k.Y)
}

// Compare orders keys by (tileserver, z, x, y) for index locality.
// Returns -1, 0 or 1.
func (k TileKey) Compare(other TileKey) int {
	if c := strings.Compare(k.Tileserver, other.Tileserver); c != 0 {
		return c
	}
	if k.Z != other.Z {
		if k.Z < other.Z {
			return -1
		}
		return 1
	}
	if k.X != other.X {
		if k.X < other.X {
			return -1
		}
		return 1
	}
	if k.Y != other.Y {
		if k.Y < other.Y {
			return -1
		}
		return 1
	}
	return 0
}

// Valid reports whether the coordinates are inside the tile pyramid.
func (k TileKey) Valid() bool {
	if k.Z > MaxZoom {
		return false
	}
	count := uint32(1) << k.Z
	return k.X < count && k.Y < count
}

// Parent returns the key of the tile one zoom level up which covers this
// tile. Returns false at zoom zero.
func (k TileKey) Parent() (TileKey, bool) {
	if k.Z == 0 {
		return TileKey{}, false
	}
	return TileKey{
		Tileserver: k.Tileserver,
		X:          k.X / 2,
		Y:          k.Y / 2,
		Z:          k.Z - 1,
	}, true
}

// URL substitutes the key's coordinates into a tileserver URL template
// using the {x}, {y} and {z} placeholders.
func (k TileKey) URL(template string) string {
	r := strings.NewReplacer(
		"{x}", strconv.FormatUint(uint64(k.X), 10),
		"{y}", strconv.FormatUint(uint64(k.Y), 10),
		"{z}", strconv.FormatUint(uint64(k.Z), 10),
	)
	return r.Replace(template)
}

// TileRecord is a persisted tile as stored by the tile store.
//
// CTime is set once when the tile is first stored and drives staleness
// decisions; ATime is refreshed on every read and is the sole eviction
// ranking signal. ATime is never before CTime.
type TileRecord struct {
	Key   TileKey
	Data  []byte
	CTime time.Time
	ATime time.Time
}
