package charon

import "math"

// GeoPoint is a point in geographic space.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// TileAt returns the index of the tile containing this point at the given
// zoom level, using the standard slippy-map projection.
func (p GeoPoint) TileAt(zoom uint8) (x, y uint32) {
	count := float64(uint64(1) << zoom)

	fx := count * (p.Lon + 180) / 360

	latRad := p.Lat * math.Pi / 180
	fy := count * (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2

	x = clampTileIndex(fx, zoom)
	y = clampTileIndex(fy, zoom)
	return x, y
}

// clampTileIndex keeps a projected coordinate inside the tile pyramid.
// Latitudes beyond the mercator cutoff project outside the [0, 2^z) range.
func clampTileIndex(f float64, zoom uint8) uint32 {
	max := (uint64(1) << zoom) - 1
	if f < 0 {
		return 0
	}
	i := uint64(math.Floor(f))
	if i > max {
		i = max
	}
	return uint32(i)
}

// BoundingBox is a geographic rectangle. Min holds the south-west corner,
// Max the north-east corner.
type BoundingBox struct {
	Min GeoPoint
	Max GeoPoint
}

// TileRange is the inclusive rectangle of tile indices covering a bounding
// box at one zoom level.
type TileRange struct {
	MinX, MaxX uint32
	MinY, MaxY uint32
	Zoom       uint8
}

// Count returns the number of tiles in the range.
func (r TileRange) Count() int {
	return int(r.MaxX-r.MinX+1) * int(r.MaxY-r.MinY+1)
}

// Keys enumerates every tile key in the range for a tileserver, ordered by
// (y, x) rows.
func (r TileRange) Keys(tileserver string) []TileKey {
	keys := make([]TileKey, 0, r.Count())
	for y := r.MinY; ; y++ {
		for x := r.MinX; ; x++ {
			keys = append(keys, NewTileKey(tileserver, x, y, r.Zoom))
			if x == r.MaxX {
				break
			}
		}
		if y == r.MaxY {
			break
		}
	}
	return keys
}

// CoveringTiles returns the tile range whose footprint intersects the
// bounding box at the given zoom level.
func (b BoundingBox) CoveringTiles(zoom uint8) TileRange {
	// North-west corner maps to the smallest tile indices.
	minX, minY := GeoPoint{Lat: b.Max.Lat, Lon: b.Min.Lon}.TileAt(zoom)
	maxX, maxY := GeoPoint{Lat: b.Min.Lat, Lon: b.Max.Lon}.TileAt(zoom)

	if maxX < minX {
		minX, maxX = maxX, minX
	}
	if maxY < minY {
		minY, maxY = maxY, minY
	}

	return TileRange{MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY, Zoom: zoom}
}
