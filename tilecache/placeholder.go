package tilecache

import (
	"context"
	"errors"
	"image"

	charon "github.com/catacombing/charon"
	"github.com/catacombing/charon/store/tiledb"
)

// maxPlaceholderLevels bounds the ancestor walk. Past this the ancestor is
// blurred beyond usefulness and an empty tile looks better.
const maxPlaceholderLevels = 5

// Placeholder is a stand-in for a tile that is not yet available: the
// nearest cached ancestor plus the crop and scale that map the requested
// tile's footprint onto it.
type Placeholder struct {
	// Ancestor identifies the cached tile the placeholder is cut from.
	Ancestor charon.TileKey

	// Image is the decoded ancestor tile.
	Image image.Image

	// Crop is the rectangle in the ancestor's pixel space covering the
	// requested tile's geographic footprint.
	Crop image.Rectangle

	// Scale is the factor stretching the crop back to full tile size.
	Scale int
}

// placeholderFor walks up the tile pyramid looking for a cached ancestor of
// key, checking the memory cache first and falling back to the tile store.
// It reads without touching access times and never mutates cache state.
// Returns nil if no ancestor within maxPlaceholderLevels is cached.
func (c *TileCache) placeholderFor(ctx context.Context, key charon.TileKey) *Placeholder {
	ancestor := key
	for level := 1; level <= maxPlaceholderLevels; level++ {
		parent, ok := ancestor.Parent()
		if !ok {
			return nil
		}
		ancestor = parent

		if img, ok := c.mem.Peek(ancestor); ok {
			return makePlaceholder(key, ancestor, img)
		}

		data, err := c.store.Peek(ctx, ancestor)
		if errors.Is(err, tiledb.ErrNotFound) {
			continue
		}
		if err != nil {
			c.logger.Debug("placeholder lookup failed", "tile", ancestor, "error", err)
			continue
		}
		img, err := decodeTile(data)
		if err != nil {
			c.logger.Debug("placeholder decode failed", "tile", ancestor, "error", err)
			continue
		}
		return makePlaceholder(key, ancestor, img)
	}
	return nil
}

// makePlaceholder computes the crop rectangle and scale mapping key's
// footprint onto its ancestor. An ancestor n levels up covers a 2^n by 2^n
// block of descendants, so the crop is a 1/2^n slice of the ancestor in
// each axis, offset by the key's position within the block.
func makePlaceholder(key, ancestor charon.TileKey, img image.Image) *Placeholder {
	levels := key.Z - ancestor.Z
	frac := uint32(1) << levels

	offsetX := key.X & (frac - 1)
	offsetY := key.Y & (frac - 1)

	side := charon.TileSize / int(frac)
	x0 := int(offsetX) * side
	y0 := int(offsetY) * side

	return &Placeholder{
		Ancestor: ancestor,
		Image:    img,
		Crop:     image.Rect(x0, y0, x0+side, y0+side),
		Scale:    int(frac),
	}
}
