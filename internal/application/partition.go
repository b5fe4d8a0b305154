package application

import (
	"math"

	"github.com/jobrunner/demtiler/internal/domain"
)

// PixelGrid splits a width x height raster into row-major rectangles of at
// most tileDim pixels per side, starting at the top-left. The last column
// and row are narrower where the extent is not a multiple of tileDim.
func PixelGrid(width, height, tileDim int) ([]domain.PixelRect, int, int, error) {
	if width <= 0 || height <= 0 {
		return nil, 0, 0, &domain.ConfigError{
			Field:   "dimensions",
			Message: "raster width and height must be positive",
		}
	}
	if tileDim <= 0 {
		return nil, 0, 0, &domain.ConfigError{
			Field:   "maxTileDim",
			Message: "maximum tile dimension must be positive",
		}
	}

	cols := (width + tileDim - 1) / tileDim
	rows := (height + tileDim - 1) / tileDim
	rects := make([]domain.PixelRect, 0, cols*rows)
	for r := 0; r < rows; r++ {
		y := r * tileDim
		h := min(tileDim, height-y)
		for c := 0; c < cols; c++ {
			x := c * tileDim
			rects = append(rects, domain.PixelRect{X: x, Y: y, Width: min(tileDim, width-x), Height: h})
		}
	}
	return rects, cols, rows, nil
}

// Partition computes the fetch cells for a width x height raster over b.
// Cells are ordered row-major from the north-west corner. Edges that touch
// the raster boundary are snapped to b so the union of cell bounds equals b.
func Partition(b domain.BoundingBox, width, height, maxTileDim int) ([]domain.RasterCell, error) {
	rects, cols, _, err := PixelGrid(width, height, maxTileDim)
	if err != nil {
		return nil, err
	}
	t, err := domain.NorthUpTransform(b, width, height)
	if err != nil {
		return nil, err
	}

	cells := make([]domain.RasterCell, len(rects))
	for i, r := range rects {
		cb := t.Bounds(r)
		if r.X == 0 {
			cb.MinLon = b.MinLon
		}
		if r.Y == 0 {
			cb.MaxLat = b.MaxLat
		}
		if r.X+r.Width == width {
			cb.MaxLon = b.MaxLon
		}
		if r.Y+r.Height == height {
			cb.MinLat = b.MinLat
		}
		cells[i] = domain.RasterCell{
			Col:  i % cols,
			Row:  i / cols,
			Rect: r,
			BBox: cb,
		}
	}
	return cells, nil
}

// ScaleToFit shrinks width and height by a common factor so neither side
// exceeds maxDim. Dimensions already within the limit are returned as is.
func ScaleToFit(width, height, maxDim int) (int, int) {
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return width, height
	}
	scale := float64(maxDim) / float64(max(width, height))
	w := int(math.Floor(float64(width) * scale))
	h := int(math.Floor(float64(height) * scale))
	return min(max(w, 1), maxDim), min(max(h, 1), maxDim)
}
