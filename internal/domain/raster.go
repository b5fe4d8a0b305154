package domain

import (
	"fmt"
	"image"
)

// NoDataElevation is the sentinel written for missing elevation samples.
const NoDataElevation float32 = -9999

// RasterCell is one rectangular sub-region of a request.
type RasterCell struct {
	Col  int         // Grid column, 0 at the west edge
	Row  int         // Grid row, 0 at the north edge
	Rect PixelRect   // Pixel rectangle within the parent raster
	BBox BoundingBox // Geographic bounds of Rect
}

// Label returns "col,row" for logs and errors.
func (c RasterCell) Label() string {
	return fmt.Sprintf("%d,%d", c.Col, c.Row)
}

// FetchedTile holds the response body for one cell, or the reason it failed.
type FetchedTile struct {
	Cell     RasterCell
	Data     []byte
	Attempts int
	Err      error
}

// OK reports whether the cell was fetched successfully.
func (t FetchedTile) OK() bool {
	return t.Err == nil && len(t.Data) > 0
}

// RasterKind distinguishes elevation rasters from visualization imagery.
type RasterKind string

// Raster kinds.
const (
	KindElevation RasterKind = "elevation"
	KindRGBA      RasterKind = "rgba"
)

// Grid is the pixel extent of a raster and its georeference.
type Grid struct {
	BBox      BoundingBox
	Width     int
	Height    int
	Transform AffineTransform
}

// NewGrid builds a north-up grid of width x height pixels over b.
func NewGrid(b BoundingBox, width, height int) (Grid, error) {
	t, err := NorthUpTransform(b, width, height)
	if err != nil {
		return Grid{}, err
	}
	return Grid{BBox: b, Width: width, Height: height, Transform: t}, nil
}

// Raster is an in-memory pixel buffer with its georeference. Elevation
// rasters use Elevation (row-major, one float32 per pixel); RGBA rasters
// use Image.
type Raster struct {
	Kind      RasterKind
	Width     int
	Height    int
	Transform AffineTransform
	BBox      BoundingBox
	CRS       string // e.g. EPSG:4326
	NoData    float32
	Elevation []float32
	Image     *image.RGBA
}

// Channels returns the number of samples per pixel.
func (r *Raster) Channels() int {
	if r.Kind == KindRGBA {
		return 4
	}
	return 1
}

// At returns the elevation sample at (x, y).
func (r *Raster) At(x, y int) float32 {
	return r.Elevation[y*r.Width+x]
}

// WebPTileRecord is one entry of a tile-set metadata file. Bounds is
// [[south, west], [north, east]].
type WebPTileRecord struct {
	Tile   string        `json:"tile"`
	Bounds [2][2]float64 `json:"bounds"`
}

// NewWebPTileRecord builds a record for path covering b.
func NewWebPTileRecord(path string, b BoundingBox) WebPTileRecord {
	return WebPTileRecord{
		Tile:   path,
		Bounds: [2][2]float64{{b.MinLat, b.MinLon}, {b.MaxLat, b.MaxLon}},
	}
}

// BBox returns the record bounds as a bounding box.
func (r WebPTileRecord) BBox() BoundingBox {
	return BoundingBox{
		MinLon: r.Bounds[0][1], MinLat: r.Bounds[0][0],
		MaxLon: r.Bounds[1][1], MaxLat: r.Bounds[1][0],
	}
}
