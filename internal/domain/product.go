package domain

import (
	"strings"
	"time"
)

// Product is a finished raster found in the output directory.
type Product struct {
	Name       string       `json:"name"`      // File name, e.g. national_1s_152p9_-27p5_153_-27p4.png
	Path       string       `json:"path"`      // Relative to the output dir
	DEMType    string       `json:"dem_type"`  // Empty if the name is not recognised
	DataType   DataType     `json:"data_type"` // raw or rgb
	BBox       *BoundingBox `json:"bbox,omitempty"`
	Dimensions Dimensions   `json:"dimensions"`
	Size       int64        `json:"size"`
	ModifiedAt time.Time    `json:"modified_at"`
	TileSets   []string     `json:"tile_sets,omitempty"` // Preset names with tile metadata
}

// Stem returns the name without extension.
func (p *Product) Stem() string {
	return strings.TrimSuffix(p.Name, p.DataType.Extension())
}

// RasterInfo is the content of a product's _info.json sidecar.
type RasterInfo struct {
	Name                 string          `json:"name,omitempty"`
	DEMType              string          `json:"dem_type"`
	DataType             DataType        `json:"data_type"`
	CRS                  string          `json:"crs"`
	BBox                 []float64       `json:"bbox"`
	Width                int             `json:"width"`
	Height               int             `json:"height"`
	ResolutionM          float64         `json:"resolution_m"`
	EffectiveResolutionM float64         `json:"effective_resolution_m"`
	PixelSize            [2]float64      `json:"pixel_size"`
	Elevation            *ElevationRange `json:"elevation,omitempty"`
	NoData               *float32        `json:"nodata,omitempty"`
	CellsTotal           int             `json:"cells_total"`
	CellsFailed          int             `json:"cells_failed"`
	TileSets             []string        `json:"tile_sets,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}
