// Package domain contains the core business entities and value objects.
package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Metres per degree of latitude, and of longitude at the equator.
const metresPerDegree = 111320.0

// BoundingBox is a geographic extent in WGS84 degrees.
// Construct it with NewBoundingBox; the zero value is not valid.
type BoundingBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// NewBoundingBox validates and returns a bounding box.
func NewBoundingBox(minLon, minLat, maxLon, maxLat float64) (BoundingBox, error) {
	b := BoundingBox{MinLon: minLon, MinLat: minLat, MaxLon: maxLon, MaxLat: maxLat}
	if err := b.Validate(); err != nil {
		return BoundingBox{}, err
	}
	return b, nil
}

// BoundingBoxFromSlice builds a bounding box from [minLon, minLat, maxLon, maxLat].
func BoundingBoxFromSlice(v []float64) (BoundingBox, error) {
	if len(v) != 4 {
		return BoundingBox{}, &ValidationError{
			Field:      "bbox",
			Value:      v,
			Constraint: "[minLon, minLat, maxLon, maxLat]",
			Message:    "bounding box must have exactly four values",
		}
	}
	return NewBoundingBox(v[0], v[1], v[2], v[3])
}

// Validate checks coordinate ranges and axis ordering.
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{
				Field:      "bbox",
				Value:      b.Slice(),
				Constraint: "finite",
				Message:    "coordinates must be finite numbers",
			}
		}
	}
	if b.MinLon < -180 || b.MaxLon > 180 {
		return &ValidationError{
			Field:      "bbox.longitude",
			Value:      []float64{b.MinLon, b.MaxLon},
			Constraint: "[-180, 180]",
			Message:    "longitude must be between -180 and 180",
		}
	}
	if b.MinLat < -90 || b.MaxLat > 90 {
		return &ValidationError{
			Field:      "bbox.latitude",
			Value:      []float64{b.MinLat, b.MaxLat},
			Constraint: "[-90, 90]",
			Message:    "latitude must be between -90 and 90",
		}
	}
	if b.MinLon >= b.MaxLon {
		return &ValidationError{
			Field:      "bbox.longitude",
			Value:      []float64{b.MinLon, b.MaxLon},
			Constraint: "min < max",
			Message:    "minimum longitude must be less than maximum longitude",
		}
	}
	if b.MinLat >= b.MaxLat {
		return &ValidationError{
			Field:      "bbox.latitude",
			Value:      []float64{b.MinLat, b.MaxLat},
			Constraint: "min < max",
			Message:    "minimum latitude must be less than maximum latitude",
		}
	}
	return nil
}

// Width returns the longitude span in degrees.
func (b BoundingBox) Width() float64 {
	return b.MaxLon - b.MinLon
}

// Height returns the latitude span in degrees.
func (b BoundingBox) Height() float64 {
	return b.MaxLat - b.MinLat
}

// Slice returns [minLon, minLat, maxLon, maxLat].
func (b BoundingBox) Slice() []float64 {
	return []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

// Contains reports whether other lies within b, allowing tol degrees of slack.
func (b BoundingBox) Contains(other BoundingBox, tol float64) bool {
	return other.MinLon >= b.MinLon-tol &&
		other.MinLat >= b.MinLat-tol &&
		other.MaxLon <= b.MaxLon+tol &&
		other.MaxLat <= b.MaxLat+tol
}

// ApproxEqual reports whether every edge differs by at most tol degrees.
func (b BoundingBox) ApproxEqual(other BoundingBox, tol float64) bool {
	return math.Abs(b.MinLon-other.MinLon) <= tol &&
		math.Abs(b.MinLat-other.MinLat) <= tol &&
		math.Abs(b.MaxLon-other.MaxLon) <= tol &&
		math.Abs(b.MaxLat-other.MaxLat) <= tol
}

// SizeMetres approximates the extent in metres, measuring longitude at the
// southern edge.
func (b BoundingBox) SizeMetres() (width, height float64) {
	width = b.Width() * metresPerDegree * math.Cos(b.MinLat*math.Pi/180)
	height = b.Height() * metresPerDegree
	return width, height
}

// PixelSize returns the raster dimensions needed to cover b at resolutionM
// metres per pixel. Each side is at least one pixel.
func (b BoundingBox) PixelSize(resolutionM float64) (width, height int) {
	wm, hm := b.SizeMetres()
	width = int(wm / resolutionM)
	height = int(hm / resolutionM)
	return max(width, 1), max(height, 1)
}

// ResolutionAt returns the metres per pixel of a width x height raster
// covering b, taking the coarser axis.
func (b BoundingBox) ResolutionAt(width, height int) float64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	wm, hm := b.SizeMetres()
	return max(wm/float64(width), hm/float64(height))
}

// Token renders the box for file names: 152.9 becomes "152p9".
func (b BoundingBox) Token() string {
	parts := make([]string, 0, 4)
	for _, v := range b.Slice() {
		s := strconv.FormatFloat(v, 'f', -1, 64)
		parts = append(parts, strings.ReplaceAll(s, ".", "p"))
	}
	return strings.Join(parts, "_")
}

// String returns a human-readable representation.
func (b BoundingBox) String() string {
	return fmt.Sprintf("[%f, %f, %f, %f]", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

// ParseBBoxToken reverses Token. It returns false if s is not a token.
func ParseBBoxToken(s string) (BoundingBox, bool) {
	parts := strings.Split(s, "_")
	if len(parts) != 4 {
		return BoundingBox{}, false
	}
	v := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.ReplaceAll(p, "p", "."), 64)
		if err != nil {
			return BoundingBox{}, false
		}
		v[i] = f
	}
	b, err := BoundingBoxFromSlice(v)
	if err != nil {
		return BoundingBox{}, false
	}
	return b, true
}
