package domain

import "math"

// PixelRect is a rectangle in raster pixel space. X and Y address the
// top-left pixel; the rectangle spans [X, X+Width) by [Y, Y+Height).
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the rectangle has no area.
func (r PixelRect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Area returns the number of pixels covered.
func (r PixelRect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Width * r.Height
}

// Overlaps reports whether r and o share at least one pixel.
func (r PixelRect) Overlaps(o PixelRect) bool {
	return r.X < o.X+o.Width && o.X < r.X+r.Width &&
		r.Y < o.Y+o.Height && o.Y < r.Y+r.Height
}

// AffineTransform maps pixel space to geographic space:
//
//	lon = OriginX + col*PixelSizeX + row*RotationY
//	lat = OriginY + col*RotationX  + row*PixelSizeY
//
// The coefficients follow world file order (A, D, B, E, C, F). The origin
// is the outer corner of the top-left pixel; world files store the centre.
type AffineTransform struct {
	PixelSizeX float64 `json:"pixel_size_x"`
	RotationX  float64 `json:"rotation_x"`
	RotationY  float64 `json:"rotation_y"`
	PixelSizeY float64 `json:"pixel_size_y"`
	OriginX    float64 `json:"origin_x"`
	OriginY    float64 `json:"origin_y"`
}

// NewAffineTransform validates the coefficients and returns a transform.
func NewAffineTransform(pixelSizeX, rotationX, rotationY, pixelSizeY, originX, originY float64) (AffineTransform, error) {
	t := AffineTransform{
		PixelSizeX: pixelSizeX,
		RotationX:  rotationX,
		RotationY:  rotationY,
		PixelSizeY: pixelSizeY,
		OriginX:    originX,
		OriginY:    originY,
	}
	if err := t.Validate(); err != nil {
		return AffineTransform{}, err
	}
	return t, nil
}

// NorthUpTransform returns the transform of a width x height raster that
// exactly covers b with north at the top.
func NorthUpTransform(b BoundingBox, width, height int) (AffineTransform, error) {
	if width <= 0 || height <= 0 {
		return AffineTransform{}, &ConfigError{
			Field:   "dimensions",
			Message: "raster width and height must be positive",
		}
	}
	return NewAffineTransform(
		b.Width()/float64(width), 0, 0, -b.Height()/float64(height),
		b.MinLon, b.MaxLat,
	)
}

// Validate checks that the transform is invertible with non-zero pixel sizes.
func (t AffineTransform) Validate() error {
	if t.PixelSizeX == 0 || t.PixelSizeY == 0 {
		return &ValidationError{
			Field:      "transform",
			Value:      []float64{t.PixelSizeX, t.PixelSizeY},
			Constraint: "non-zero",
			Message:    "pixel sizes must be non-zero",
		}
	}
	if t.determinant() == 0 {
		return &ValidationError{
			Field:      "transform",
			Value:      t.Coefficients(),
			Constraint: "invertible",
			Message:    "transform is not invertible",
		}
	}
	return nil
}

func (t AffineTransform) determinant() float64 {
	return t.PixelSizeX*t.PixelSizeY - t.RotationY*t.RotationX
}

// PixelToGeo maps a pixel coordinate to (lon, lat).
func (t AffineTransform) PixelToGeo(col, row float64) (lon, lat float64) {
	lon = t.OriginX + col*t.PixelSizeX + row*t.RotationY
	lat = t.OriginY + col*t.RotationX + row*t.PixelSizeY
	return lon, lat
}

// GeoToPixel maps (lon, lat) back to a fractional pixel coordinate.
func (t AffineTransform) GeoToPixel(lon, lat float64) (col, row float64) {
	dx := lon - t.OriginX
	dy := lat - t.OriginY
	det := t.determinant()
	col = (dx*t.PixelSizeY - dy*t.RotationY) / det
	row = (dy*t.PixelSizeX - dx*t.RotationX) / det
	return col, row
}

// SubTransform returns the transform of the sub-raster cropped to r. Pixel
// size and rotation are unchanged; the origin moves to r's top-left corner.
func (t AffineTransform) SubTransform(r PixelRect) AffineTransform {
	sub := t
	sub.OriginX, sub.OriginY = t.PixelToGeo(float64(r.X), float64(r.Y))
	return sub
}

// Bounds returns the geographic envelope of the pixel rectangle r.
func (t AffineTransform) Bounds(r PixelRect) BoundingBox {
	x0, y0 := float64(r.X), float64(r.Y)
	x1, y1 := float64(r.X+r.Width), float64(r.Y+r.Height)

	b := BoundingBox{
		MinLon: math.Inf(1), MinLat: math.Inf(1),
		MaxLon: math.Inf(-1), MaxLat: math.Inf(-1),
	}
	for _, c := range [][2]float64{{x0, y0}, {x1, y0}, {x0, y1}, {x1, y1}} {
		lon, lat := t.PixelToGeo(c[0], c[1])
		b.MinLon = math.Min(b.MinLon, lon)
		b.MaxLon = math.Max(b.MaxLon, lon)
		b.MinLat = math.Min(b.MinLat, lat)
		b.MaxLat = math.Max(b.MaxLat, lat)
	}
	return b
}

// CenterOrigin returns the coordinate of the top-left pixel centre.
func (t AffineTransform) CenterOrigin() (lon, lat float64) {
	return t.PixelToGeo(0.5, 0.5)
}

// Coefficients returns the six values in world file order.
func (t AffineTransform) Coefficients() []float64 {
	return []float64{t.PixelSizeX, t.RotationX, t.RotationY, t.PixelSizeY, t.OriginX, t.OriginY}
}
