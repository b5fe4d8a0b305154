package application

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jobrunner/demtiler/internal/domain"
)

// Georef is the georeference output for a finished raster.
type Georef struct {
	WorldFile []byte
	Metadata  RasterMetadata
}

// RasterMetadata describes a raster's extent and, for elevation rasters,
// its observed value range.
type RasterMetadata struct {
	BBox       domain.BoundingBox
	Dimensions domain.Dimensions
	PixelSize  [2]float64 // Degrees per pixel, x then y
	Elevation  *domain.ElevationRange
	NoData     *float32
}

// Georeference computes the world file and metadata for r.
func Georeference(r *domain.Raster) Georef {
	md := RasterMetadata{
		BBox:       r.BBox,
		Dimensions: domain.Dimensions{Width: r.Width, Height: r.Height},
		PixelSize:  [2]float64{r.Transform.PixelSizeX, r.Transform.PixelSizeY},
	}
	if r.Kind == domain.KindElevation {
		nd := r.NoData
		md.NoData = &nd
		md.Elevation = ElevationStats(r.Elevation, r.NoData)
	}
	return Georef{WorldFile: WorldFile(r.Transform), Metadata: md}
}

// ElevationStats returns the min and max of samples that are not noData or
// NaN. It returns nil when every sample is missing.
func ElevationStats(samples []float32, noData float32) *domain.ElevationRange {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range samples {
		if v == noData || v != v {
			continue
		}
		f := float64(v)
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	if math.IsInf(lo, 1) {
		return nil
	}
	return &domain.ElevationRange{Min: lo, Max: hi}
}

// wgs84Compatible lists geographic CRSs whose axes coincide with WGS84 at
// DEM resolutions: WGS84 itself, GDA94 and GDA2020.
var wgs84Compatible = map[string]bool{
	"EPSG:4326": true,
	"EPSG:4283": true,
	"EPSG:7844": true,
}

// ToWGS84 labels r as EPSG:4326 when crs is a compatible geographic CRS.
// It reports whether the label changed and fails for other CRSs.
func ToWGS84(r *domain.Raster, crs string) (bool, error) {
	norm := strings.ToUpper(strings.TrimSpace(crs))
	if !wgs84Compatible[norm] {
		return false, &domain.ConfigError{
			Field:   "crs",
			Message: fmt.Sprintf("cannot convert %q to EPSG:4326", crs),
		}
	}
	r.CRS = wgs84
	return norm != wgs84, nil
}

// WorldFile renders t as a six line world file. Lines five and six hold the
// centre of the top-left pixel, not its corner.
func WorldFile(t domain.AffineTransform) []byte {
	cx, cy := t.CenterOrigin()
	var buf bytes.Buffer
	for _, v := range []float64{t.PixelSizeX, t.RotationX, t.RotationY, t.PixelSizeY, cx, cy} {
		buf.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ParseWorldFile reads a world file and returns the corner-origin transform.
func ParseWorldFile(data []byte) (domain.AffineTransform, error) {
	var v []float64
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		f, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return domain.AffineTransform{}, fmt.Errorf("world file line %d: %w", len(v)+1, err)
		}
		v = append(v, f)
	}
	if err := sc.Err(); err != nil {
		return domain.AffineTransform{}, err
	}
	if len(v) != 6 {
		return domain.AffineTransform{}, fmt.Errorf("world file has %d values, want 6", len(v))
	}

	t, err := domain.NewAffineTransform(v[0], v[1], v[2], v[3], 0, 0)
	if err != nil {
		return domain.AffineTransform{}, err
	}
	// Shift from the pixel centre back to the corner.
	dx, dy := t.PixelToGeo(0.5, 0.5)
	t.OriginX = v[4] - dx
	t.OriginY = v[5] - dy
	return t, nil
}
