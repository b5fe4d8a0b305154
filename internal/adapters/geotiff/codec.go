package geotiff

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // Map servers may answer with JPEG
	"image/png"
	"io"
	"math"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff" // Map servers may answer with TIFF
	_ "golang.org/x/image/webp" // or WebP

	"github.com/jobrunner/demtiler/internal/domain"
)

// Codec implements output.RasterCodec: GeoTIFF for elevation, PNG for
// imagery.
type Codec struct {
	compression int
	pngLevel    png.CompressionLevel
}

// CodecConfig holds codec settings.
type CodecConfig struct {
	Compression string // none, lzw or deflate
	FastPNG     bool   // Favour speed over size for PNG output
}

// NewCodec creates a new codec.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	c := &Codec{compression: CompressionDeflate, pngLevel: png.DefaultCompression}
	switch strings.ToLower(cfg.Compression) {
	case "", "deflate":
	case "lzw":
		c.compression = CompressionLZW
	case "none":
		c.compression = CompressionNone
	default:
		return nil, fmt.Errorf("unknown geotiff compression: %s", cfg.Compression)
	}
	if cfg.FastPNG {
		c.pngLevel = png.BestSpeed
	}
	return c, nil
}

// DecodeElevation reads a single-band coverage. Source no-data values and
// NaN are mapped to domain.NoDataElevation.
func (c *Codec) DecodeElevation(data []byte) (int, int, []float32, error) {
	r, err := Decode(data)
	if err != nil {
		return 0, 0, nil, err
	}
	for i, v := range r.Samples {
		if math.IsNaN(float64(v)) || (r.NoData != nil && float64(v) == *r.NoData) {
			r.Samples[i] = domain.NoDataElevation
		}
	}
	return r.Width, r.Height, r.Samples, nil
}

// DecodeImage decodes a PNG, JPEG, TIFF or WebP map image.
func (c *Codec) DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// EncodeElevation writes r as a float32 GeoTIFF with GDAL_NODATA set.
func (c *Codec) EncodeElevation(w io.Writer, r *domain.Raster) error {
	if r.Kind != domain.KindElevation {
		return fmt.Errorf("cannot write %s raster as GeoTIFF", r.Kind)
	}
	t := r.Transform
	if t.RotationX != 0 || t.RotationY != 0 {
		return errors.New("rotated transforms cannot be expressed as a pixel scale")
	}
	noData := float64(r.NoData)
	return Encode(w, &Raster{
		Width:      r.Width,
		Height:     r.Height,
		Samples:    r.Elevation,
		PixelScale: [3]float64{t.PixelSizeX, -t.PixelSizeY, 0},
		Tiepoint:   [6]float64{0, 0, 0, t.OriginX, t.OriginY, 0},
		EPSG:       ParseEPSG(r.CRS),
		NoData:     &noData,
	}, &EncodeOptions{Compression: c.compression})
}

// EncodeImage writes an RGBA raster as PNG.
func (c *Codec) EncodeImage(w io.Writer, r *domain.Raster) error {
	if r.Image == nil {
		return fmt.Errorf("cannot write %s raster as PNG", r.Kind)
	}
	enc := png.Encoder{CompressionLevel: c.pngLevel}
	return enc.Encode(w, r.Image)
}

// ParseEPSG returns the code of "EPSG:4326", or 0.
func ParseEPSG(crs string) int {
	s, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(crs)), "EPSG:")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > math.MaxUint16 {
		return 0
	}
	return n
}

// Transform returns the affine transform of a decoded raster.
func Transform(r *Raster) (domain.AffineTransform, error) {
	x, y := r.Origin()
	return domain.NewAffineTransform(r.PixelScale[0], 0, 0, -r.PixelScale[1], x, y)
}
