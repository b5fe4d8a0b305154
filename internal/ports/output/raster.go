package output

import (
	"context"
	"image"
	"io"

	"github.com/jobrunner/demtiler/internal/domain"
)

// CellSource defines the secondary port for fetching one raster cell from a
// remote service. Implementations make a single attempt; retries are the
// caller's concern.
type CellSource interface {
	// Protocol names the request protocol, e.g. "wcs" or "wms".
	Protocol() string

	// FetchCell requests the pixels of cell and returns the validated body.
	FetchCell(ctx context.Context, dem domain.DEMType, cell domain.RasterCell) ([]byte, error)
}

// RasterCodec defines the secondary port for raster decoding and encoding.
type RasterCodec interface {
	// DecodeElevation decodes a single-band GeoTIFF into row-major samples.
	DecodeElevation(data []byte) (width, height int, samples []float32, err error)

	// DecodeImage decodes PNG or TIFF imagery.
	DecodeImage(data []byte) (image.Image, error)

	// EncodeElevation writes an elevation raster as a GeoTIFF.
	EncodeElevation(w io.Writer, r *domain.Raster) error

	// EncodeImage writes an RGBA raster as PNG.
	EncodeImage(w io.Writer, r *domain.Raster) error
}

// TileEncoder defines the secondary port for WebP tile encoding.
type TileEncoder interface {
	// Encode writes img as WebP using the preset.
	Encode(w io.Writer, img image.Image, preset domain.QualityPreset) error
}
