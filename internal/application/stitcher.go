package application

import (
	"fmt"
	"image"
	"image/draw"
	"log/slog"

	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

// StitchStats counts how the fetched cells were used.
type StitchStats struct {
	Placed   int // Cells copied into the raster
	Missing  int // Cells that failed to fetch
	Rejected int // Cells fetched but undecodable or of the wrong size
}

// Filled returns the number of cells filled with no-data.
func (s StitchStats) Filled() int {
	return s.Missing + s.Rejected
}

// Stitcher composes fetched cells into one raster. Output depends only on
// the input tiles, so stitching the same tiles twice is byte-identical.
type Stitcher struct {
	codec  output.RasterCodec
	logger *slog.Logger
}

// NewStitcher creates a new stitcher.
func NewStitcher(codec output.RasterCodec, logger *slog.Logger) *Stitcher {
	return &Stitcher{codec: codec, logger: logger}
}

// Stitch allocates a raster for grid and copies each successful tile into
// its cell rectangle. Rectangles without a usable tile keep noData for
// elevation rasters and transparent pixels for RGBA rasters.
func (s *Stitcher) Stitch(
	tiles []domain.FetchedTile,
	grid domain.Grid,
	kind domain.RasterKind,
	noData float32,
) (*domain.Raster, StitchStats, error) {
	if grid.Width <= 0 || grid.Height <= 0 {
		return nil, StitchStats{}, &domain.ConfigError{
			Field:   "dimensions",
			Message: "raster width and height must be positive",
		}
	}

	r := &domain.Raster{
		Kind:      kind,
		Width:     grid.Width,
		Height:    grid.Height,
		Transform: grid.Transform,
		BBox:      grid.BBox,
		NoData:    noData,
	}
	switch kind {
	case domain.KindElevation:
		r.Elevation = make([]float32, grid.Width*grid.Height)
		for i := range r.Elevation {
			r.Elevation[i] = noData
		}
	case domain.KindRGBA:
		r.Image = image.NewRGBA(image.Rect(0, 0, grid.Width, grid.Height))
	default:
		return nil, StitchStats{}, fmt.Errorf("unknown raster kind %q", kind)
	}

	var stats StitchStats
	for _, t := range tiles {
		if !t.OK() {
			stats.Missing++
			continue
		}
		if err := s.place(r, t); err != nil {
			stats.Rejected++
			s.logger.Warn("cell rejected, filling with no-data",
				"cell", t.Cell.Label(),
				"error", err,
			)
			continue
		}
		stats.Placed++
	}
	return r, stats, nil
}

func (s *Stitcher) place(r *domain.Raster, t domain.FetchedTile) error {
	rect := t.Cell.Rect
	if rect.X < 0 || rect.Y < 0 || rect.X+rect.Width > r.Width || rect.Y+rect.Height > r.Height {
		return fmt.Errorf("cell rectangle %+v outside %dx%d raster", rect, r.Width, r.Height)
	}

	if r.Kind == domain.KindElevation {
		w, h, samples, err := s.codec.DecodeElevation(t.Data)
		if err != nil {
			return err
		}
		if w != rect.Width || h != rect.Height {
			return fmt.Errorf("decoded %dx%d, want %dx%d", w, h, rect.Width, rect.Height)
		}
		for y := 0; y < h; y++ {
			dst := (rect.Y+y)*r.Width + rect.X
			copy(r.Elevation[dst:dst+w], samples[y*w:(y+1)*w])
		}
		return nil
	}

	img, err := s.codec.DecodeImage(t.Data)
	if err != nil {
		return err
	}
	b := img.Bounds()
	if b.Dx() != rect.Width || b.Dy() != rect.Height {
		return fmt.Errorf("decoded %dx%d, want %dx%d", b.Dx(), b.Dy(), rect.Width, rect.Height)
	}
	dst := image.Rect(rect.X, rect.Y, rect.X+rect.Width, rect.Y+rect.Height)
	draw.Draw(r.Image, dst, img, b.Min, draw.Src)
	return nil
}
