package application

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

// DefaultTileSize is the edge length of a WebP tile in pixels.
const DefaultTileSize = 2048

// TileSetResult is the outcome of one quality preset.
type TileSetResult struct {
	Preset   string
	Dir      string
	Metadata string
	Records  []domain.WebPTileRecord
	Err      error
}

// Tiler splits RGBA rasters into WebP tile sets.
type Tiler struct {
	encoder  output.TileEncoder
	tileSize int
	metrics  output.MetricsCollector
	logger   *slog.Logger
}

// NewTiler creates a new tiler.
func NewTiler(encoder output.TileEncoder, tileSize int, metrics output.MetricsCollector, logger *slog.Logger) *Tiler {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	return &Tiler{
		encoder:  encoder,
		tileSize: tileSize,
		metrics:  metrics,
		logger:   logger,
	}
}

// TileSize returns the configured tile edge length.
func (t *Tiler) TileSize() int {
	return t.tileSize
}

// Tile encodes r once per preset. Each preset is independent: a failure is
// reported in its result and the remaining presets still run. onPreset, if
// set, is called after every preset.
func (t *Tiler) Tile(
	ctx context.Context,
	r *domain.Raster,
	paths ArtifactPaths,
	presets []domain.QualityPreset,
	onPreset func(TileSetResult),
) ([]TileSetResult, error) {
	if r.Kind != domain.KindRGBA || r.Image == nil {
		return nil, fmt.Errorf("tiling requires an RGBA raster, got %s", r.Kind)
	}
	rects, _, _, err := PixelGrid(r.Width, r.Height, t.tileSize)
	if err != nil {
		return nil, err
	}

	results := make([]TileSetResult, 0, len(presets))
	for _, p := range presets {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := t.tilePreset(ctx, r, rects, paths, p)
		if res.Err != nil {
			t.logger.Warn("tile preset failed", "preset", p.Name, "error", res.Err)
		} else {
			t.metrics.AddTilesEncoded(p.Name, len(res.Records))
		}
		results = append(results, res)
		if onPreset != nil {
			onPreset(res)
		}
	}
	return results, nil
}

func (t *Tiler) tilePreset(
	ctx context.Context,
	r *domain.Raster,
	rects []domain.PixelRect,
	paths ArtifactPaths,
	preset domain.QualityPreset,
) TileSetResult {
	dir := paths.TileDir(preset.Name)
	res := TileSetResult{
		Preset:   preset.Name,
		Dir:      dir,
		Metadata: paths.TileMetadata(preset.Name),
	}
	fail := func(err error) TileSetResult {
		res.Records = nil
		res.Err = &domain.EncodingError{Preset: preset.Name, Err: err}
		return res
	}

	// Tiles are staged in a hidden sibling folder. The old metadata goes
	// first so no reader sees it over a missing or half-written folder,
	// and the new metadata is written only once the folder is in place.
	if err := os.MkdirAll(paths.Dir, artifactDirMode); err != nil {
		return fail(err)
	}
	folder := filepath.Base(dir)
	staging, err := os.MkdirTemp(paths.Dir, "."+folder+"-")
	if err != nil {
		return fail(err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	cols := (r.Width + t.tileSize - 1) / t.tileSize
	records := make([]domain.WebPTileRecord, 0, len(rects))
	for i, rect := range rects {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		name := fmt.Sprintf("tile_%d_%d.webp", i%cols, i/cols)
		img := cropNRGBA(r.Image, rect)
		err := writeAtomic(filepath.Join(staging, name), func(w io.Writer) error {
			return t.encoder.Encode(w, img, preset)
		})
		if err != nil {
			_ = t.removeTileSet(res)
			return fail(err)
		}

		sub := r.Transform.SubTransform(rect)
		bounds := sub.Bounds(domain.PixelRect{Width: rect.Width, Height: rect.Height})
		records = append(records, domain.NewWebPTileRecord(folder+"/"+name, bounds))
	}

	if err := t.removeTileSet(res); err != nil {
		return fail(err)
	}
	if err := os.Chmod(staging, artifactDirMode); err != nil {
		return fail(err)
	}
	if err := os.Rename(staging, dir); err != nil {
		return fail(err)
	}
	if err := writeJSONAtomic(res.Metadata, records); err != nil {
		_ = os.RemoveAll(dir)
		return fail(err)
	}
	res.Records = records
	return res
}

// removeTileSet deletes a preset's metadata, then its folder.
func (t *Tiler) removeTileSet(res TileSetResult) error {
	if err := os.Remove(res.Metadata); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.RemoveAll(res.Dir)
}

// cropNRGBA copies rect out of src into a zero-origin NRGBA image.
func cropNRGBA(src *image.RGBA, rect domain.PixelRect) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, rect.Width, rect.Height))
	draw.Draw(dst, dst.Bounds(), src, image.Pt(rect.X, rect.Y), draw.Src)
	return dst
}
