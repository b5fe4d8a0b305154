package application

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

// Publisher copies finished artifacts to an ArtifactStore.
type Publisher struct {
	store   output.ArtifactStore
	prefix  string
	metrics output.MetricsCollector
	logger  *slog.Logger
}

// NewPublisher creates a new publisher. Keys are "<prefix>/<relative path>".
func NewPublisher(store output.ArtifactStore, prefix string, metrics output.MetricsCollector, logger *slog.Logger) *Publisher {
	return &Publisher{
		store:   store,
		prefix:  strings.Trim(prefix, "/"),
		metrics: metrics,
		logger:  logger,
	}
}

// Key returns the object key for a path relative to the output root.
func (p *Publisher) Key(rel string) string {
	rel = filepath.ToSlash(rel)
	if p.prefix == "" {
		return rel
	}
	return path.Join(p.prefix, rel)
}

// Publish uploads each file, given relative to root. It keeps going after a
// failure and returns the number uploaded with the joined errors.
func (p *Publisher) Publish(ctx context.Context, root string, files []string) (int, error) {
	var (
		uploaded int
		errs     []error
	)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		key := p.Key(rel)
		start := time.Now()
		err := p.store.Put(ctx, key, filepath.Join(root, filepath.FromSlash(rel)))
		p.metrics.ObserveStorageDuration("put", time.Since(start))
		p.metrics.IncStorageOperations("put", err == nil)
		if err != nil {
			p.logger.Warn("failed to publish artifact", "key", key, "error", err)
			errs = append(errs, &domain.StorageError{Operation: "put", Key: key, Err: err})
			continue
		}
		uploaded++
	}
	return uploaded, errors.Join(errs...)
}

// Unpublish removes objects for files given relative to the output root.
func (p *Publisher) Unpublish(ctx context.Context, files []string) error {
	var errs []error
	for _, rel := range files {
		key := p.Key(rel)
		err := p.store.Delete(ctx, key)
		p.metrics.IncStorageOperations("delete", err == nil)
		if err != nil {
			errs = append(errs, &domain.StorageError{Operation: "delete", Key: key, Err: err})
		}
	}
	return errors.Join(errs...)
}

// ResultFiles lists every file of a job result relative to the output root,
// including the tiles named in each tile-set.
func ResultFiles(files domain.Artifacts, tiles map[string][]domain.WebPTileRecord) []string {
	out := make([]string, 0, 4)
	for _, f := range []string{files.Raster, files.WorldFile, files.Info} {
		if f != "" {
			out = append(out, f)
		}
	}
	for _, ts := range files.TileSets {
		if ts.Error != "" {
			continue
		}
		base := path.Dir(ts.Metadata)
		for _, rec := range tiles[ts.Preset] {
			out = append(out, path.Join(base, rec.Tile))
		}
		out = append(out, ts.Metadata)
	}
	return out
}
