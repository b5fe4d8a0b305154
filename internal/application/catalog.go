package application

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	_ "image/png" // PNG dimensions for products without an info sidecar
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jobrunner/demtiler/internal/domain"
)

// Catalog indexes the finished products in the output directory.
type Catalog struct {
	mu       sync.RWMutex
	root     string
	products map[string]domain.Product
	logger   *slog.Logger
}

// NewCatalog creates a new catalog over root. Call Refresh to populate it.
func NewCatalog(root string, logger *slog.Logger) *Catalog {
	return &Catalog{
		root:     root,
		products: make(map[string]domain.Product),
		logger:   logger,
	}
}

// Root returns the output directory.
func (c *Catalog) Root() string {
	return c.root
}

// Refresh rescans the output directory.
func (c *Catalog) Refresh(_ context.Context) error {
	found := make(map[string]domain.Product)
	for _, dt := range []domain.DataType{domain.DataTypeRaw, domain.DataTypeRGB} {
		dir := filepath.Join(c.root, string(dt))
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), dt.Extension()) {
				continue
			}
			p, err := c.describe(dir, e, dt)
			if err != nil {
				c.logger.Warn("failed to read product", "name", e.Name(), "error", err)
				continue
			}
			found[p.Name] = p
		}
	}

	c.mu.Lock()
	c.products = found
	c.mu.Unlock()

	c.logger.Debug("catalog refreshed", "products", len(found))
	return nil
}

// List returns all products, newest first.
func (c *Catalog) List(_ context.Context) []domain.Product {
	c.mu.RLock()
	out := make([]domain.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ModifiedAt.Equal(out[j].ModifiedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].ModifiedAt.After(out[j].ModifiedAt)
	})
	return out
}

// Count returns the number of products.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.products)
}

// Get returns a product by file name.
func (c *Catalog) Get(_ context.Context, name string) (domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[name]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

// Delete removes a product with its world file, info file, tile folders and
// tile metadata.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return &domain.ValidationError{
			Field:      "name",
			Value:      name,
			Constraint: "file name",
			Message:    "product name must be a plain file name",
		}
	}
	p, err := c.Get(ctx, name)
	if err != nil {
		return err
	}

	dir := filepath.Join(c.root, string(p.DataType))
	stem := p.Stem()
	targets := []string{
		filepath.Join(dir, p.Name),
		filepath.Join(dir, stem+".pgw"),
		filepath.Join(dir, stem+"_info.json"),
	}
	tileSets, _ := filepath.Glob(filepath.Join(dir, globEscape(stem)+"_tiles_*"))
	targets = append(targets, tileSets...)

	var errs []error
	for _, t := range targets {
		if err := os.RemoveAll(t); err != nil {
			errs = append(errs, &domain.PersistenceError{Op: "delete", Path: t, Err: err})
		}
	}

	c.mu.Lock()
	delete(c.products, name)
	c.mu.Unlock()

	c.logger.Info("product deleted", "name", name, "files", len(targets))
	return errors.Join(errs...)
}

// IsProductFile reports whether a change to path can affect the catalog.
func IsProductFile(path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range []string{".tif", ".png", ".pgw", "_info.json"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func (c *Catalog) describe(dir string, e fs.DirEntry, dt domain.DataType) (domain.Product, error) {
	fi, err := e.Info()
	if err != nil {
		return domain.Product{}, err
	}
	p := domain.Product{
		Name:       e.Name(),
		Path:       filepath.ToSlash(filepath.Join(string(dt), e.Name())),
		DataType:   dt,
		Size:       fi.Size(),
		ModifiedAt: fi.ModTime().UTC(),
	}
	stem := p.Stem()
	if demType, bbox, ok := splitArtifactBase(stem); ok {
		p.DEMType = demType
		p.BBox = &bbox
	}

	if info, err := readInfo(filepath.Join(dir, stem+"_info.json")); err == nil {
		if b, err := domain.BoundingBoxFromSlice(info.BBox); err == nil {
			p.BBox = &b
		}
		if info.DEMType != "" {
			p.DEMType = info.DEMType
		}
		p.Dimensions = domain.Dimensions{Width: info.Width, Height: info.Height}
	} else if dt == domain.DataTypeRGB {
		c.describePNG(dir, stem, &p)
	}

	metas, _ := filepath.Glob(filepath.Join(dir, globEscape(stem)+"_tiles_*.json"))
	for _, m := range metas {
		preset := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), stem+"_tiles_"), ".json")
		p.TileSets = append(p.TileSets, preset)
	}
	sort.Strings(p.TileSets)
	return p, nil
}

// describePNG derives dimensions and bounds from the image header and world
// file.
func (c *Catalog) describePNG(dir, stem string, p *domain.Product) {
	f, err := os.Open(filepath.Join(dir, p.Name))
	if err != nil {
		return
	}
	cfg, _, err := image.DecodeConfig(f)
	_ = f.Close()
	if err != nil {
		return
	}
	p.Dimensions = domain.Dimensions{Width: cfg.Width, Height: cfg.Height}

	data, err := os.ReadFile(filepath.Join(dir, stem+".pgw"))
	if err != nil {
		return
	}
	t, err := ParseWorldFile(data)
	if err != nil {
		c.logger.Debug("invalid world file", "name", p.Name, "error", err)
		return
	}
	b := t.Bounds(domain.PixelRect{Width: cfg.Width, Height: cfg.Height})
	p.BBox = &b
}

func readInfo(path string) (domain.RasterInfo, error) {
	var info domain.RasterInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

// splitArtifactBase splits "<demType>_<bbox token>". The DEM type may itself
// contain underscores; the token is always the last four fields.
func splitArtifactBase(stem string) (string, domain.BoundingBox, bool) {
	parts := strings.Split(stem, "_")
	if len(parts) < 5 {
		return "", domain.BoundingBox{}, false
	}
	n := len(parts) - 4
	b, ok := domain.ParseBBoxToken(strings.Join(parts[n:], "_"))
	if !ok {
		return "", domain.BoundingBox{}, false
	}
	return strings.Join(parts[:n], "_"), b, true
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(s)
}
