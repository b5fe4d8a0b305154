package application

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/jobrunner/demtiler/internal/domain"
)

const (
	artifactFileMode = 0o644
	artifactDirMode  = 0o755
)

// writeAtomic streams fn's output to a temporary file next to path and
// renames it into place, so readers see either the old file or the new one.
func writeAtomic(path string, fn func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), artifactDirMode); err != nil {
		return &domain.PersistenceError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(artifactFileMode))
	if err != nil {
		return &domain.PersistenceError{Op: "create", Path: path, Err: err}
	}
	defer func() { _ = pf.Cleanup() }()

	bw := bufio.NewWriter(pf)
	if err := fn(bw); err != nil {
		return &domain.PersistenceError{Op: "write", Path: path, Err: err}
	}
	if err := bw.Flush(); err != nil {
		return &domain.PersistenceError{Op: "write", Path: path, Err: err}
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return &domain.PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// writeFileAtomic writes data to path with writeAtomic semantics.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), artifactDirMode); err != nil {
		return &domain.PersistenceError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	if err := renameio.WriteFile(path, data, artifactFileMode); err != nil {
		return &domain.PersistenceError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// writeJSONAtomic writes v as indented JSON.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &domain.PersistenceError{Op: "encode", Path: path, Err: err}
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// ArtifactPaths names every file a pipeline run can produce. All paths are
// absolute; Rel converts them for results and listings.
type ArtifactPaths struct {
	Root      string // Output root
	Dir       string // Data type directory, e.g. <root>/rgb
	Base      string // <demType>_<bbox>
	Raster    string
	WorldFile string
	Info      string
}

// NewArtifactPaths lays out artifacts for req under root.
func NewArtifactPaths(root string, req domain.JobRequest) ArtifactPaths {
	dir := filepath.Join(root, string(req.DataType))
	base := req.ArtifactBase()
	p := ArtifactPaths{
		Root:   root,
		Dir:    dir,
		Base:   base,
		Raster: filepath.Join(dir, base+req.DataType.Extension()),
		Info:   filepath.Join(dir, base+"_info.json"),
	}
	if req.DataType == domain.DataTypeRGB {
		p.WorldFile = filepath.Join(dir, base+".pgw")
	}
	return p
}

// TileDir returns the tile folder for a preset.
func (p ArtifactPaths) TileDir(preset string) string {
	return filepath.Join(p.Dir, TileSetName(p.Base, preset))
}

// TileMetadata returns the tile-set JSON path for a preset.
func (p ArtifactPaths) TileMetadata(preset string) string {
	return filepath.Join(p.Dir, TileSetName(p.Base, preset)+".json")
}

// Rel returns path relative to the output root, using forward slashes.
func (p ArtifactPaths) Rel(path string) string {
	if path == "" {
		return ""
	}
	rel, err := filepath.Rel(p.Root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// TileSetName returns "<base>_tiles_<preset>".
func TileSetName(base, preset string) string {
	return base + "_tiles_" + preset
}
