// Package storage provides artifact store adapters.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

// LocalStorage implements ArtifactStore for a local directory, e.g. a
// mounted share.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local storage adapter.
func NewLocalStorage(basePath string) *LocalStorage {
	return &LocalStorage{basePath: basePath}
}

// Put copies the file at path to key.
func (s *LocalStorage) Put(ctx context.Context, key string, path string) error {
	dest, err := s.FullPath(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}

	src, err := os.Open(path) //#nosec G304 -- path is an artifact we wrote
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	pf, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer func() { _ = pf.Cleanup() }()

	if _, err := io.Copy(pf, src); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}

// List returns all files under prefix.
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]output.StorageObject, error) {
	var objects []output.StorageObject

	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(relPath)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, output.StorageObject{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return objects, nil
}

// Exists checks if a file exists.
func (s *LocalStorage) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.FullPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Delete removes a file.
func (s *LocalStorage) Delete(_ context.Context, key string) error {
	p, err := s.FullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// FullPath returns the full path for a key. Keys may not leave the base
// directory.
func (s *LocalStorage) FullPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash("/" + key))
	if key == "" || clean == string(filepath.Separator) || strings.Contains(key, "..") {
		return "", &domain.ValidationError{Field: "key", Value: key, Message: "invalid storage key"}
	}
	return filepath.Join(s.basePath, clean), nil
}
