package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// FileStore keeps each namespace in <dir>/<ns>.json.
//
// Writes go through renameio: temp file, fsync, atomic rename. A crash mid-write
// leaves the previous blob intact.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("blob: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(ns string) string {
	return filepath.Join(s.dir, ns+".json")
}

func (s *FileStore) Get(ctx context.Context, ns string) ([]byte, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path(ns))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", ns, err)
	}
	return b, nil
}

func (s *FileStore) Put(ctx context.Context, ns string, data []byte) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := renameio.WriteFile(s.path(ns), data, 0o600); err != nil {
		return fmt.Errorf("blob: write %s: %w", ns, err)
	}
	return nil
}
