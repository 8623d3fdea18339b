package blob

import (
	"context"
	"errors"
	"io/fs"
	"path"

	"github.com/spf13/afero"
)

// FS keeps blobs as files under an afero filesystem.
type FS struct {
	root afero.Fs
}

// NewFS roots the store at root inside fs.
func NewFS(base afero.Fs, root string) *FS {
	if root != "" {
		base = afero.NewBasePathFs(base, root)
	}
	return &FS{root: base}
}

func (s *FS) Put(_ context.Context, key string, data []byte, _ string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.root.MkdirAll(path.Dir(key), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(s.root, key, data, 0o644)
}

func (s *FS) Get(_ context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.root, key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FS) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := s.root.Remove(key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
