// Package local implements a filesystem sink on top of afero.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// BlobStore writes artifacts to a filesystem. Paths are used as given,
// relative to the process working directory for the OS filesystem.
type BlobStore struct {
	fs afero.Fs
}

// New creates a filesystem sink. A nil fs means the OS filesystem.
func New(fs afero.Fs) *BlobStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &BlobStore{fs: fs}
}

// Save writes data to path, creating parent directories as needed.
func (s *BlobStore) Save(_ context.Context, path string, data []byte) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := s.fs.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create parent directories: %w", err)
		}
	}
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a regular file is present at path.
func (s *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return !info.IsDir(), nil
}
