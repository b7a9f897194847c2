// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-vtpm.
//
// go-vtpm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package nvram

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	// Default directory permissions (owner rwx only)
	defaultDirPerms = 0700

	// The image holds seeds; owner rw only
	imageFilePerms = 0600
)

// FileStore persists the image in a single file. Writes go to a temporary
// file in the same directory which is synced and renamed over the image, so
// a crash leaves either the old or the new image.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	image   []byte
	enabled bool
}

// NewFileStore creates a disabled store backed by path. The file is not
// touched until Enable.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("nvram: resolve path %q: %w", path, err)
	}
	return &FileStore{path: abs}, nil
}

// Path returns the absolute image path.
func (s *FileStore) Path() string {
	return s.path
}

// Enable creates the parent directory if needed and loads the image. An
// absent file is an empty store. Calling it on an enabled store is a no-op.
func (s *FileStore) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), defaultDirPerms); err != nil {
		return fmt.Errorf("nvram: create directory: %w", err)
	}
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		s.image = data
	case errors.Is(err, fs.ErrNotExist):
		s.image = nil
	default:
		return fmt.Errorf("nvram: read %s: %w", s.path, err)
	}
	s.enabled = true
	return nil
}

// Disable releases the store. With discard set the image file is removed.
func (s *FileStore) Disable(discard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled = false
	if !discard {
		return nil
	}
	s.image = nil
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("nvram: remove %s: %w", s.path, err)
	}
	return nil
}

// NeedsProvisioning reports whether the store holds no image. While
// disabled it consults the file directly.
func (s *FileStore) NeedsProvisioning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.enabled {
		return len(s.image) == 0
	}
	info, err := os.Stat(s.path)
	return err != nil || info.Size() == 0
}

// Read returns a copy of the image.
func (s *FileStore) Read() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled {
		return nil, ErrDisabled
	}
	return clone(s.image), nil
}

// Write atomically replaces the image file.
func (s *FileStore) Write(image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return ErrDisabled
	}
	if err := writeAtomic(s.path, image); err != nil {
		return err
	}
	s.image = clone(image)
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("nvram: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once renamed.
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(imageFilePerms); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("nvram: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("nvram: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("nvram: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("nvram: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("nvram: rename image: %w", err)
	}
	return nil
}
