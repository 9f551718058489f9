// Package filestore keeps a servent's files inside its working directory.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var (
	// ErrNotFound is returned when a file does not exist in the store.
	ErrNotFound = errors.New("file not found")

	// ErrInvalidPath is returned for empty, absolute or escaping paths.
	ErrInvalidPath = errors.New("path must be relative and stay inside the working directory")
)

// Store is a file store rooted at one directory.
type Store struct {
	fs afero.Fs
}

// New returns a store rooted at dir on disk, creating dir if needed.
func New(dir string) (*Store, error) {
	var osFs = afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create working directory %s: %w", dir, err)
	}
	return &Store{fs: afero.NewBasePathFs(osFs, dir)}, nil
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Store {
	return &Store{fs: afero.NewMemMapFs()}
}

// Read returns the contents of path.
func (s *Store) Read(path string) ([]byte, error) {
	var name, err = resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Write stores data at path, replacing any existing file.
func (s *Store) Write(path string, data []byte) error {
	var name, err = resolve(path)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := afero.WriteFile(s.fs, name, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Delete removes path.
func (s *Store) Delete(path string) error {
	var name, err = resolve(path)
	if err != nil {
		return err
	}

	var exists, statErr = afero.Exists(s.fs, name)
	if statErr != nil {
		return fmt.Errorf("failed to stat %s: %w", path, statErr)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if err := s.fs.Remove(name); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// List returns every file in the store as a slash-separated relative path, sorted.
func (s *Store) List() ([]string, error) {
	var files = make([]string, 0)

	var err = afero.Walk(s.fs, "/", func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, strings.TrimPrefix(filepath.ToSlash(name), "/"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return files, nil
}

// resolve maps a relative path to its absolute name inside the store.
func resolve(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	var clean = filepath.Clean(path)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	return string(filepath.Separator) + clean, nil
}
