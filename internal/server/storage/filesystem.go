package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound   = errors.New("stored file not found")
	ErrInvalidKey = errors.New("invalid storage key")
	ErrExists     = errors.New("stored file already exists")
)

// Store defines the interface for uploaded file backends. Keys are slash
// separated paths relative to the store root, e.g. "images/1700000000_a.png".
// Save never replaces an existing file; it fails with ErrExists before
// reading any data.
type Store interface {
	Save(key string, data io.Reader) (int64, error)
	Open(key string) (io.ReadCloser, int64, error)
	Exists(key string) bool
	Delete(key string) error
	EnsureDir() error
}

// FileSystemStore stores uploaded files on the local filesystem.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory and its images subdirectory.
func (fs *FileSystemStore) EnsureDir() error {
	for _, dir := range []string{fs.basePath, filepath.Join(fs.basePath, ImagesDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return nil
}

// Save writes data from a reader to a new file named by key.
// Returns the number of bytes written.
func (fs *FileSystemStore) Save(key string, data io.Reader) (int64, error) {
	filePath, err := fs.filePath(key)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrExists, key)
		}
		return 0, fmt.Errorf("failed to create file %s: %w", filePath, err)
	}
	defer file.Close()

	n, err := io.Copy(file, data)
	if err != nil {
		// Clean up partial file on error
		os.Remove(filePath)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	return n, nil
}

// Open returns a reader over the stored file and its size.
func (fs *FileSystemStore) Open(key string) (io.ReadCloser, int64, error) {
	filePath, err := fs.filePath(key)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return file, info.Size(), nil
}

// Exists reports whether key names a regular file.
func (fs *FileSystemStore) Exists(key string) bool {
	filePath, err := fs.filePath(key)
	if err != nil {
		return false
	}
	info, err := os.Stat(filePath)
	return err == nil && info.Mode().IsRegular()
}

// Delete removes the stored file. Missing files are not an error.
func (fs *FileSystemStore) Delete(key string) error {
	filePath, err := fs.filePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

func (fs *FileSystemStore) filePath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(fs.basePath, filepath.FromSlash(key)), nil
}

// validateKey rejects keys that are empty, absolute or climb out of the root.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
