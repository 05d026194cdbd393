// Package storage provides file-based JSON storage. Keys are path slices
// mapped to <base>/<a>/<b>.json.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage provides file-based JSON storage.
type Storage struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*FileLock
}

// New creates a new Storage instance.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

// BasePath returns the storage root.
func (s *Storage) BasePath() string {
	return s.basePath
}

func (s *Storage) pathToFile(path []string) string {
	return s.pathToDir(path) + ".json"
}

func (s *Storage) pathToDir(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...)
}

// Get retrieves a value from storage.
func (s *Storage) Get(ctx context.Context, path []string, v any) error {
	return readJSON(s.pathToFile(path), v)
}

func readJSON(filePath string, v any) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// Put stores a value in storage with file locking.
func (s *Storage) Put(ctx context.Context, path []string, v any) error {
	filePath := s.pathToFile(path)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	lock := s.getLock(filePath)
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	return writeJSON(filePath, v)
}

// Update reads the value at path into v, applies fn and writes v back,
// all under the file lock. It returns ErrNotFound if nothing is stored.
func (s *Storage) Update(ctx context.Context, path []string, v any, fn func() error) error {
	filePath := s.pathToFile(path)

	lock := s.getLock(filePath)
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := readJSON(filePath, v); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return writeJSON(filePath, v)
}

// writeJSON writes through a temp file and rename so readers never see a
// partial file.
func writeJSON(filePath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Delete removes a value from storage. Deleting a missing key is not an
// error.
func (s *Storage) Delete(ctx context.Context, path []string) error {
	filePath := s.pathToFile(path)

	lock := s.getLock(filePath)
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List returns the keys stored directly under path, sorted.
func (s *Storage) List(ctx context.Context, path []string) ([]string, error) {
	entries, err := os.ReadDir(s.pathToDir(path))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	items := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			items = append(items, name)
		} else if strings.HasSuffix(name, ".json") {
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(items)
	return items, nil
}

// Scan calls fn for every value stored directly under path. Unreadable
// files are skipped.
func (s *Storage) Scan(ctx context.Context, path []string, fn func(key string, data json.RawMessage) error) error {
	dirPath := s.pathToDir(path)

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := os.ReadFile(filepath.Join(dirPath, name))
		if err != nil {
			continue
		}
		if err := fn(strings.TrimSuffix(name, ".json"), json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

// Exists checks if a path exists.
func (s *Storage) Exists(ctx context.Context, path []string) bool {
	_, err := os.Stat(s.pathToFile(path))
	return err == nil
}

func (s *Storage) getLock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = NewFileLock(filePath)
		s.locks[filePath] = lock
	}
	return lock
}
