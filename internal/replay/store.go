package replay

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store is the backing-file abstraction for segments. The Registry calls
// Remove when a segment leaves the window; implementations must treat a
// file that is already gone as success.
type Store interface {
	Remove(filename string) error
}

// DirStore deletes segment files from the output directory.
type DirStore struct {
	dir string
}

// NewDirStore returns a Store rooted at dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// Path resolves a manifest filename inside the store directory.
func (s *DirStore) Path(filename string) string {
	return filepath.Join(s.dir, filepath.Base(filename))
}

// Remove implements Store.Remove. A missing file is reported as
// ErrSegmentMissing so the caller can log it without failing.
func (s *DirStore) Remove(filename string) error {
	err := os.Remove(s.Path(filename))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrSegmentMissing
	}
	return err
}

// InMemoryStore records removals without touching disk.
type InMemoryStore struct {
	mu      sync.Mutex
	files   map[string]bool
	removed []string
}

// NewInMemoryStore returns a store that already holds the given files.
func NewInMemoryStore(files ...string) *InMemoryStore {
	s := &InMemoryStore{files: make(map[string]bool)}
	for _, f := range files {
		s.files[f] = true
	}
	return s
}

// Put marks filename as present.
func (s *InMemoryStore) Put(filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[filename] = true
}

// Remove implements Store.Remove.
func (s *InMemoryStore) Remove(filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, filename)
	if !s.files[filename] {
		return ErrSegmentMissing
	}
	delete(s.files, filename)
	return nil
}

// Removed lists every Remove call in order.
func (s *InMemoryStore) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

// Has reports whether filename is still present.
func (s *InMemoryStore) Has(filename string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[filename]
}
