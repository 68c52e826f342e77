// Package fswatch reports file changes in the recorder's output directory.
package fswatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"replay-buffer/internal/replay"
)

// DirSource is a replay.ChangeSource backed by fsnotify on one directory.
type DirSource struct {
	dir string
	w   *fsnotify.Watcher

	closeOnce sync.Once
	closeErr  error
	gone      bool
}

// New starts watching dir. The directory must exist.
func New(dir string) (*DirSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return &DirSource{dir: filepath.Clean(dir), w: w}, nil
}

// Next blocks until a file in the directory is created or written and
// returns its base name. Removal or rename of the directory itself, or a
// closed watcher, yields replay.ErrSourceGone from then on.
func (s *DirSource) Next(ctx context.Context) (string, error) {
	if s.gone {
		return "", replay.ErrSourceGone
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case ev, ok := <-s.w.Events:
			if !ok {
				return "", s.lost("event channel closed")
			}
			if filepath.Clean(ev.Name) == s.dir {
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					return "", s.lost(fmt.Sprintf("directory %s: %s", ev.Op, s.dir))
				}
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				return filepath.Base(ev.Name), nil
			}

		case err, ok := <-s.w.Errors:
			if !ok {
				return "", s.lost("error channel closed")
			}
			return "", fmt.Errorf("watching %s: %w", s.dir, err)
		}
	}
}

func (s *DirSource) lost(reason string) error {
	s.gone = true
	return fmt.Errorf("%w: %s", replay.ErrSourceGone, reason)
}

// Close stops the watcher. It is safe to call more than once.
func (s *DirSource) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.w.Close() })
	return s.closeErr
}
