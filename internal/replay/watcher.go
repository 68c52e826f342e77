package replay

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
)

// ChangeSource yields the names of files that changed in the watched
// directory. Next blocks until a change arrives; it returns ErrSourceGone
// once the underlying handle or directory is invalid, and ctx.Err() when
// ctx is cancelled.
type ChangeSource interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Watcher folds manifest updates into the Registry. One Watcher runs for the
// whole process lifetime, across finalize cycles.
type Watcher struct {
	source   ChangeSource
	reader   *ManifestReader
	registry *Registry
	relevant map[string]bool
	log      *slog.Logger

	// lost fires once when the change source is invalidated.
	lost func()
}

// NewWatcher builds a watcher that reacts to changes of the manifest's
// write-in-progress artifact (tmpName) and of the manifest itself.
// lost is called once if the change source goes away; it may be nil.
func NewWatcher(source ChangeSource, reader *ManifestReader, registry *Registry, tmpName string, log *slog.Logger, lost func()) *Watcher {
	relevant := map[string]bool{tmpName: true}
	if reader != nil {
		relevant[filepath.Base(reader.Path())] = true
	}
	return &Watcher{
		source:   source,
		reader:   reader,
		registry: registry,
		relevant: relevant,
		log:      log,
		lost:     lost,
	}
}

// Run blocks until ctx is cancelled or the change source is gone. In the
// latter case the source is closed, lost is fired and ErrSourceGone returned.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("manifest watcher started")
	for {
		name, err := w.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("manifest watcher stopped")
				return nil
			}
			if errors.Is(err, ErrSourceGone) {
				w.log.Error("change source invalidated, shutting down", slog.String("error", err.Error()))
				if cerr := w.source.Close(); cerr != nil {
					w.log.Warn("closing change source", slog.String("error", cerr.Error()))
				}
				if w.lost != nil {
					w.lost()
				}
				return ErrSourceGone
			}
			w.log.Warn("change source error", slog.String("error", err.Error()))
			continue
		}

		if !w.relevant[filepath.Base(name)] {
			continue
		}
		w.HandleChange(ctx)
	}
}

// HandleChange reads the manifest tail and adds it to the registry. Updates
// that cannot be read or parsed are dropped.
func (w *Watcher) HandleChange(ctx context.Context) {
	entry, err := w.reader.ReadTail(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if IsMalformed(err) {
			w.log.Warn("malformed manifest tail, update dropped", slog.String("error", err.Error()))
		} else {
			w.log.Debug("manifest unreadable, update dropped", slog.String("error", err.Error()))
		}
		return
	}

	id, added := w.registry.Add(entry.Filename, entry.Duration)
	if added {
		w.log.Info("segment completed",
			slog.Int64("segment_id", int64(id)),
			slog.String("filename", entry.Filename),
			slog.Float64("duration", entry.Duration))
	}
}
