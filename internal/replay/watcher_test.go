package replay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"replay-buffer/internal/platform/config"
	"replay-buffer/internal/platform/logger"
)

type watcherFixture struct {
	dir      string
	manifest string
	source   *fakeSource
	registry *Registry
	watcher  *Watcher
	lost     chan struct{}
	done     chan error
	cancel   context.CancelFunc
}

func startWatcher(t *testing.T) *watcherFixture {
	t.Helper()
	dir := t.TempDir()
	f := &watcherFixture{
		dir:      dir,
		manifest: filepath.Join(dir, config.ManifestName),
		source:   newFakeSource(),
		lost:     make(chan struct{}),
		done:     make(chan error, 1),
	}
	log := logger.Discard()
	f.registry = NewRegistry(Limits{MaxSeconds: 48, MaxSegments: 10}, NewDirStore(dir), log, nil, nil)
	reader := NewManifestReader(f.manifest, Backoff{Attempts: 2, Initial: time.Millisecond}, log, nil)
	f.watcher = NewWatcher(f.source, reader, f.registry, config.ManifestName+".tmp", log, func() { close(f.lost) })

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.watcher.Run(ctx) }()
	t.Cleanup(cancel)
	return f
}

func (f *watcherFixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not return")
		return nil
	}
}

func TestWatcher_adds_completed_segments(t *testing.T) {
	f := startWatcher(t)
	tmp := config.ManifestName + ".tmp"

	for i := 0; i <= 2; i++ {
		manifestFile(t, f.manifest, 0, i, false)
		f.source.send(t, change{name: tmp})
	}
	f.source.flush(t)

	snap := f.registry.Snapshot()
	if len(snap) != 3 || snap[2].Filename != segName(2) {
		t.Errorf("unexpected window: %v", snap)
	}
}

func TestWatcher_ScenarioD_duplicate_notifications(t *testing.T) {
	f := startWatcher(t)
	manifestFile(t, f.manifest, 0, 4, false)

	f.source.send(t, change{name: config.ManifestName + ".tmp"})
	f.source.send(t, change{name: config.ManifestName + ".tmp"})
	f.source.send(t, change{name: config.ManifestName})
	f.source.flush(t)

	if got := f.registry.Len(); got != 1 {
		t.Errorf("segment should be recorded exactly once, window len %d", got)
	}
	if got := f.registry.CurrentNextID(); got != 1 {
		t.Errorf("duplicates must not consume ids, next=%d", got)
	}
}

func TestWatcher_ignores_unrelated_files(t *testing.T) {
	f := startWatcher(t)
	manifestFile(t, f.manifest, 0, 0, false)

	f.source.send(t, change{name: segName(0)})
	f.source.send(t, change{name: "ffmpeg.log"})
	f.source.flush(t)

	if f.registry.Len() != 0 {
		t.Errorf("only manifest changes are relevant, got %v", f.registry.Snapshot())
	}
}

func TestWatcher_drops_malformed_update(t *testing.T) {
	f := startWatcher(t)
	if err := os.WriteFile(f.manifest, []byte("#EXTM3U\n#EXTINF:8.0,\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.source.send(t, change{name: config.ManifestName + ".tmp"})
	f.source.flush(t)
	if f.registry.Len() != 0 {
		t.Error("malformed tail must not reach the window")
	}

	manifestFile(t, f.manifest, 0, 0, false)
	f.source.send(t, change{name: config.ManifestName + ".tmp"})
	f.source.flush(t)
	if f.registry.Len() != 1 {
		t.Error("watcher should keep going after a dropped update")
	}
}

func TestWatcher_source_gone_is_fatal(t *testing.T) {
	f := startWatcher(t)
	f.source.send(t, change{err: ErrSourceGone})

	if err := f.wait(t); !errors.Is(err, ErrSourceGone) {
		t.Errorf("expected ErrSourceGone, got %v", err)
	}
	select {
	case <-f.lost:
	default:
		t.Error("lost callback not fired")
	}
	if !f.source.isClosed() {
		t.Error("source should be released")
	}
}

func TestWatcher_transient_source_error(t *testing.T) {
	f := startWatcher(t)
	f.source.send(t, change{err: errors.New("event overflow")})
	manifestFile(t, f.manifest, 0, 0, false)
	f.source.send(t, change{name: config.ManifestName + ".tmp"})
	f.source.flush(t)

	if f.registry.Len() != 1 {
		t.Error("watcher should survive a non-fatal source error")
	}
}

func TestWatcher_stops_on_cancel(t *testing.T) {
	f := startWatcher(t)
	f.cancel()
	if err := f.wait(t); err != nil {
		t.Errorf("cancel should stop cleanly, got %v", err)
	}
	select {
	case <-f.lost:
		t.Error("cancel must not fire lost")
	default:
	}
}
