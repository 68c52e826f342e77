package replay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"replay-buffer/internal/platform/config"
	"replay-buffer/internal/platform/logger"
)

type recordingPublisher struct {
	mu    sync.Mutex
	kinds []string
	data  []any
}

func (p *recordingPublisher) Publish(kind string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
	p.data = append(p.data, data)
}

func (p *recordingPublisher) coordinatorStates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for i, k := range p.kinds {
		if k != EventState {
			continue
		}
		if m, ok := p.data[i].(map[string]string); ok && m["coordinator"] != "" {
			out = append(out, m["coordinator"])
		}
	}
	return out
}

type coordFixture struct {
	dir      string
	manifest string
	registry *Registry
	merger   *fakeMerger
	events   *recordingPublisher
	coord    *Coordinator
}

func newCoordFixture(t *testing.T, limits Limits) *coordFixture {
	t.Helper()
	dir := t.TempDir()
	log := logger.Discard()
	f := &coordFixture{
		dir:      dir,
		manifest: filepath.Join(dir, config.ManifestName),
		merger:   &fakeMerger{},
		events:   &recordingPublisher{},
	}
	f.registry = NewRegistry(limits, NewDirStore(dir), log, nil, nil)
	reader := NewManifestReader(f.manifest, Backoff{Attempts: 2, Initial: time.Millisecond}, log, nil)
	f.coord = NewCoordinator(f.registry, reader, f.merger, NewOutputNamer(dir, config.NamingCounter),
		filepath.Join(dir, config.ConcatListName), log, nil, f.events)
	return f
}

// addSegments creates the files and registers them, like the watcher would.
func (f *coordFixture) addSegments(t *testing.T, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		if err := os.WriteFile(filepath.Join(f.dir, segName(i)), []byte("ts"), 0o644); err != nil {
			t.Fatal(err)
		}
		f.registry.Add(segName(i), 8)
	}
}

func TestCoordinator_ScenarioC_drains_last_segment(t *testing.T) {
	f := newCoordFixture(t, Limits{MaxSeconds: 48, MaxSegments: 10})
	f.addSegments(t, 3, 7)

	proc := newFakeProcess(0)
	proc.onStop = func() {
		// segment 8 completes exactly as the encoder stops
		if err := os.WriteFile(filepath.Join(f.dir, segName(8)), []byte("ts"), 0o644); err != nil {
			t.Error(err)
		}
		manifestFile(t, f.manifest, 3, 8, true)
	}

	res, err := f.coord.Finalize(context.Background(), proc, FinalizationRequest{At: time.Now()})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !proc.wasStopped() {
		t.Error("encoder should be stopped first")
	}

	lists, outs := f.merger.calls()
	if len(lists) != 1 {
		t.Fatalf("expected one merge, got %d", len(lists))
	}
	want := "file 'replay-seg3.ts'\nfile 'replay-seg4.ts'\nfile 'replay-seg5.ts'\nfile 'replay-seg6.ts'\nfile 'replay-seg7.ts'\nfile 'replay-seg8.ts'\n"
	if lists[0] != want {
		t.Errorf("concat list:\n%s\nwant\n%s", lists[0], want)
	}
	if outs[0] != "output-1.mp4" || filepath.Base(res.Output) != "output-1.mp4" {
		t.Errorf("unexpected output name %v / %s", outs, res.Output)
	}
	if res.Segments != 6 || res.Seconds != 48 || res.NextID != 6 {
		t.Errorf("unexpected result %+v", res)
	}
	if got := f.coord.State(); got != StateRestarted {
		t.Errorf("state after success: %s", got)
	}
	states := strings.Join(f.events.coordinatorStates(), ",")
	if states != "stopping,draining,merging,restarted" {
		t.Errorf("state sequence: %s", states)
	}
}

func TestCoordinator_drain_already_seen_segment(t *testing.T) {
	f := newCoordFixture(t, Limits{MaxSeconds: 48, MaxSegments: 10})
	f.addSegments(t, 0, 2)
	manifestFile(t, f.manifest, 0, 2, true)

	res, err := f.coord.Finalize(context.Background(), newFakeProcess(0), FinalizationRequest{At: time.Now()})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Segments != 3 || res.NextID != 3 {
		t.Errorf("drain of a known segment must be a no-op, got %+v", res)
	}
}

func TestCoordinator_drain_failure_still_merges(t *testing.T) {
	f := newCoordFixture(t, Limits{MaxSeconds: 48, MaxSegments: 10})
	f.addSegments(t, 0, 1)

	res, err := f.coord.Finalize(context.Background(), newFakeProcess(0), FinalizationRequest{At: time.Now()})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Segments != 2 {
		t.Errorf("expected merge of the existing window, got %+v", res)
	}
}

func TestCoordinator_stop_failure_aborts_cycle(t *testing.T) {
	f := newCoordFixture(t, Limits{MaxSeconds: 48, MaxSegments: 10})
	f.addSegments(t, 0, 1)
	proc := newFakeProcess(0)
	proc.stopErr = errors.New("exit status 1")

	_, err := f.coord.Finalize(context.Background(), proc, FinalizationRequest{At: time.Now()})
	if err == nil || !strings.Contains(err.Error(), "stopping encoder") {
		t.Fatalf("expected stop error, got %v", err)
	}
	if lists, _ := f.merger.calls(); len(lists) != 0 {
		t.Error("no merge after a failed stop")
	}
	if f.coord.State() != StateIdle {
		t.Errorf("failed cycle should leave coordinator idle, got %s", f.coord.State())
	}
}

func TestCoordinator_merge_failure_not_retried(t *testing.T) {
	f := newCoordFixture(t, Limits{MaxSeconds: 48, MaxSegments: 10})
	f.addSegments(t, 0, 1)
	f.merger.err = errors.New("exit status 1")

	_, err := f.coord.Finalize(context.Background(), newFakeProcess(0), FinalizationRequest{At: time.Now()})
	if !errors.Is(err, f.merger.err) {
		t.Fatalf("expected merge error to be wrapped, got %v", err)
	}
	if lists, _ := f.merger.calls(); len(lists) != 1 {
		t.Errorf("merge must run exactly once, got %d", len(lists))
	}
	if f.registry.Len() != 2 {
		t.Error("failed merge must leave the window intact")
	}
}

func TestCoordinator_empty_window(t *testing.T) {
	f := newCoordFixture(t, Limits{MaxSeconds: 48, MaxSegments: 10})
	_, err := f.coord.Finalize(context.Background(), newFakeProcess(0), FinalizationRequest{At: time.Now()})
	if !errors.Is(err, ErrEmptyWindow) {
		t.Errorf("expected ErrEmptyWindow, got %v", err)
	}
}

type evictingMerger struct {
	fakeMerger
	during func()
}

func (m *evictingMerger) Merge(ctx context.Context, listPath, outPath string) error {
	m.during()
	return m.fakeMerger.Merge(ctx, listPath, outPath)
}

func TestCoordinator_window_files_survive_merge(t *testing.T) {
	f := newCoordFixture(t, Limits{MaxSeconds: 24, MaxSegments: 10})
	f.addSegments(t, 0, 2)

	m := &evictingMerger{}
	m.during = func() {
		// a stray notification slides the window mid-merge
		f.addSegments(t, 3, 4)
		for i := 0; i <= 2; i++ {
			if _, err := os.Stat(filepath.Join(f.dir, segName(i))); err != nil {
				t.Errorf("segment %d deleted while being merged: %v", i, err)
			}
		}
	}
	f.coord.merger = m

	if _, err := f.coord.Finalize(context.Background(), newFakeProcess(0), FinalizationRequest{At: time.Now()}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, segName(0))); !os.IsNotExist(err) {
		t.Error("evicted segment should be deleted once the merge released it")
	}
}
