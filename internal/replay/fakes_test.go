package replay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type change struct {
	name string
	err  error
}

// fakeSource delivers changes over an unbuffered channel, so a send returns
// only after the watcher has finished with the previous change.
type fakeSource struct {
	ch     chan change
	mu     sync.Mutex
	closed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan change)}
}

func (s *fakeSource) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case c := <-s.ch:
		return c.name, c.err
	}
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSource) send(t *testing.T, c change) {
	t.Helper()
	select {
	case s.ch <- c:
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not take change %+v", c)
	}
}

// flush makes sure every earlier change has been handled.
func (s *fakeSource) flush(t *testing.T) {
	t.Helper()
	s.send(t, change{name: "unrelated.txt"})
}

// manifestFile writes an encoder-style manifest listing ids from..to.
func manifestFile(t *testing.T, path string, from, to int, ended bool) {
	t.Helper()
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:8\n")
	for i := from; i <= to; i++ {
		fmt.Fprintf(&b, "#EXTINF:8.000000,\n%s\n", segName(i))
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

// fakeProcess stands in for a running encoder.
type fakeProcess struct {
	startIndex SegmentID
	onStop     func()
	stopErr    error

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	once    sync.Once
	exitErr error
}

func newFakeProcess(start SegmentID) *fakeProcess {
	return &fakeProcess{startIndex: start, done: make(chan struct{})}
}

func (p *fakeProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if p.onStop != nil {
		p.onStop()
	}
	p.once.Do(func() { close(p.done) })
	return p.stopErr
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// crash simulates the encoder dying on its own.
func (p *fakeProcess) crash(err error) {
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// fakeLauncher records every start and hands out fakeProcesses.
type fakeLauncher struct {
	mu      sync.Mutex
	starts  []SegmentID
	procs   []*fakeProcess
	prepare func(p *fakeProcess)
	started chan *fakeProcess
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{started: make(chan *fakeProcess, 16)}
}

func (l *fakeLauncher) Start(ctx context.Context, startIndex SegmentID) (Process, error) {
	p := newFakeProcess(startIndex)
	l.mu.Lock()
	l.starts = append(l.starts, startIndex)
	l.procs = append(l.procs, p)
	prepare := l.prepare
	l.mu.Unlock()
	if prepare != nil {
		prepare(p)
	}
	l.started <- p
	return p, nil
}

func (l *fakeLauncher) waitStart(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-l.started:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("encoder was not started")
		return nil
	}
}

func (l *fakeLauncher) startIndexes() []SegmentID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SegmentID(nil), l.starts...)
}

// fakeMerger captures the concat list it was asked to merge.
type fakeMerger struct {
	mu    sync.Mutex
	lists []string
	outs  []string
	err   error
}

func (m *fakeMerger) Merge(ctx context.Context, listPath, outPath string) error {
	data, err := os.ReadFile(listPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists = append(m.lists, string(data))
	m.outs = append(m.outs, filepath.Base(outPath))
	if m.err != nil {
		return m.err
	}
	return os.WriteFile(outPath, data, 0o644)
}

func (m *fakeMerger) calls() ([]string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lists...), append([]string(nil), m.outs...)
}
