// Package trigger turns keyboard input, HTTP calls, flag files and signals
// into save and quit requests for a recording session.
package trigger

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Set holds the pending save and quit requests. It satisfies both
// replay.Triggers and replay.Controller.
type Set struct {
	save     chan time.Time
	quit     chan struct{}
	quitOnce sync.Once
}

// NewSet returns a Set with no save pending and quit not requested.
func NewSet() *Set {
	return &Set{save: make(chan time.Time, 1), quit: make(chan struct{})}
}

// RequestSave queues a save stamped at. It never blocks; while a save is
// already pending further requests are absorbed and false is returned.
func (s *Set) RequestSave(at time.Time) bool {
	select {
	case s.save <- at:
		return true
	default:
		return false
	}
}

// RequestQuit ends the session. Repeated calls are no-ops.
func (s *Set) RequestQuit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Save delivers pending save requests.
func (s *Set) Save() <-chan time.Time { return s.save }

// Quit is closed once quit has been requested.
func (s *Set) Quit() <-chan struct{} { return s.quit }

// Poller checks a condition at a fixed interval and fires on each
// false-to-true transition.
type Poller struct {
	Interval time.Duration
	Check    func() bool
	Fire     func()
}

// Run polls until ctx is done.
func (p Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	was := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := p.Check()
			if now && !was {
				p.Fire()
			}
			was = now
		}
	}
}

// FileExists returns a check reporting whether path exists.
func FileExists(path string) func() bool {
	return func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
}

// ConsumeFile returns a Fire func that requests a save and removes the flag
// file so it can be touched again.
func ConsumeFile(path string, set *Set, log *slog.Logger) func() {
	return func() {
		queued := set.RequestSave(time.Now())
		log.Info("save flag file found", slog.String("path", path), slog.Bool("queued", queued))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("removing save flag file", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

// ReadLines reads commands from r, one per line: "s" or "save" requests a
// save, "q" or "quit" requests quit and returns. It returns at EOF, on a
// read error, or once ctx is done and the next line arrives.
func ReadLines(ctx context.Context, r io.Reader, set *Set, log *slog.Logger) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch cmd := strings.ToLower(strings.TrimSpace(sc.Text())); cmd {
		case "":
		case "s", "save":
			queued := set.RequestSave(time.Now())
			log.Info("save requested from input", slog.Bool("queued", queued))
		case "q", "quit":
			log.Info("quit requested from input")
			set.RequestQuit()
			return nil
		default:
			log.Warn("unknown command, use s to save or q to quit", slog.String("input", cmd))
		}
	}
	return sc.Err()
}
