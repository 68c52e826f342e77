package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"replay-buffer/internal/platform/metrics"
)

// Triggers are the save and quit inputs of a session.
type Triggers interface {
	Save() <-chan time.Time
	Quit() <-chan struct{}
}

// SessionDeps wires a Session. Metrics and Events may be nil.
type SessionDeps struct {
	ID               string
	Registry         *Registry
	Reader           *ManifestReader
	Source           ChangeSource
	ManifestTempName string
	Coordinator      *Coordinator
	Launcher         Launcher
	Triggers         Triggers

	// AbortOnFinalizeError ends the session when a finalize cycle fails
	// instead of resuming capture.
	AbortOnFinalizeError bool

	Log     *slog.Logger
	Metrics *metrics.Metrics
	Events  Publisher
}

// SessionStatus is a point-in-time view of the session.
type SessionStatus struct {
	ID            string           `json:"session_id"`
	State         SessionState     `json:"state"`
	Coordinator   CoordinatorState `json:"coordinator"`
	StartedAt     time.Time        `json:"started_at"`
	Cycles        int              `json:"cycles"`
	Saved         int              `json:"saved"`
	NextID        SegmentID        `json:"next_id"`
	WindowSeconds float64          `json:"window_seconds"`
	Segments      []Segment        `json:"segments"`
	LastOutput    string           `json:"last_output,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
}

// Session alternates between capturing and finalizing until quit.
type Session struct {
	deps    SessionDeps
	watcher *Watcher

	lost     chan struct{}
	lostOnce sync.Once

	mu         sync.Mutex
	state      SessionState
	startedAt  time.Time
	cycles     int
	saved      int
	lastOutput string
	lastErr    string
}

// NewSession builds a session and its manifest watcher.
func NewSession(deps SessionDeps) *Session {
	s := &Session{
		deps:  deps,
		lost:  make(chan struct{}),
		state: SessionStarting,
	}
	s.watcher = NewWatcher(deps.Source, deps.Reader, deps.Registry, deps.ManifestTempName, deps.Log, s.watcherLost)
	return s
}

func (s *Session) watcherLost() {
	s.lostOnce.Do(func() { close(s.lost) })
}

// Run drives the session. It returns nil after a quit trigger,
// ErrWatcherLost if the change source went away, ErrEncoderExited if the
// encoder died, or a finalize error when AbortOnFinalizeError is set. The
// watcher is always joined before Run returns.
func (s *Session) Run(ctx context.Context) (runErr error) {
	log := s.deps.Log
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	watchDone := make(chan error, 1)
	go func() { watchDone <- s.watcher.Run(watchCtx) }()
	defer func() {
		cancelWatch()
		<-watchDone
		s.setState(SessionStopped)
		log.Info("session stopped", slog.Any("reason", runErr))
	}()

	for {
		start := s.deps.Registry.CurrentNextID()
		proc, err := s.deps.Launcher.Start(ctx, start)
		if err != nil {
			return fmt.Errorf("starting encoder: %w", err)
		}
		s.deps.Metrics.IncEncoderStarts()
		s.deps.Coordinator.Resume()
		s.setState(SessionCapturing)
		log.Info("capturing", slog.Int64("start_index", int64(start)))

		select {
		case at := <-s.deps.Triggers.Save():
			s.setState(SessionFinalizing)
			res, ferr := s.deps.Coordinator.Finalize(ctx, proc, FinalizationRequest{At: at})
			s.recordCycle(res, ferr)
			if ferr != nil && s.deps.AbortOnFinalizeError && !errors.Is(ferr, ErrEmptyWindow) {
				return ferr
			}

		case <-s.deps.Triggers.Quit():
			log.Info("quit requested, stopping capture without saving")
			s.stopEncoder(context.Background(), proc)
			return nil

		case <-s.lost:
			log.Error("manifest watcher lost, discarding replay window")
			s.stopEncoder(context.Background(), proc)
			return ErrWatcherLost

		case <-proc.Done():
			return fmt.Errorf("%w: %v", ErrEncoderExited, proc.Err())

		case <-ctx.Done():
			s.stopEncoder(context.Background(), proc)
			return ctx.Err()
		}
	}
}

// Status reports the session and window state.
func (s *Session) Status() SessionStatus {
	segments := s.deps.Registry.Snapshot()
	var seconds float64
	for _, seg := range segments {
		seconds += seg.Duration
	}
	if segments == nil {
		segments = []Segment{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		ID:            s.deps.ID,
		State:         s.state,
		Coordinator:   s.deps.Coordinator.State(),
		StartedAt:     s.startedAt,
		Cycles:        s.cycles,
		Saved:         s.saved,
		NextID:        s.deps.Registry.CurrentNextID(),
		WindowSeconds: seconds,
		Segments:      segments,
		LastOutput:    s.lastOutput,
		LastError:     s.lastErr,
	}
}

func (s *Session) stopEncoder(ctx context.Context, proc Process) {
	if err := proc.Stop(ctx); err != nil {
		s.deps.Log.Warn("encoder stop", slog.String("error", err.Error()))
	}
}

func (s *Session) recordCycle(res FinalizeResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	if err != nil {
		s.lastErr = err.Error()
		return
	}
	s.saved++
	s.lastOutput = res.Output
	s.lastErr = ""
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.deps.Events != nil {
		s.deps.Events.Publish(EventState, map[string]string{"session": string(st)})
	}
}
