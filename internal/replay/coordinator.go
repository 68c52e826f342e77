package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"replay-buffer/internal/platform/metrics"
)

// Process is a running encoder.
type Process interface {
	// Stop asks the encoder to finish its in-flight segment and exit, then
	// waits for it. A nonzero exit is returned as an error.
	Stop(ctx context.Context) error
	// Done is closed once the process has exited for any reason.
	Done() <-chan struct{}
	// Err is the exit error after Done is closed.
	Err() error
}

// Launcher starts an encoder whose first segment gets startIndex.
type Launcher interface {
	Start(ctx context.Context, startIndex SegmentID) (Process, error)
}

// Merger concatenates the files named in a concat list without re-encoding.
type Merger interface {
	Merge(ctx context.Context, listPath, outPath string) error
}

// FinalizeResult describes one completed save.
type FinalizeResult struct {
	Output   string        `json:"output"`
	Segments int           `json:"segments"`
	Seconds  float64       `json:"seconds"`
	FirstID  SegmentID     `json:"first_id"`
	LastID   SegmentID     `json:"last_id"`
	NextID   SegmentID     `json:"next_id"`
	Took     time.Duration `json:"took"`
}

// Coordinator runs the stop, drain, merge, restart cycle against a Registry.
type Coordinator struct {
	registry *Registry
	reader   *ManifestReader
	merger   Merger
	namer    *OutputNamer
	listPath string

	log     *slog.Logger
	metrics *metrics.Metrics
	events  Publisher

	mu    sync.Mutex
	state CoordinatorState
}

// NewCoordinator wires a coordinator. m and pub may be nil.
func NewCoordinator(registry *Registry, reader *ManifestReader, merger Merger, namer *OutputNamer, listPath string, log *slog.Logger, m *metrics.Metrics, pub Publisher) *Coordinator {
	return &Coordinator{
		registry: registry,
		reader:   reader,
		merger:   merger,
		namer:    namer,
		listPath: listPath,
		log:      log,
		metrics:  m,
		events:   pub,
		state:    StateIdle,
	}
}

// State is the current step of the finalize cycle.
func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resume marks the coordinator idle once capture has been relaunched.
func (c *Coordinator) Resume() {
	c.setState(StateIdle)
}

// Finalize stops proc, folds in the segment that completed at stop time,
// merges the window into one output file and reports the id capture should
// continue from. Errors abort the cycle and leave the coordinator idle;
// nothing is retried.
func (c *Coordinator) Finalize(ctx context.Context, proc Process, req FinalizationRequest) (FinalizeResult, error) {
	began := time.Now()
	if c.events != nil {
		c.events.Publish(EventFinalizeStarted, req)
	}
	c.log.Info("finalize requested", slog.Time("at", req.At))

	c.setState(StateStopping)
	if err := proc.Stop(ctx); err != nil {
		return FinalizeResult{}, c.fail("stopping encoder", err)
	}

	c.setState(StateDraining)
	c.drain(ctx)

	c.setState(StateMerging)
	segments, release := c.registry.Pin()
	defer release()

	if len(segments) == 0 {
		return FinalizeResult{}, c.fail("merging", ErrEmptyWindow)
	}
	if err := WriteConcatList(c.listPath, segments); err != nil {
		return FinalizeResult{}, c.fail("writing concat list", err)
	}

	out := c.namer.Next(req.At)
	mergeStart := time.Now()
	if err := c.merger.Merge(ctx, c.listPath, out); err != nil {
		return FinalizeResult{}, c.fail("merging segments", err)
	}
	c.metrics.ObserveMerge(time.Since(mergeStart).Seconds())

	res := FinalizeResult{
		Output:   out,
		Segments: len(segments),
		FirstID:  segments[0].ID,
		LastID:   segments[len(segments)-1].ID,
		NextID:   c.registry.CurrentNextID(),
		Took:     time.Since(began),
	}
	for _, s := range segments {
		res.Seconds += s.Duration
	}

	c.setState(StateRestarted)
	c.metrics.IncFinalizations()
	if c.events != nil {
		c.events.Publish(EventFinalizeDone, res)
	}
	c.log.Info("replay saved",
		slog.String("output", out),
		slog.Int("segments", res.Segments),
		slog.Float64("seconds", res.Seconds),
		slog.Int64("next_id", int64(res.NextID)),
		slog.Duration("took", res.Took))
	return res, nil
}

// drain performs the final manifest read after the encoder exited. A failed
// read is logged; the merge proceeds with what the window already holds.
func (c *Coordinator) drain(ctx context.Context) {
	entry, err := c.reader.ReadTail(ctx)
	if err != nil {
		c.log.Warn("final manifest read failed, merging without it", slog.String("error", err.Error()))
		return
	}
	if id, added := c.registry.Add(entry.Filename, entry.Duration); added {
		c.log.Info("drained final segment",
			slog.Int64("segment_id", int64(id)),
			slog.String("filename", entry.Filename))
	}
}

func (c *Coordinator) fail(step string, err error) error {
	c.setState(StateIdle)
	c.metrics.IncFinalizationErrors()
	wrapped := fmt.Errorf("finalize: %s: %w", step, err)
	if c.events != nil {
		c.events.Publish(EventFinalizeFailed, map[string]string{"step": step, "error": err.Error()})
	}
	c.log.Error("finalize aborted", slog.String("step", step), slog.String("error", err.Error()))
	return wrapped
}

func (c *Coordinator) setState(s CoordinatorState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.events != nil {
		c.events.Publish(EventState, map[string]string{"coordinator": string(s)})
	}
}
