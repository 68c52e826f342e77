package replay

import (
	"errors"
	"log/slog"
	"math"
	"sync"

	"replay-buffer/internal/platform/config"
	"replay-buffer/internal/platform/metrics"
)

// Publisher receives registry and session events. events.Hub implements it.
type Publisher interface {
	Publish(kind string, data any)
}

// Event kinds published by this package.
const (
	EventSegmentAdded    = "segment_added"
	EventSegmentEvicted  = "segment_evicted"
	EventState           = "state"
	EventFinalizeStarted = "finalize_started"
	EventFinalizeDone    = "finalize_done"
	EventFinalizeFailed  = "finalize_failed"
)

// Limits bounds the replay window.
type Limits struct {
	// MaxSeconds is target window + one segment + epsilon.
	MaxSeconds float64
	// MaxSegments caps the window length; <= 0 disables the cap.
	MaxSegments int
}

// LimitsFromConfig derives window limits from the session configuration.
func LimitsFromConfig(cfg config.Config) Limits {
	return Limits{MaxSeconds: cfg.WindowBound(), MaxSegments: cfg.MaxSegments()}
}

// Registry is the concurrency-safe replay window. It is the only owner of the
// segment list and the next id; every read and write goes through mu.
type Registry struct {
	mu     sync.Mutex
	limits Limits
	store  Store

	window       []Segment
	total        float64
	nextID       SegmentID
	lastFilename string

	pins     int
	deferred []string

	log     *slog.Logger
	metrics *metrics.Metrics
	events  Publisher
}

// NewRegistry constructs an empty window. m and pub may be nil.
func NewRegistry(limits Limits, store Store, log *slog.Logger, m *metrics.Metrics, pub Publisher) *Registry {
	return &Registry{
		limits:  limits,
		store:   store,
		log:     log,
		metrics: m,
		events:  pub,
	}
}

// Add appends a completed segment and evicts from the front until the window
// is back within its limits. A filename that is the most recent one or is
// still in the window is ignored, as is a duration that is negative or not
// finite; neither consumes an id. added reports whether the segment was kept.
func (r *Registry) Add(filename string, duration float64) (id SegmentID, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !validDuration(duration) {
		r.log.Warn("segment with invalid duration ignored",
			slog.String("filename", filename),
			slog.Float64("duration", duration))
		return r.nextID - 1, false
	}
	if filename == r.lastFilename || r.inWindowLocked(filename) {
		r.metrics.IncDuplicateSegments()
		r.log.Debug("duplicate segment ignored", slog.String("filename", filename))
		return r.nextID - 1, false
	}

	seg := Segment{ID: r.nextID, Filename: filename, Duration: duration}
	r.nextID++
	r.lastFilename = filename
	r.window = append(r.window, seg)
	r.total += duration
	r.metrics.IncSegmentsAdded()

	r.log.Debug("segment added",
		slog.Int64("segment_id", int64(seg.ID)),
		slog.String("filename", filename),
		slog.Float64("duration", duration))
	if r.events != nil {
		r.events.Publish(EventSegmentAdded, seg)
	}

	for r.overLimitLocked() {
		r.evictOldestLocked()
	}
	if len(r.window) == 0 {
		r.log.Warn("segment longer than the whole window was evicted immediately",
			slog.String("filename", filename),
			slog.Float64("duration", duration),
			slog.Float64("max_seconds", r.limits.MaxSeconds))
	}

	r.metrics.SetWindow(len(r.window), r.total)
	return seg.ID, true
}

// Snapshot returns a copy of the window, oldest first.
func (r *Registry) Snapshot() []Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Pin returns a snapshot whose files stay on disk until release is called.
// Evictions that happen while pinned still shrink the window; only their
// file deletions wait. release is safe to call more than once.
func (r *Registry) Pin() (segments []Segment, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pins++
	var once sync.Once
	return r.snapshotLocked(), func() {
		once.Do(r.unpin)
	}
}

// CurrentNextID is the id the next added segment will get.
func (r *Registry) CurrentNextID() SegmentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID
}

// TotalDuration is the summed duration of the window in seconds.
func (r *Registry) TotalDuration() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Len is the number of segments in the window.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.window)
}

func (r *Registry) unpin() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pins--
	if r.pins > 0 {
		return
	}
	pending := r.deferred
	r.deferred = nil
	for _, name := range pending {
		// The encoder may have wrapped around to this name meanwhile.
		if r.inWindowLocked(name) {
			continue
		}
		r.removeFileLocked(name)
	}
}

func (r *Registry) snapshotLocked() []Segment {
	if len(r.window) == 0 {
		return nil
	}
	out := make([]Segment, len(r.window))
	copy(out, r.window)
	return out
}

func (r *Registry) overLimitLocked() bool {
	if len(r.window) == 0 {
		return false
	}
	if r.total > r.limits.MaxSeconds {
		return true
	}
	return r.limits.MaxSegments > 0 && len(r.window) > r.limits.MaxSegments
}

// evictOldestLocked drops the front segment. Caller must hold r.mu.
func (r *Registry) evictOldestLocked() {
	oldest := r.window[0]
	r.window[0] = Segment{}
	r.window = r.window[1:]
	r.total -= oldest.Duration
	if len(r.window) == 0 {
		r.total = 0
	}
	r.metrics.IncSegmentsEvicted()

	r.log.Debug("segment evicted",
		slog.Int64("segment_id", int64(oldest.ID)),
		slog.String("filename", oldest.Filename))
	if r.events != nil {
		r.events.Publish(EventSegmentEvicted, oldest)
	}

	if r.pins > 0 {
		r.deferred = append(r.deferred, oldest.Filename)
		return
	}
	r.removeFileLocked(oldest.Filename)
}

func (r *Registry) removeFileLocked(name string) {
	if r.store == nil {
		return
	}
	err := r.store.Remove(name)
	switch {
	case err == nil:
	case errors.Is(err, ErrSegmentMissing):
		r.log.Warn("evicted segment file already missing", slog.String("filename", name))
	default:
		r.log.Error("delete evicted segment failed",
			slog.String("filename", name),
			slog.String("error", err.Error()))
	}
}

func (r *Registry) inWindowLocked(name string) bool {
	for _, s := range r.window {
		if s.Filename == name {
			return true
		}
	}
	return false
}

// validDuration rejects NaN, infinities and negative values, any of which
// would break the window's duration bound.
func validDuration(d float64) bool {
	return !math.IsNaN(d) && !math.IsInf(d, 0) && d >= 0
}
