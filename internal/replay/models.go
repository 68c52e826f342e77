package replay

import "time"

// SegmentID is the recorder's own monotonically increasing segment number.
// It doubles as the encoder's segment start index after a restart.
type SegmentID int64

// Segment is one completed media chunk retained in the replay window.
type Segment struct {
	ID       SegmentID `json:"id"`
	Filename string    `json:"filename"`
	Duration float64   `json:"duration"`
}

// ManifestEntry is a (filename, duration) pair parsed from the tail of the
// encoder's manifest. It is folded into the registry and then forgotten.
type ManifestEntry struct {
	Filename string
	Duration float64
}

// FinalizationRequest asks for the current window to be saved. At names the output.
type FinalizationRequest struct {
	At time.Time
}

// CoordinatorState is the finalize cycle state machine.
type CoordinatorState string

const (
	StateIdle      CoordinatorState = "idle"
	StateStopping  CoordinatorState = "stopping"
	StateDraining  CoordinatorState = "draining"
	StateMerging   CoordinatorState = "merging"
	StateRestarted CoordinatorState = "restarted"
)

// SessionState is the top-level recording loop state.
type SessionState string

const (
	SessionStarting   SessionState = "starting"
	SessionCapturing  SessionState = "capturing"
	SessionFinalizing SessionState = "finalizing"
	SessionStopped    SessionState = "stopped"
)
