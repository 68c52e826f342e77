package config

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"
)

// File names used inside the output directory.
const (
	ManifestName      = "replay-segment-list.m3u8"
	ConcatListName    = "replay-concat.ffconcat"
	SegmentPattern    = "replay-seg%d.ts"
	EncoderLogName    = "ffmpeg.log"
	manifestTmpSuffix = ".tmp"
)

// Output naming schemes.
const (
	NamingTimestamp = "timestamp"
	NamingCounter   = "counter"
)

// Defaults mirror a five minute replay buffer cut into eight second segments.
const (
	DefaultSegmentSeconds = 8.0
	DefaultBufferSeconds  = 300.0
	DefaultEpsilonSeconds = 1.0
	DefaultPollInterval   = 50 * time.Millisecond
)

// DefaultCaptureArgs grabs the X11 display and the default PulseAudio source.
const DefaultCaptureArgs = "-f x11grab -i :0.0 -f pulse -i default"

// DefaultVideoArgs matches a low-latency software H.264 encode.
const DefaultVideoArgs = "-vcodec libx264 -pix_fmt yuv420p -preset ultrafast"

// Config is the immutable session configuration. It is built once at startup
// and passed by value to every component.
type Config struct {
	OutputDir       string
	SegmentDuration float64 // seconds
	BufferDuration  float64 // target window, seconds
	Epsilon         float64 // seconds of slack on top of one segment
	Naming          string

	FFmpegPath  string
	CaptureArgs string
	VideoArgs   string

	HTTPAddr     string // empty disables the control surface
	PollInterval time.Duration

	// EncoderStopTimeout bounds the wait for the encoder to exit after the
	// quit key before it is killed. Zero waits indefinitely.
	EncoderStopTimeout time.Duration

	ManifestRetryAttempts int
	ManifestRetryInitial  time.Duration
	ManifestRetryMax      time.Duration

	AbortOnFinalizeError bool

	LogLevel  string
	LogFormat string
}

// FromEnv assembles a Config from the environment, falling back to defaults.
func FromEnv() Config {
	return Config{
		OutputDir:             GetEnv("REPLAY_OUTPUT_DIR", "output"),
		SegmentDuration:       GetEnvFloat("REPLAY_SEGMENT_SECONDS", DefaultSegmentSeconds),
		BufferDuration:        GetEnvFloat("REPLAY_BUFFER_SECONDS", DefaultBufferSeconds),
		Epsilon:               GetEnvFloat("REPLAY_EPSILON_SECONDS", DefaultEpsilonSeconds),
		Naming:                GetEnv("REPLAY_OUTPUT_NAMING", NamingTimestamp),
		FFmpegPath:            GetEnv("REPLAY_FFMPEG", "ffmpeg"),
		CaptureArgs:           GetEnv("REPLAY_CAPTURE_ARGS", DefaultCaptureArgs),
		VideoArgs:             GetEnv("REPLAY_VIDEO_ARGS", DefaultVideoArgs),
		HTTPAddr:              GetEnv("REPLAY_HTTP_ADDR", "127.0.0.1:8080"),
		PollInterval:          GetEnvDuration("REPLAY_POLL_INTERVAL", DefaultPollInterval),
		EncoderStopTimeout:    GetEnvDuration("REPLAY_ENCODER_STOP_TIMEOUT", 0),
		ManifestRetryAttempts: GetEnvInt("REPLAY_MANIFEST_RETRY_ATTEMPTS", 8),
		ManifestRetryInitial:  GetEnvDuration("REPLAY_MANIFEST_RETRY_INITIAL", 10*time.Millisecond),
		ManifestRetryMax:      GetEnvDuration("REPLAY_MANIFEST_RETRY_MAX", 250*time.Millisecond),
		AbortOnFinalizeError:  GetEnvBool("REPLAY_ABORT_ON_FINALIZE_ERROR", false),
		LogLevel:              GetEnv("LOG_LEVEL", "info"),
		LogFormat:             GetEnv("LOG_FORMAT", "json"),
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.OutputDir == "":
		return errors.New("output directory must be set")
	case c.SegmentDuration <= 0:
		return fmt.Errorf("segment duration must be positive, got %v", c.SegmentDuration)
	case c.BufferDuration < c.SegmentDuration:
		return fmt.Errorf("buffer duration %v is shorter than one segment (%v)", c.BufferDuration, c.SegmentDuration)
	case c.Epsilon < 0:
		return fmt.Errorf("epsilon must not be negative, got %v", c.Epsilon)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	case c.EncoderStopTimeout < 0:
		return fmt.Errorf("encoder stop timeout must not be negative, got %v", c.EncoderStopTimeout)
	case c.ManifestRetryAttempts < 1:
		return fmt.Errorf("manifest retry attempts must be at least 1, got %d", c.ManifestRetryAttempts)
	}
	switch strings.ToLower(c.Naming) {
	case NamingTimestamp, NamingCounter:
	default:
		return fmt.Errorf("unknown output naming %q (want %q or %q)", c.Naming, NamingTimestamp, NamingCounter)
	}
	return nil
}

// BufferSegments is the nominal number of segments in a full window.
func (c Config) BufferSegments() int {
	n := int(math.Floor(c.BufferDuration / c.SegmentDuration))
	if n < 1 {
		return 1
	}
	return n
}

// MaxSegments caps the window length as headroom against coalesced notifications.
func (c Config) MaxSegments() int {
	return 2 * c.BufferSegments()
}

// WindowBound is the maximum total duration the window may hold after an add.
func (c Config) WindowBound() float64 {
	return c.BufferDuration + c.SegmentDuration + c.Epsilon
}

// SegmentWrap is the encoder's filename wrap count. It is one larger than the
// longest possible window so no two retained segments share a file name.
func (c Config) SegmentWrap() int {
	return c.MaxSegments() + 1
}

// ManifestPath is where the encoder writes its segment list.
func (c Config) ManifestPath() string {
	return filepath.Join(c.OutputDir, ManifestName)
}

// ManifestTempName is the encoder's write-in-progress artifact for the manifest.
func (c Config) ManifestTempName() string {
	return ManifestName + manifestTmpSuffix
}

// ConcatListPath is where the merge input list is written.
func (c Config) ConcatListPath() string {
	return filepath.Join(c.OutputDir, ConcatListName)
}

// SegmentPathPattern is the encoder's numbered segment output template.
func (c Config) SegmentPathPattern() string {
	return filepath.Join(c.OutputDir, SegmentPattern)
}
