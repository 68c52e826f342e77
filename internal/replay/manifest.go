package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"replay-buffer/internal/platform/metrics"
)

const (
	extinfTag  = "#EXTINF:"
	endListTag = "#EXT-X-ENDLIST"
)

// ParseManifestTail extracts the newest entry from the encoder's manifest.
// When the last line is the end-of-stream marker the entry sits one line
// higher. Blank lines are ignored.
func ParseManifestTail(lines []string) (ManifestEntry, error) {
	trimmed := make([]string, 0, len(lines))
	for _, l := range lines {
		if s := strings.TrimSpace(l); s != "" {
			trimmed = append(trimmed, s)
		}
	}

	offset := 0
	if n := len(trimmed); n > 0 && strings.HasPrefix(trimmed[n-1], endListTag) {
		offset = 1
	}

	fileIdx := len(trimmed) - 1 - offset
	tagIdx := fileIdx - 1
	if tagIdx < 0 {
		return ManifestEntry{}, fmt.Errorf("%w: need a duration tag and a filename, have %d lines", ErrMalformedManifest, len(trimmed))
	}

	filename := trimmed[fileIdx]
	if strings.HasPrefix(filename, "#") {
		return ManifestEntry{}, fmt.Errorf("%w: expected filename, got %q", ErrMalformedManifest, filename)
	}

	tag := trimmed[tagIdx]
	if !strings.HasPrefix(tag, extinfTag) {
		return ManifestEntry{}, fmt.Errorf("%w: expected %s before %q, got %q", ErrMalformedManifest, extinfTag, filename, tag)
	}
	value := strings.TrimPrefix(tag, extinfTag)
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = value[:i]
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || !validDuration(duration) {
		return ManifestEntry{}, fmt.Errorf("%w: bad duration %q", ErrMalformedManifest, value)
	}

	return ManifestEntry{Filename: filename, Duration: duration}, nil
}

// Backoff is a bounded exponential retry policy.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// delay returns the wait before retry n (1-based).
func (b Backoff) delay(n int) time.Duration {
	d := b.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// ManifestReader reads the encoder's manifest, retrying transient failures
// (the writer holding the file, a half-written tail) with bounded backoff.
type ManifestReader struct {
	path    string
	backoff Backoff
	log     *slog.Logger
	metrics *metrics.Metrics

	// readFile is swapped in tests to simulate a locked file.
	readFile func(string) ([]byte, error)
}

// NewManifestReader returns a reader for the manifest at path. m may be nil.
func NewManifestReader(path string, backoff Backoff, log *slog.Logger, m *metrics.Metrics) *ManifestReader {
	if backoff.Attempts < 1 {
		backoff.Attempts = 1
	}
	return &ManifestReader{
		path:     path,
		backoff:  backoff,
		log:      log,
		metrics:  m,
		readFile: os.ReadFile,
	}
}

// Path is the manifest location.
func (m *ManifestReader) Path() string {
	return m.path
}

// ReadTail reads the manifest and parses its newest entry. Read errors and
// malformed tails are retried; the last error is returned once attempts run out.
func (m *ManifestReader) ReadTail(ctx context.Context) (ManifestEntry, error) {
	var lastErr error
	for attempt := 1; attempt <= m.backoff.Attempts; attempt++ {
		if attempt > 1 {
			m.metrics.IncManifestRetries()
			wait := m.backoff.delay(attempt - 1)
			m.log.Debug("manifest read retry",
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", lastErr.Error()))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ManifestEntry{}, ctx.Err()
			case <-t.C:
			}
		}

		data, err := m.readFile(m.path)
		if err != nil {
			lastErr = fmt.Errorf("reading manifest: %w", err)
			continue
		}
		entry, err := ParseManifestTail(splitLines(data))
		if err != nil {
			lastErr = err
			continue
		}
		return entry, nil
	}
	m.metrics.IncManifestDropped()
	return ManifestEntry{}, lastErr
}

// IsMalformed reports whether err came from a bad manifest tail rather than I/O.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedManifest)
}

func splitLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
