// Package encoder drives the ffmpeg processes that cut the capture into
// segments and stitch a saved window back together.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"replay-buffer/internal/platform/config"
	"replay-buffer/internal/replay"
)

// CheckFFmpeg reports whether the ffmpeg binary can be found.
func CheckFFmpeg(path string) error {
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("ffmpeg not found at %q: %w", path, err)
	}
	return nil
}

// Version returns the first line of `ffmpeg -version`.
func Version(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, path, "-hide_banner", "-version").Output()
	if err != nil {
		return "", fmt.Errorf("running %s -version: %w", path, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// BuildSegmentArgs returns the capture command line whose first segment is
// numbered startIndex.
func BuildSegmentArgs(cfg config.Config, startIndex replay.SegmentID) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, strings.Fields(cfg.CaptureArgs)...)
	args = append(args, strings.Fields(cfg.VideoArgs)...)
	args = append(args,
		"-f", "segment",
		"-segment_start_number", strconv.FormatInt(int64(startIndex), 10),
		"-segment_time", strconv.FormatFloat(cfg.SegmentDuration, 'f', -1, 64),
		"-segment_wrap", strconv.Itoa(cfg.SegmentWrap()),
		"-segment_list", cfg.ManifestPath(),
		"-segment_list_size", strconv.Itoa(cfg.BufferSegments()),
		cfg.SegmentPathPattern(),
	)
	return args
}

// BuildMergeArgs returns the stream-copy concat command line.
func BuildMergeArgs(listPath, outPath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-n", outPath,
	}
}

// Launcher starts segmenting ffmpeg processes.
type Launcher struct {
	cfg config.Config
	log *slog.Logger
}

// NewLauncher returns a launcher configured from cfg.
func NewLauncher(cfg config.Config, log *slog.Logger) *Launcher {
	return &Launcher{cfg: cfg, log: log}
}

// Start spawns ffmpeg with a stdin pipe for the quit key and stderr appended
// to the encoder log in the output directory. The process is not tied to
// ctx; callers end it with Stop.
func (l *Launcher) Start(ctx context.Context, startIndex replay.SegmentID) (replay.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(filepath.Join(l.cfg.OutputDir, config.EncoderLogName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening encoder log: %w", err)
	}

	args := BuildSegmentArgs(l.cfg, startIndex)
	cmd := exec.Command(l.cfg.FFmpegPath, args...)
	cmd.Stderr = logFile
	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting %s: %w", l.cfg.FFmpegPath, err)
	}

	l.log.Debug("encoder started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Int64("start_index", int64(startIndex)),
		slog.String("args", strings.Join(args, " ")))

	p := &Process{cmd: cmd, stdin: stdin, stopTimeout: l.cfg.EncoderStopTimeout, done: make(chan struct{}), log: l.log}
	go func() {
		p.err = cmd.Wait()
		logFile.Close()
		close(p.done)
	}()
	return p, nil
}

// Process is a running segmenting ffmpeg.
type Process struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stopTimeout time.Duration // zero waits indefinitely
	log         *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// Stop sends "q" so ffmpeg closes its in-flight segment and the manifest,
// then waits for it to exit. If ctx ends, or the configured stop timeout
// passes, the process is killed.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		if _, err := io.WriteString(p.stdin, "q"); err != nil && !errors.Is(err, os.ErrClosed) {
			p.log.Debug("encoder quit key", slog.String("error", err.Error()))
		}
		p.stdin.Close()
	})

	var timeout <-chan time.Time
	if p.stopTimeout > 0 {
		timer := time.NewTimer(p.stopTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.kill()
		<-p.done
		return ctx.Err()
	case <-timeout:
		p.log.Warn("encoder ignored quit, killing",
			slog.Int("pid", p.cmd.Process.Pid),
			slog.Duration("timeout", p.stopTimeout))
		p.kill()
		<-p.done
	}
	if p.err != nil {
		return fmt.Errorf("encoder exited: %w", p.err)
	}
	return nil
}

func (p *Process) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Warn("killing encoder", slog.String("error", err.Error()))
	}
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err is the exit error; only meaningful after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Merger stitches a concat list into one file without re-encoding.
type Merger struct {
	ffmpeg string
	log    *slog.Logger
}

// NewMerger returns a merger that runs the given ffmpeg binary.
func NewMerger(ffmpeg string, log *slog.Logger) *Merger {
	return &Merger{ffmpeg: ffmpeg, log: log}
}

// Merge runs the concat into a partial file next to outPath and links it
// into place, so an existing outPath is never overwritten or removed. A
// nonzero exit returns ffmpeg's combined output with the error.
func (m *Merger) Merge(ctx context.Context, listPath, outPath string) error {
	partial := filepath.Join(filepath.Dir(outPath), ".partial-"+filepath.Base(outPath))
	m.removePartial(partial) // left over from an interrupted run
	defer m.removePartial(partial)

	cmd := exec.CommandContext(ctx, m.ffmpeg, BuildMergeArgs(listPath, partial)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("merging %s: %w\n%s", filepath.Base(listPath), err, strings.TrimSpace(string(out)))
	}

	if err := os.Link(partial, outPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("output %s already exists: %w", outPath, err)
		}
		// Filesystems without hard links: fall back to a rename after checking.
		if _, statErr := os.Lstat(outPath); statErr == nil {
			return fmt.Errorf("output %s already exists", outPath)
		}
		if err := os.Rename(partial, outPath); err != nil {
			return fmt.Errorf("installing output: %w", err)
		}
	}
	return nil
}

func (m *Merger) removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.log.Warn("removing partial output", slog.String("path", path), slog.String("error", err.Error()))
	}
}
