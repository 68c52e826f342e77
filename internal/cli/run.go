package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"replay-buffer/internal/encoder"
	"replay-buffer/internal/events"
	"replay-buffer/internal/fswatch"
	"replay-buffer/internal/platform/config"
	"replay-buffer/internal/platform/logger"
	"replay-buffer/internal/platform/metrics"
	"replay-buffer/internal/replay"
	"replay-buffer/internal/trigger"
)

const shutdownTimeout = 10 * time.Second

type runOptions struct {
	stdin    bool
	saveFile string
}

// NewRunCmd builds `replayd run`; flags override the environment config.
func NewRunCmd(deps *Dependencies) *cobra.Command {
	cfg := *deps.Config
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start recording into the replay buffer",
		Long: "Start capturing. Type s (or save) and Enter to save the buffer, q (or quit) to stop.\n" +
			"Saves can also be requested with POST /save, by creating the --save-file, and SIGINT/SIGTERM quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecorder(cmd, cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfg.OutputDir, "output-dir", "o", cfg.OutputDir, "directory for segments and saved replays")
	f.Float64Var(&cfg.SegmentDuration, "segment", cfg.SegmentDuration, "segment length in seconds")
	f.Float64Var(&cfg.BufferDuration, "buffer", cfg.BufferDuration, "replay window length in seconds")
	f.StringVar(&cfg.Naming, "naming", cfg.Naming, "output naming: timestamp or counter")
	f.StringVar(&cfg.FFmpegPath, "ffmpeg", cfg.FFmpegPath, "ffmpeg binary")
	f.StringVar(&cfg.CaptureArgs, "capture-args", cfg.CaptureArgs, "ffmpeg input arguments")
	f.StringVar(&cfg.VideoArgs, "video-args", cfg.VideoArgs, "ffmpeg codec arguments")
	f.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "control server address, empty to disable")
	f.BoolVar(&cfg.AbortOnFinalizeError, "abort-on-error", cfg.AbortOnFinalizeError, "stop recording when a save fails")
	f.BoolVar(&opts.stdin, "stdin", true, "read s/q commands from standard input")
	f.StringVar(&opts.saveFile, "save-file", "", "save whenever this file appears (it is removed afterwards)")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "how often --save-file is checked")
	f.DurationVar(&cfg.EncoderStopTimeout, "stop-timeout", cfg.EncoderStopTimeout, "kill ffmpeg if it has not exited this long after quit, 0 waits indefinitely")

	return cmd
}

// saveFilePoller watches path, resolved against the working directory, for
// save requests.
func saveFilePoller(path string, interval time.Duration, set *trigger.Set, log *slog.Logger) (trigger.Poller, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return trigger.Poller{}, fmt.Errorf("resolving save file %q: %w", path, err)
	}
	return trigger.Poller{
		Interval: interval,
		Check:    trigger.FileExists(abs),
		Fire:     trigger.ConsumeFile(abs, set, log),
	}, nil
}

func runRecorder(cmd *cobra.Command, cfg config.Config, opts runOptions) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := encoder.CheckFFmpeg(cfg.FFmpegPath); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	sessionID := uuid.NewString()
	log := logger.ForSession(logger.New(cfg.LogLevel, cfg.LogFormat), sessionID)

	met := metrics.New()
	hub := events.NewHub(sessionID, log)
	defer hub.Close()

	registry := replay.NewRegistry(replay.LimitsFromConfig(cfg), replay.NewDirStore(cfg.OutputDir), log, met, hub)
	reader := replay.NewManifestReader(cfg.ManifestPath(), replay.Backoff{
		Attempts: cfg.ManifestRetryAttempts,
		Initial:  cfg.ManifestRetryInitial,
		Max:      cfg.ManifestRetryMax,
	}, log, met)

	source, err := fswatch.New(cfg.OutputDir)
	if err != nil {
		return err
	}
	defer source.Close()

	coord := replay.NewCoordinator(registry, reader,
		encoder.NewMerger(cfg.FFmpegPath, log),
		replay.NewOutputNamer(cfg.OutputDir, cfg.Naming),
		cfg.ConcatListPath(), log, met, hub)

	triggers := trigger.NewSet()
	session := replay.NewSession(replay.SessionDeps{
		ID:                   sessionID,
		Registry:             registry,
		Reader:               reader,
		Source:               source,
		ManifestTempName:     cfg.ManifestTempName(),
		Coordinator:          coord,
		Launcher:             encoder.NewLauncher(cfg, log),
		Triggers:             triggers,
		AbortOnFinalizeError: cfg.AbortOnFinalizeError,
		Log:                  log,
		Metrics:              met,
		Events:               hub,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			log.Info("shutdown signal received, stopping capture")
			triggers.RequestQuit()
		case <-ctx.Done():
		}
	}()

	if opts.stdin {
		go func() {
			if err := trigger.ReadLines(ctx, cmd.InOrStdin(), triggers, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("reading commands", slog.String("error", err.Error()))
			}
		}()
	}
	if opts.saveFile != "" {
		poller, err := saveFilePoller(opts.saveFile, cfg.PollInterval, triggers, log)
		if err != nil {
			return err
		}
		go poller.Run(ctx)
	}

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: NewRouter(Routes{
				Handler: replay.NewHandler(session, triggers, log),
				Events:  hub,
				Metrics: met,
				Gauges: func() {
					met.SetWindow(registry.Len(), registry.TotalDuration())
				},
				FilesDir: cfg.OutputDir,
				Log:      log,
			}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("server error", slog.String("error", err.Error()))
				triggers.RequestQuit()
			}
		}()
	}

	log.Info("recorder starting",
		slog.String("output_dir", cfg.OutputDir),
		slog.Float64("segment_seconds", cfg.SegmentDuration),
		slog.Float64("buffer_seconds", cfg.BufferDuration),
		slog.Int("segment_wrap", cfg.SegmentWrap()),
		slog.String("http_addr", cfg.HTTPAddr))

	runErr := session.Run(ctx)

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", slog.String("error", err.Error()))
		}
	}
	return runErr
}
