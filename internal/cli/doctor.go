package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"replay-buffer/internal/encoder"
)

// NewDoctorCmd builds `replayd doctor`, a prerequisite check.
func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg := *deps.Config
			ok := true

			if err := encoder.CheckFFmpeg(cfg.FFmpegPath); err != nil {
				check(out, "ffmpeg", false, err.Error())
				ok = false
			} else {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				v, err := encoder.Version(ctx, cfg.FFmpegPath)
				cancel()
				if err != nil {
					check(out, "ffmpeg", false, err.Error())
					ok = false
				} else {
					check(out, "ffmpeg", true, v)
				}
			}

			if err := cfg.Validate(); err != nil {
				check(out, "Configuration", false, err.Error())
				ok = false
			} else {
				check(out, "Configuration", true, fmt.Sprintf("%gs window of %gs segments, wrap %d",
					cfg.BufferDuration, cfg.SegmentDuration, cfg.SegmentWrap()))
			}

			if err := checkWritable(cfg.OutputDir); err != nil {
				check(out, "Output directory", false, err.Error())
				ok = false
			} else {
				check(out, "Output directory", true, cfg.OutputDir)
			}

			if cfg.HTTPAddr != "" {
				check(out, "Control server", true, cfg.HTTPAddr)
			} else {
				check(out, "Control server", true, "disabled")
			}

			if !ok {
				return errors.New("some prerequisites are missing")
			}
			fmt.Fprintln(out, "\nAll prerequisites met. Ready to record!")
			return nil
		},
	}
}

func check(w io.Writer, name string, ok bool, detail string) {
	mark := "ok  "
	if !ok {
		mark = "FAIL"
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", mark, name, detail)
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".replayd-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
