// Package cli holds the replayd command tree.
package cli

import (
	"github.com/spf13/cobra"

	"replay-buffer/internal/platform/config"
	"replay-buffer/internal/version"
)

// Dependencies are built in main before the command tree. Config comes
// from the environment and .env; flags on each command override it.
type Dependencies struct {
	Config *config.Config
}

// NewRootCmd assembles the command tree.
func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "replayd",
		Short: "Keep the last minutes of a screen capture and save them on demand",
		Long: "replayd records the screen into short segments, keeps a sliding window of the most recent ones " +
			"and stitches that window into a single file whenever a save is requested.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Version = version.Resolved()
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	rootCmd.AddCommand(NewRunCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))

	return rootCmd
}
