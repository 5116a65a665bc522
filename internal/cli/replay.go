package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"budget-guard/internal/app"
)

var (
	replayPath    string
	replayWorkers int
	replayDryRun  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Feed a JSONL file of raw notification payloads through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayPath == "" {
			return errors.New("--file must be provided")
		}
		if replayWorkers <= 0 {
			return errors.New("--workers must be greater than zero")
		}

		opts := app.ReplayOptions{
			Path:    replayPath,
			Workers: replayWorkers,
			DryRun:  replayDryRun,
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayPath, "file", "", "Path to a JSONL file, one payload per line")
	replayCmd.Flags().IntVar(&replayWorkers, "workers", 4, "Concurrent workers")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Use the dry-run control plane")
}
