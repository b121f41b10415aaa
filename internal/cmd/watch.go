package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ragents/internal/checkpoint"
	"github.com/Iron-Ham/ragents/internal/config"
	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/state"
)

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Follow a run executing in another process",
	Long: `Print every checkpoint a run saves until it completes, fails or pauses
for approval. The run may be executing in any process sharing the data
directory. Requires the file checkpoint backend.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var watchUntilPaused bool

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchUntilPaused, "stop-on-pause", true, "Stop when the run pauses for approval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	runID := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Checkpoint.Backend != config.BackendFile {
		return fmt.Errorf("watch requires the %s checkpoint backend, not %s", config.BackendFile, cfg.Checkpoint.Backend)
	}
	a, err := openStore(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	fs, ok := a.backing.(*checkpoint.FileStore)
	if !ok {
		return fmt.Errorf("checkpoint store does not support watching")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	p := newPalette(out)
	err = fs.Watch(ctx, runID, func(cp checkpoint.Checkpoint) bool {
		s := cp.State
		line := fmt.Sprintf("rev %-4d %s  iter %d/%d", cp.Revision, p.statusText(string(s.Status)),
			s.IterationCount, s.MaxIterations)
		if s.Cursor.Node != "" {
			line += "  " + s.Cursor.Node
			if s.Cursor.Hint != "" {
				line += " → " + s.Cursor.Hint
			}
		}
		if s.Plan != nil {
			line += p.muted.Render(fmt.Sprintf("  plan v%d %d/%d done", s.Plan.Version, s.DoneCount(), len(s.Plan.Subtasks)))
		}
		fmt.Fprintln(out, line)

		if s.Status.IsTerminal() || (watchUntilPaused && s.Status == state.StatusAwaitingApproval) {
			fmt.Fprintln(out)
			renderState(out, p, s)
			return false
		}
		return true
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
