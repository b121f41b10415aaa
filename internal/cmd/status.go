package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ragents/internal/checkpoint"
	"github.com/Iron-Ham/ragents/internal/errors"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of a run",
	Long: `Display the latest checkpoint of a run: its status, plan, feedback and
progress.

With the sqlite checkpoint backend older revisions are retained and can
be shown with --revision, or listed with --history.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var (
	statusJSON     bool
	statusReport   bool
	statusRevision int64
	statusHistory  bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the checkpoint as JSON")
	statusCmd.Flags().BoolVar(&statusReport, "report", false, "Print only the report")
	statusCmd.Flags().Int64Var(&statusRevision, "revision", 0, "Show this retained revision instead of the latest (sqlite backend)")
	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "List retained revisions (sqlite backend)")
	statusCmd.MarkFlagsMutuallyExclusive("json", "report", "history")
}

// revisionStore is implemented by backends that retain old revisions.
type revisionStore interface {
	LoadRevision(ctx context.Context, runID string, revision int64) (checkpoint.Checkpoint, error)
	Revisions(ctx context.Context, runID string) ([]int64, error)
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openStore(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	revs, hasRevisions := a.backing.(revisionStore)
	if (statusHistory || statusRevision != 0) && !hasRevisions {
		return fmt.Errorf("the %s checkpoint backend does not retain revisions", cfg.Checkpoint.Backend)
	}

	if statusHistory {
		list, err := revs.Revisions(ctx, runID)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return fmt.Errorf("run %s: %w", runID, errors.ErrCheckpointNotFound)
		}
		for _, rev := range list {
			fmt.Fprintln(out, rev)
		}
		return nil
	}

	var cp checkpoint.Checkpoint
	if statusRevision != 0 {
		cp, err = revs.LoadRevision(ctx, runID, statusRevision)
	} else {
		cp, err = a.store.Load(ctx, runID)
	}
	if err != nil {
		return err
	}

	switch {
	case statusJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cp)
	case statusReport:
		if cp.State.ReportDraft == "" {
			return fmt.Errorf("run %s has no report yet (status %s)", runID, cp.State.Status)
		}
		fmt.Fprintln(out, cp.State.ReportDraft)
		return nil
	default:
		renderState(out, newPalette(out), cp.State)
		return nil
	}
}
