package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ragents/internal/errors"
)

var deleteCmd = &cobra.Command{
	Use:     "delete <run-id>...",
	Aliases: []string{"rm"},
	Short:   "Delete finished runs",
	Long: `Delete every checkpoint of the given runs. Only completed or failed runs
can be deleted; cancel a paused run first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
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
	for _, runID := range args {
		cp, err := a.store.Load(ctx, runID)
		if err != nil {
			return err
		}
		if !cp.State.Status.IsTerminal() {
			return errors.NewInvalidStateError(runID, string(cp.State.Status), "only finished runs can be deleted")
		}
		if err := a.store.Delete(ctx, runID); err != nil {
			return err
		}
		a.logger.WithRun(runID).Info("run deleted", "revision", cp.Revision)
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", runID)
	}
	return nil
}
