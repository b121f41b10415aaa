package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a paused or interrupted run",
	Long: `Mark a run as failed with reason "cancelled". Its checkpoints are kept.

A run executing in another process is stopped by interrupting that
process instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	runID := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openEngine(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.CancelRun(cmd.Context(), runID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s cancelled\n", runID)
	return nil
}
