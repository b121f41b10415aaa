package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ragents/internal/state"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused or interrupted run",
	Long: `Resume a run from its latest checkpoint and follow it.

A run awaiting plan approval needs a decision: --approve accepts the plan,
--feedback without --approve sends the plan back to the planner with your
comments. On a terminal you may omit both and answer the prompt instead.

A run left running by a process that exited is picked up from the node it
was about to execute.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var (
	resumeApprove     bool
	resumeFeedback    string
	resumeAutoApprove bool
	resumeOutput      string
)

func init() {
	rootCmd.AddCommand(resumeCmd)

	resumeCmd.Flags().BoolVar(&resumeApprove, "approve", false, "Approve the plan the run is paused on")
	resumeCmd.Flags().StringVar(&resumeFeedback, "feedback", "", "Comment for the planner; rejects the plan unless --approve is set")
	resumeCmd.Flags().BoolVar(&resumeAutoApprove, "auto-approve", false, "Approve later plans without asking")
	resumeCmd.Flags().StringVarP(&resumeOutput, "output", "o", "", "Write the report to this file")
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openEngine(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	a.serveMetrics(ctx)

	s, err := a.engine.GetState(ctx, runID)
	if err != nil {
		return err
	}
	opts := followOptions{
		in:          cmd.InOrStdin(),
		out:         cmd.OutOrStdout(),
		progress:    cmd.ErrOrStderr(),
		autoApprove: resumeAutoApprove,
	}

	switch s.Status {
	case state.StatusAwaitingApproval:
		if err := a.gate.Hold(s); err != nil {
			return err
		}
		decided := resumeApprove || resumeFeedback != ""
		switch {
		case resumeApprove:
			err = a.gate.Approve(ctx, runID, resumeFeedback)
		case resumeFeedback != "":
			err = a.gate.Reject(ctx, runID, resumeFeedback)
		}
		if err != nil {
			return err
		}
		if decided {
			fmt.Fprintf(cmd.ErrOrStderr(), "Run %s resumed from plan v%d\n", runID, s.PlanVersion())
		}
	case state.StatusRunning:
		if resumeApprove || resumeFeedback != "" {
			return fmt.Errorf("run %s is not awaiting approval", runID)
		}
		if err := a.engine.ResumeRun(ctx, runID, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Run %s resumed at %s\n", runID, s.Cursor.Node)
	default:
		return fmt.Errorf("run %s has already %s", runID, s.Status)
	}

	// An undecided pause falls through to the prompt, or prints how to
	// decide when nobody can answer.
	final, err := a.follow(ctx, runID, opts)
	if err != nil {
		return err
	}
	return finishRun(cmd, final, resumeOutput)
}
