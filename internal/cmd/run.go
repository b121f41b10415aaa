package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ragents/internal/event"
	"github.com/Iron-Ham/ragents/internal/state"
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Start a research run",
	Long: `Start a research run and follow it until it completes, fails or pauses
for plan approval.

On a terminal you are asked to approve or revise the plan. Otherwise the
run stays paused and can be resumed with 'ragents resume'. Ctrl-C cancels
the run; its last checkpoint is kept.

The report is written to stdout, or to the --output file. Progress goes
to stderr.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runAutoApprove bool
	runOutput      string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "Approve every plan without asking")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Write the report to this file")
	runCmd.Flags().Int("max-iterations", 0, "Maximum planner and researcher executions")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while the run executes (e.g. :9090)")
	bindFlag("engine.max_iterations", runCmd.Flags().Lookup("max-iterations"))
	runCmd.Flags().String("format", "", "Report format: markdown or html")
	bindFlag("metrics.addr", runCmd.Flags().Lookup("metrics-addr"))
	bindFlag("report.format", runCmd.Flags().Lookup("format"))
}

func runRun(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")
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

	runID, err := a.engine.StartRun(ctx, task, runConfig(cfg.Engine))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Run %s started\n", runID)

	s, err := a.follow(ctx, runID, followOptions{
		in:          cmd.InOrStdin(),
		out:         cmd.OutOrStdout(),
		progress:    cmd.ErrOrStderr(),
		autoApprove: runAutoApprove,
	})
	if err != nil {
		return err
	}
	return finishRun(cmd, s, runOutput)
}

// serveMetrics exposes /metrics until ctx is done when an address is set.
func (a *app) serveMetrics(ctx context.Context) {
	addr := a.cfg.Metrics.Addr
	if addr == "" {
		return
	}
	go func() {
		if err := a.metrics.Serve(ctx, addr); err != nil {
			a.logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", addr)
}

// finishRun reports the outcome of s. A failed run is an error.
func finishRun(cmd *cobra.Command, s state.WorkflowState, output string) error {
	stderr := cmd.ErrOrStderr()
	switch s.Status {
	case state.StatusCompleted:
		if output != "" {
			if err := os.WriteFile(output, []byte(s.ReportDraft), 0o644); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			fmt.Fprintf(stderr, "Report written to %s\n", output)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), s.ReportDraft)
		}
		fmt.Fprintf(stderr, "Run %s completed after %d iterations\n", s.RunID, s.IterationCount)
		return nil
	case state.StatusFailed:
		return fmt.Errorf("run %s failed: %s", s.RunID, s.LastError)
	case state.StatusAwaitingApproval:
		fmt.Fprintf(stderr, "Run %s is awaiting approval of plan v%d.\n", s.RunID, s.PlanVersion())
		fmt.Fprintf(stderr, "Resume with: ragents resume %s --approve  (or --feedback \"...\" to revise)\n", s.RunID)
		return nil
	default:
		fmt.Fprintf(stderr, "Run %s stopped while %s\n", s.RunID, s.Status)
		return nil
	}
}

type followOptions struct {
	in          io.Reader
	out         io.Writer // plan review
	progress    io.Writer // node progress
	autoApprove bool
}

// canPrompt reports whether a human can answer an approval prompt.
var canPrompt = func(in io.Reader, out io.Writer) bool {
	f, ok := in.(*os.File)
	return ok && isTerminal(f) && isTerminal(out)
}

// follow prints the progress of runID and handles approval pauses until the
// run ends, or pauses with nobody to ask. Cancelling ctx cancels the run.
func (a *app) follow(ctx context.Context, runID string, opts followOptions) (state.WorkflowState, error) {
	p := newPalette(opts.progress)
	sub := a.bus.SubscribeRun(runID, progressPrinter(opts.progress, p))
	defer a.bus.Unsubscribe(sub)

	var answers <-chan string // shared by every prompt of the run
	for {
		s, err := a.engine.Wait(ctx, runID)
		if ctx.Err() != nil {
			return a.cancelFollowed(runID, opts.progress)
		}
		if err != nil {
			return s, err
		}
		if s.Status != state.StatusAwaitingApproval {
			return s, nil
		}

		switch {
		case opts.autoApprove:
			fmt.Fprintf(opts.progress, "Plan v%d approved automatically\n", s.PlanVersion())
			err = a.gate.Approve(ctx, runID, "auto-approved")
		case canPrompt(opts.in, opts.out):
			if answers == nil {
				answers = readLines(opts.in)
			}
			err = a.review(ctx, s, opts.out, answers)
		default:
			if s.Plan != nil {
				renderPlan(opts.out, newPalette(opts.out), s.Plan)
			}
			return s, nil
		}
		if ctx.Err() != nil {
			return a.cancelFollowed(runID, opts.progress)
		}
		if err != nil {
			return s, err
		}
	}
}

// readLines delivers the lines of r until EOF. The reader goroutine ends
// with the process when nobody consumes the remaining input.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

// review asks the user to approve or revise the plan of s.
func (a *app) review(ctx context.Context, s state.WorkflowState, out io.Writer, lines <-chan string) error {
	renderPlan(out, newPalette(out), s.Plan)

	for {
		fmt.Fprint(out, "\nApprove this plan? [y]es, [n]o, or type feedback to revise it: ")
		var answer string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return fmt.Errorf("no answer for plan v%d of run %s", s.PlanVersion(), s.RunID)
			}
			answer = strings.TrimSpace(line)
		}

		switch strings.ToLower(answer) {
		case "":
			continue
		case "y", "yes":
			return a.gate.Approve(ctx, s.RunID, "")
		case "n", "no":
			return a.gate.Reject(ctx, s.RunID, "")
		default:
			return a.gate.Reject(ctx, s.RunID, answer)
		}
	}
}

// cancelFollowed cancels an interrupted run and returns its final state.
// The node in flight finishes first, so the wait is bounded by the node
// timeout; past it the run is abandoned to Close.
func (a *app) cancelFollowed(runID string, w io.Writer) (state.WorkflowState, error) {
	fmt.Fprintln(w, "\nInterrupted, cancelling run after the current step...")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Engine.PerNodeTimeout+10*time.Second)
	defer cancel()
	if err := a.engine.CancelRun(ctx, runID); err != nil {
		a.logger.Warn("cancel run", "run_id", runID, "error", err)
	}
	return a.engine.Wait(ctx, runID)
}

// progressPrinter writes one line per node transition of a run.
func progressPrinter(w io.Writer, p palette) event.Handler {
	return func(e event.Event) {
		switch ev := e.(type) {
		case event.NodeStartedEvent:
			fmt.Fprintf(w, "%s %s %s\n", p.muted.Render("→"), ev.Node, p.muted.Render(fmt.Sprintf("(iteration %d)", ev.Iteration)))
		case event.NodeCompletedEvent:
			hint := ""
			if ev.Hint != "" {
				hint = " → " + ev.Hint
			}
			fmt.Fprintf(w, "%s %s%s %s\n", p.styled(string(state.StatusCompleted), "✓"), ev.Node, hint,
				p.muted.Render(ev.Duration.Round(time.Millisecond).String()))
		case event.NodeRetryEvent:
			fmt.Fprintf(w, "%s %s attempt %d failed, retrying in %s: %s\n", p.styled(string(state.StatusAwaitingApproval), "↻"),
				ev.Node, ev.Attempt, ev.Delay.Round(time.Millisecond), ev.Error)
		case event.RunPausedEvent:
			fmt.Fprintf(w, "%s plan v%d with %d subtasks awaiting approval\n",
				p.styled(string(state.StatusAwaitingApproval), "⏸"), ev.PlanVersion, ev.Subtasks)
		case event.RunFailedEvent:
			fmt.Fprintf(w, "%s failed at %s: %s\n", p.styled(string(state.StatusFailed), "✗"), ev.Node, ev.Reason)
		}
	}
}
