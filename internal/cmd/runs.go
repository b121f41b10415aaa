package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ragents/internal/checkpoint"
	"github.com/Iron-Ham/ragents/internal/state"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stored runs",
	Long: `List every run with a checkpoint, most recently updated first.

--filter takes a glob matched against the run ID and the task, for
example 'quantum*' or '*battery*'.`,
	Args: cobra.NoArgs,
	RunE: runRuns,
}

var (
	runsFilter string
	runsStatus []string
)

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.Flags().StringVarP(&runsFilter, "filter", "f", "", "Glob matched against run ID or task")
	runsCmd.Flags().StringSliceVarP(&runsStatus, "status", "s", nil, "Only show runs with these statuses")
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openStore(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.store.List(cmd.Context())
	if err != nil {
		return err
	}
	list, err = filterRuns(list, runsFilter, runsStatus)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}
	renderRuns(out, newPalette(out), list)
	return nil
}

// filterRuns keeps the runs matching pattern and statuses, newest first.
func filterRuns(list []checkpoint.Summary, pattern string, statuses []string) ([]checkpoint.Summary, error) {
	var g glob.Glob
	if pattern != "" {
		var err error
		if g, err = glob.Compile(strings.ToLower(pattern)); err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
		}
	}
	for _, st := range statuses {
		if !state.Status(st).Valid() {
			return nil, fmt.Errorf("unknown status %q", st)
		}
	}

	out := make([]checkpoint.Summary, 0, len(list))
	for _, r := range list {
		if len(statuses) > 0 && !slices.Contains(statuses, string(r.Status)) {
			continue
		}
		if g != nil && !g.Match(strings.ToLower(r.RunID)) && !g.Match(strings.ToLower(r.Task)) {
			continue
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(x, y checkpoint.Summary) int {
		return y.UpdatedAt.Compare(x.UpdatedAt)
	})
	return out, nil
}
