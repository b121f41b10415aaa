package cmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ragents/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "View engine logs",
	Long: `View and filter the engine log, including rotated backups.

Examples:
  # Show the last 50 records
  ragents logs

  # Show every record of one run
  ragents logs 1f0c... -n 0

  # Warnings and errors of the researcher in the last hour
  ragents logs --level warn --node researcher --since 1h

  # Export a run as CSV
  ragents logs 1f0c... -n 0 --format csv > run.csv`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

var (
	logsTail   int
	logsLevel  string
	logsNode   string
	logsSince  string
	logsGrep   string
	logsFormat string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of records to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsNode, "node", "", "Only records of this graph node")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show records since a duration ago (e.g., 1h, 30m) or an RFC 3339 time")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only records whose message contains this text")
	logsCmd.Flags().StringVar(&logsFormat, "format", logging.FormatText, "Output format (text, json, csv)")
}

// parseSince accepts a duration before now or an absolute RFC 3339 time.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: use a duration like 1h or an RFC 3339 time", s)
	}
	return t, nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	since, err := parseSince(logsSince, time.Now())
	if err != nil {
		return err
	}
	level := strings.ToUpper(logsLevel)
	if level != "" && !slices.Contains(logging.ValidLevels(), level) {
		return fmt.Errorf("invalid --level %q", logsLevel)
	}

	entries, err := logging.ReadLogs(cfg.Paths.LogDir())
	if err != nil {
		return err
	}
	f := logging.Filter{Level: level, Node: logsNode, Since: since, Contains: logsGrep}
	if len(args) > 0 {
		f.RunID = args[0]
	}
	entries = logging.FilterLogs(entries, f)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	return logging.Export(cmd.OutOrStdout(), entries, logsFormat)
}
