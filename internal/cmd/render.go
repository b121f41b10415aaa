package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/Iron-Ham/ragents/internal/checkpoint"
	"github.com/Iron-Ham/ragents/internal/state"
)

const defaultWidth = 100

// palette is the set of styles used for terminal output. Without colour
// every style renders plain text.
type palette struct {
	title   lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	errText lipgloss.Style
	status  map[string]lipgloss.Style
	width   int
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newPalette(w io.Writer) palette {
	p := palette{status: map[string]lipgloss.Style{}, width: defaultWidth}
	if !isTerminal(w) {
		return p
	}
	if cols, _, err := term.GetSize(int(w.(*os.File).Fd())); err == nil && cols > 20 {
		p.width = cols
	}

	r := lipgloss.NewRenderer(w)
	p.title = r.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	p.label = r.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	p.muted = r.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	p.errText = r.NewStyle().Foreground(lipgloss.Color("#F87171"))
	p.status = map[string]lipgloss.Style{
		string(state.StatusRunning):          r.NewStyle().Foreground(lipgloss.Color("#60A5FA")),
		string(state.StatusAwaitingApproval): r.NewStyle().Foreground(lipgloss.Color("#FBBF24")).Bold(true),
		string(state.StatusCompleted):        r.NewStyle().Foreground(lipgloss.Color("#34D399")),
		string(state.StatusFailed):           r.NewStyle().Foreground(lipgloss.Color("#F87171")).Bold(true),
		string(state.SubtaskPending):         r.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		string(state.SubtaskDone):            r.NewStyle().Foreground(lipgloss.Color("#34D399")),
	}
	return p
}

func (p palette) statusText(s string) string {
	return p.styled(s, s)
}

// styled renders text in the colour of status.
func (p palette) styled(status, text string) string {
	if st, ok := p.status[status]; ok {
		return st.Render(text)
	}
	return text
}

// pad left-aligns s in a column of width cells, truncating with an
// ellipsis. Widths ignore escape sequences.
func pad(s string, width int) string {
	s = ansi.Truncate(s, width, "…")
	if gap := width - ansi.StringWidth(s); gap > 0 {
		s += strings.Repeat(" ", gap)
	}
	return s
}

var subtaskMarks = map[state.SubtaskStatus]string{
	state.SubtaskPending:    "○",
	state.SubtaskInProgress: "◐",
	state.SubtaskDone:       "●",
	state.SubtaskFailed:     "✗",
}

// renderState writes the status view of s.
func renderState(w io.Writer, p palette, s state.WorkflowState) {
	field := func(name, value string) {
		fmt.Fprintf(w, "%s %s\n", p.label.Render(pad(name+":", 12)), value)
	}

	fmt.Fprintln(w, p.title.Render("Run "+s.RunID))
	field("Status", p.statusText(string(s.Status)))
	field("Task", ansi.Truncate(s.Task, p.width-13, "…"))
	field("Revision", fmt.Sprint(s.Revision))
	field("Iterations", fmt.Sprintf("%d/%d", s.IterationCount, s.MaxIterations))
	if s.Cursor.Node != "" {
		node := s.Cursor.Node
		if s.Cursor.Hint != "" {
			node += " → " + s.Cursor.Hint
		}
		field("Last node", node)
	}
	field("Updated", s.UpdatedAt.Local().Format(time.DateTime))
	if s.LastError != "" {
		field("Error", p.errText.Render(s.LastError))
	}

	if s.Plan != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, p.title.Render(fmt.Sprintf("Plan v%d", s.Plan.Version))+" "+p.muted.Render(s.Plan.Goal))
		for _, st := range s.Plan.Subtasks {
			mark := p.styled(string(st.Status), subtaskMarks[st.Status])
			line := fmt.Sprintf("  %s %s %s", mark, pad(st.ID, 8), st.Description)
			fmt.Fprintln(w, ansi.Truncate(line, p.width, "…"))
			if st.Reason != "" {
				fmt.Fprintln(w, "      "+p.muted.Render(ansi.Truncate(st.Reason, p.width-6, "…")))
			}
		}
	}

	if s.HumanFeedback != nil {
		verdict := "rejected"
		if s.HumanFeedback.Approved {
			verdict = "approved"
		}
		fb := fmt.Sprintf("plan v%d %s", s.HumanFeedback.PlanVersion, verdict)
		if s.HumanFeedback.Comment != "" {
			fb += ": " + s.HumanFeedback.Comment
		}
		fmt.Fprintln(w)
		field("Feedback", fb)
	}

	fmt.Fprintln(w)
	field("Notes", fmt.Sprint(len(s.Notes)))
	if s.ReportDraft != "" {
		field("Report", fmt.Sprintf("%d bytes", len(s.ReportDraft)))
	}
}

// renderPlan writes the plan awaiting approval.
func renderPlan(w io.Writer, p palette, plan *state.Plan) {
	fmt.Fprintln(w, p.title.Render(fmt.Sprintf("Plan v%d: %s", plan.Version, plan.Goal)))
	if plan.CompletionCriteria != "" {
		fmt.Fprintln(w, p.muted.Render("Done when: "+plan.CompletionCriteria))
	}
	for i, st := range plan.Subtasks {
		fmt.Fprintf(w, "  %d. %s %s\n", i+1, st.Description, p.muted.Render("["+st.Source+"]"))
		for _, q := range st.Queries {
			fmt.Fprintf(w, "       %s %s\n", p.muted.Render("?"), q)
		}
	}
}

// renderRuns writes one row per run summary.
func renderRuns(w io.Writer, p palette, runs []checkpoint.Summary) {
	const (
		idWidth     = 36
		statusWidth = 17
		revWidth    = 4
		iterWidth   = 5
		timeWidth   = 19
	)
	taskWidth := max(p.width-idWidth-statusWidth-revWidth-iterWidth-timeWidth-10, 10)

	header := strings.Join([]string{
		pad("RUN", idWidth), pad("STATUS", statusWidth), pad("REV", revWidth),
		pad("ITER", iterWidth), pad("UPDATED", timeWidth), "TASK",
	}, "  ")
	fmt.Fprintln(w, p.label.Render(header))
	for _, r := range runs {
		fmt.Fprintln(w, strings.Join([]string{
			pad(r.RunID, idWidth),
			pad(p.statusText(string(r.Status)), statusWidth),
			pad(fmt.Sprint(r.Revision), revWidth),
			pad(fmt.Sprint(r.IterationCount), iterWidth),
			pad(r.UpdatedAt.Local().Format(time.DateTime), timeWidth),
			ansi.Truncate(r.Task, taskWidth, "…"),
		}, "  "))
	}
}
