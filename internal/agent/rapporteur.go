package agent

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"io"
	"strings"
	"text/template"

	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/llm"
	"github.com/Iron-Ham/ragents/internal/logging"
	"github.com/Iron-Ham/ragents/internal/state"
	"github.com/Iron-Ham/ragents/internal/util"
)

const (
	maxFindings      = 30
	findingSnippet   = 200
	noteSnippet      = 400
	minSummaryLength = 50
)

const reportTemplate = `# Research Report: {{.Task}}

**Goal:** {{.Goal}}

**Sources consulted:** {{len .References}}

## Summary

{{.Summary}}

## Findings
{{range .Sections}}
### {{.Description}}
{{range .Notes}}
- **{{.Title}}** (relevance {{printf "%.2f" .Relevance}}){{if .Ref}} [{{.Ref}}]{{end}}: {{.Snippet}}
{{- end}}
{{end}}
{{- if .Failed}}
## Open Questions
{{range .Failed}}
- {{.Description}}: {{.Reason}}
{{- end}}
{{end}}
## References
{{range $i, $r := .References}}
{{add $i 1}}. {{if $r.Title}}{{$r.Title}}{{else}}{{$r.URL}}{{end}}{{if $r.URL}} <{{$r.URL}}>{{end}}
{{- end}}
`

const htmlReportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Research Report: {{.Task}}</title>
<style>
body { font-family: sans-serif; max-width: 50em; margin: 2em auto; line-height: 1.5; }
.relevance { color: #666; font-size: 0.9em; }
</style>
</head>
<body>
<h1>Research Report: {{.Task}}</h1>
<p><strong>Goal:</strong> {{.Goal}}</p>
<p><strong>Sources consulted:</strong> {{len .References}}</p>
<h2>Summary</h2>
<p>{{.Summary}}</p>
<h2>Findings</h2>
{{- range .Sections}}
<h3>{{.Description}}</h3>
<ul>
{{- range .Notes}}
<li><strong>{{.Title}}</strong> <span class="relevance">(relevance {{printf "%.2f" .Relevance}})</span>{{if .Ref}} <a href="#ref-{{.Ref}}">[{{.Ref}}]</a>{{end}}: {{.Snippet}}</li>
{{- end}}
</ul>
{{- end}}
{{- if .Failed}}
<h2>Open Questions</h2>
<ul>
{{- range .Failed}}
<li>{{.Description}}: {{.Reason}}</li>
{{- end}}
</ul>
{{- end}}
<h2>References</h2>
<ol>
{{- range $i, $r := .References}}
<li id="ref-{{add $i 1}}">{{if $r.URL}}<a href="{{$r.URL}}">{{if $r.Title}}{{$r.Title}}{{else}}{{$r.URL}}{{end}}</a>{{else}}{{$r.Title}}{{end}}</li>
{{- end}}
</ol>
</body>
</html>
`

// Report formats the rapporteur can render.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// ReportFormats lists the accepted report formats.
func ReportFormats() []string {
	return []string{FormatMarkdown, FormatHTML}
}

func add(a, b int) int { return a + b }

// reportRenderer is satisfied by both text and html templates.
type reportRenderer interface {
	Execute(w io.Writer, data any) error
}

var reportRenderers = map[string]reportRenderer{
	FormatMarkdown: template.Must(template.New("report").Funcs(template.FuncMap{"add": add}).Parse(reportTemplate)),
	FormatHTML:     htmltemplate.Must(htmltemplate.New("report").Funcs(htmltemplate.FuncMap{"add": add}).Parse(htmlReportTemplate)),
}

type reportNote struct {
	Title     string
	Relevance float64
	Ref       int
	Snippet   string
}

type reportSection struct {
	Description string
	Notes       []reportNote
}

type reference struct {
	Title string
	URL   string
}

type reportData struct {
	Task       string
	Goal       string
	Summary    string
	Sections   []reportSection
	Failed     []state.Subtask
	References []reference
}

// RapporteurConfig selects how the report is rendered.
type RapporteurConfig struct {
	Format string // FormatMarkdown or FormatHTML
}

// Rapporteur writes the final report from the notes of done subtasks. It is
// the terminal node of the research graph.
type Rapporteur struct {
	gen      llm.Generator
	renderer reportRenderer
	logger   *logging.Logger
}

// NewRapporteur creates a Rapporteur. gen may be nil, in which case the
// summary falls back to a fixed text. An unknown format renders markdown.
func NewRapporteur(gen llm.Generator, cfg RapporteurConfig, logger *logging.Logger) *Rapporteur {
	if logger == nil {
		logger = logging.NopLogger()
	}
	renderer, ok := reportRenderers[strings.ToLower(cfg.Format)]
	if !ok {
		renderer = reportRenderers[FormatMarkdown]
	}
	return &Rapporteur{gen: gen, renderer: renderer, logger: logger.WithRole(string(state.RoleRapporteur))}
}

// Role implements Agent.
func (r *Rapporteur) Role() state.Role { return state.RoleRapporteur }

// Hints implements Agent. The rapporteur ends the run and routes nowhere.
func (r *Rapporteur) Hints() []string { return nil }

// Invoke implements Agent.
func (r *Rapporteur) Invoke(ctx context.Context, s state.WorkflowState) (Result, error) {
	if !s.AllSubtasksTerminal() {
		return Result{}, errors.NewPreconditionError("report requires every subtask to be done or failed").
			WithRole(string(state.RoleRapporteur))
	}
	done := s.SubtasksWithStatus(state.SubtaskDone)
	if len(done) == 0 {
		return Result{}, errors.NewPreconditionError("report requires at least one done subtask").
			WithRole(string(state.RoleRapporteur))
	}

	data := reportData{Task: s.Task, Goal: s.Plan.Goal, Failed: s.SubtasksWithStatus(state.SubtaskFailed)}
	if data.Goal == "" {
		data.Goal = s.Task
	}

	refIndex := make(map[string]int)
	var findings []string
	for _, st := range done {
		sec := reportSection{Description: st.Description}
		for _, n := range s.NotesFor(st.ID) {
			sec.Notes = append(sec.Notes, reportNote{
				Title:     orDefault(n.Title, n.Query),
				Relevance: n.Relevance,
				Ref:       data.addReference(refIndex, n),
				Snippet:   util.TruncateString(oneLine(n.Content), noteSnippet),
			})
			if len(findings) < maxFindings {
				findings = append(findings, fmt.Sprintf("%s: %s", orDefault(n.Title, n.Query), util.TruncateString(oneLine(n.Content), findingSnippet)))
			}
		}
		data.Sections = append(data.Sections, sec)
	}

	summary, err := r.summarize(ctx, s.Task, findings, len(done))
	if err != nil {
		return Result{}, err
	}
	data.Summary = summary

	var buf bytes.Buffer
	if err := r.renderer.Execute(&buf, data); err != nil {
		return Result{}, errors.NewFatalError("rendering report", err).WithRole(string(state.RoleRapporteur))
	}
	return Result{Delta: state.Delta{ReportDraft: state.Ptr(buf.String())}}, nil
}

// addReference returns the 1-based reference number of a note, adding it
// if no earlier note has the same URL, or the same title when neither has
// a URL.
func (d *reportData) addReference(index map[string]int, n state.Note) int {
	key := "url:" + n.SourceRef
	if n.SourceRef == "" {
		if n.Title == "" {
			return 0
		}
		key = "title:" + strings.ToLower(n.Title)
	}
	if ref, ok := index[key]; ok {
		return ref
	}
	d.References = append(d.References, reference{Title: n.Title, URL: n.SourceRef})
	index[key] = len(d.References)
	return len(d.References)
}

func (r *Rapporteur) summarize(ctx context.Context, task string, findings []string, done int) (string, error) {
	fallback := fmt.Sprintf("Research on %q covered %d subtask(s) and collected %d finding(s). See the findings and references below.",
		task, done, len(findings))
	if r.gen == nil || len(findings) == 0 {
		return fallback, nil
	}

	prompt, err := render("summarize", map[string]any{"Task": task, "Findings": findings})
	if err != nil {
		return "", errors.NewFatalError("rendering summary prompt", err)
	}
	out, err := r.gen.Generate(ctx, prompt, llm.WithTemperature(0.5), llm.WithMaxTokens(1200))
	if err != nil {
		if errors.IsRetryable(err) || ctx.Err() != nil {
			return "", err
		}
		r.logger.Warn("summary generation failed, using fallback", "error", err)
		return fallback, nil
	}
	if len(strings.TrimSpace(out)) < minSummaryLength {
		return fallback, nil
	}
	return strings.TrimSpace(out), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
