package agent

import (
	"bytes"
	"strings"
	"text/template"
)

const classifyTemplate = `Classify the user request into exactly one category.

GREETING: small talk, greetings, thanks, questions about the assistant itself.
INAPPROPRIATE: harmful, illegal or abusive requests.
RESEARCH: anything that needs information gathering.

Request: {{.Task}}

Answer with the single word GREETING, INAPPROPRIATE or RESEARCH.`

const greetingTemplate = `You are a research assistant. Reply briefly and politely to:

{{.Task}}

Mention that you can research topics in depth if asked.`

const planTemplate = `You are a research planner. Break the research task into focused subtasks.

Task: {{.Task}}
{{- if .Previous}}

Current plan (version {{.Previous.Version}}):
{{- range .Previous.Subtasks}}
- [{{.Status}}] {{.Description}}{{if .Reason}} ({{.Reason}}){{end}}
{{- end}}
{{- end}}
{{- if .Feedback}}

Reviewer feedback: {{.Feedback}}
{{- end}}
{{- if .Replan}}

The previous plan produced no usable results. Choose different angles and search queries.
{{- end}}

Available sources: {{join .Sources ", "}}.
Use at most {{.MaxSubtasks}} subtasks and at most {{.MaxQueries}} search queries per subtask.

Reply with JSON only:
{
  "research_goal": "...",
  "completion_criteria": "...",
  "sub_tasks": [
    {"description": "...", "search_queries": ["..."], "source": "..."}
  ]
}`

const summarizeTemplate = `Summarize the research findings below into a concise executive summary that answers the task.

Task: {{.Task}}

Findings:
{{- range .Findings}}
- {{.}}
{{- end}}`

var prompts = template.Must(template.New("prompts").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`{{define "classify"}}` + classifyTemplate + `{{end}}` +
	`{{define "greeting"}}` + greetingTemplate + `{{end}}` +
	`{{define "plan"}}` + planTemplate + `{{end}}` +
	`{{define "summarize"}}` + summarizeTemplate + `{{end}}`))

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
