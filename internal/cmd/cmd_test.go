package cmd

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/ragents/internal/checkpoint"
	"github.com/Iron-Ham/ragents/internal/config"
	"github.com/Iron-Ham/ragents/internal/llm"
	"github.com/Iron-Ham/ragents/internal/state"
	"github.com/Iron-Ham/ragents/internal/testutil"
	"github.com/Iron-Ham/ragents/internal/tools"
)

const planJSON = `{"research_goal": "Compare ANN indexes", "completion_criteria": "Both index families covered", "sub_tasks": [
	{"description": "HNSW graphs", "search_queries": ["hnsw recall"]},
	{"description": "IVF partitions", "search_queries": ["ivf recall"]}
]}`

// fakeStack replaces the model and search collaborators for the duration
// of a test and returns the scripted generator.
func fakeStack(t *testing.T) *testutil.Generator {
	t.Helper()
	gen := testutil.NewGenerator(
		testutil.Reply{Match: "Classify", Text: "RESEARCH"},
		testutil.Reply{Match: "research planner", Text: planJSON},
		testutil.Reply{Match: "Summarize", Text: "HNSW trades memory for recall while IVF partitions the space into coarse cells."},
	)
	tool := testutil.NewSearchTool("tavily").
		Answer("hnsw recall", tools.Item{Title: "HNSW paper", URL: "https://arxiv.org/abs/1603.09320", Content: "hierarchical navigable small world graphs reach high recall", Score: 0.9}).
		Answer("ivf recall", tools.Item{Title: "IVF notes", URL: "https://example.com/ivf", Content: "inverted file indexes partition vectors into cells", Score: 0.8})

	prevGen, prevTools, prevPrompt := newGenerator, newSearchTools, canPrompt
	newGenerator = func(config.LLMConfig) (llm.Generator, error) { return gen, nil }
	newSearchTools = func(config.SearchConfig) []tools.Tool { return []tools.Tool{tool} }
	canPrompt = func(io.Reader, io.Writer) bool { return false }
	t.Cleanup(func() {
		newGenerator, newSearchTools, canPrompt = prevGen, prevTools, prevPrompt
	})

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("RAGENTS_ENGINE_BACKOFF_INITIAL", "1ms")
	t.Setenv("RAGENTS_ENGINE_BACKOFF_MAX", "2ms")
	return gen
}

// resetFlags restores every flag to its default so invocations sharing
// the global command tree do not leak into each other.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// executeCommand runs the root command with args against dataDir and
// returns the combined output.
func executeCommand(t *testing.T, dataDir string, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	viper.Reset()
	t.Cleanup(func() {
		resetFlags(rootCmd)
		viper.Reset()
	})

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetArgs(append([]string{"--data-dir", dataDir}, args...))
	err := rootCmd.Execute()
	return buf.String(), err
}

var startedRe = regexp.MustCompile(`Run ([0-9a-f-]{36}) started`)

func runID(t *testing.T, output string) string {
	t.Helper()
	m := startedRe.FindStringSubmatch(output)
	require.NotNil(t, m, "no run id in output:\n%s", output)
	return m[1]
}

func storedState(t *testing.T, dataDir, id string) state.WorkflowState {
	t.Helper()
	fs, err := checkpoint.NewFileStore(filepath.Join(dataDir, "runs"))
	require.NoError(t, err)
	cp, err := fs.Load(t.Context(), id)
	require.NoError(t, err)
	return cp.State
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "ragents", rootCmd.Use)

	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "resume", "status", "cancel", "runs", "delete", "watch", "graph", "config", "logs"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestRun_AutoApprove(t *testing.T) {
	fakeStack(t)
	dir := t.TempDir()
	report := filepath.Join(t.TempDir(), "report.md")

	out, err := executeCommand(t, dir, nil, "run", "--auto-approve", "-o", report, "approximate", "nearest", "neighbour", "indexes")
	require.NoError(t, err, out)

	assert.Contains(t, out, "Plan v1 approved automatically")
	assert.Contains(t, out, "Report written to "+report)
	assert.Contains(t, out, "planner")

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Research Report: approximate nearest neighbour indexes")
	assert.Contains(t, string(data), "https://arxiv.org/abs/1603.09320")

	s := storedState(t, dir, runID(t, out))
	assert.Equal(t, state.StatusCompleted, s.Status)
	assert.Equal(t, 2, s.DoneCount())
}

func TestRun_HTMLReport(t *testing.T) {
	fakeStack(t)
	dir := t.TempDir()
	report := filepath.Join(t.TempDir(), "report.html")

	out, err := executeCommand(t, dir, nil, "run", "--auto-approve", "--format", "html", "-o", report, "ANN <indexes>")
	require.NoError(t, err, out)

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	html := string(data)
	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
	assert.Contains(t, html, "<h1>Research Report: ANN &lt;indexes&gt;</h1>")
	assert.Contains(t, html, `<a href="https://arxiv.org/abs/1603.09320">`)

	_, err = executeCommand(t, dir, nil, "run", "--format", "pdf", "ANN indexes")
	assert.ErrorContains(t, err, "report.format")
}

func TestRun_PausesThenResume(t *testing.T) {
	fakeStack(t)
	dir := t.TempDir()

	out, err := executeCommand(t, dir, nil, "run", "ANN indexes")
	require.NoError(t, err, out)
	id := runID(t, out)
	assert.Contains(t, out, "Plan v1: Compare ANN indexes")
	assert.Contains(t, out, "ragents resume "+id)
	assert.Equal(t, state.StatusAwaitingApproval, storedState(t, dir, id).Status)

	out, err = executeCommand(t, dir, nil, "resume", id, "--approve")
	require.NoError(t, err, out)
	assert.Contains(t, out, "resumed from plan v1")
	assert.Contains(t, out, "# Research Report: ANN indexes")

	s := storedState(t, dir, id)
	assert.Equal(t, state.StatusCompleted, s.Status)
	require.NotNil(t, s.HumanFeedback)
	assert.True(t, s.HumanFeedback.Approved)

	_, err = executeCommand(t, dir, nil, "resume", id, "--approve")
	assert.ErrorContains(t, err, "has already completed")
}

func TestRun_InteractiveFeedback(t *testing.T) {
	gen := fakeStack(t)
	canPrompt = func(io.Reader, io.Writer) bool { return true }
	t.Setenv("RAGENTS_APPROVAL_MODE", "always")
	dir := t.TempDir()

	// Reject plan v1 with a comment, then approve plan v2.
	stdin := strings.NewReader("cover DiskANN too\n\ny\n")
	out, err := executeCommand(t, dir, stdin, "run", "ANN indexes")
	require.NoError(t, err, out)

	s := storedState(t, dir, runID(t, out))
	assert.Equal(t, state.StatusCompleted, s.Status)
	assert.Equal(t, 2, s.PlanVersion())
	// The blank answer repeats the question.
	assert.Equal(t, 3, strings.Count(out, "Approve this plan?"))

	var sawFeedback bool
	for _, p := range gen.Prompts() {
		if strings.Contains(p, "cover DiskANN too") {
			sawFeedback = true
		}
	}
	assert.True(t, sawFeedback, "planner never saw the reviewer comment")
}

func TestRun_InteractiveEOF(t *testing.T) {
	fakeStack(t)
	canPrompt = func(io.Reader, io.Writer) bool { return true }
	dir := t.TempDir()

	out, err := executeCommand(t, dir, strings.NewReader(""), "run", "ANN indexes")
	require.ErrorContains(t, err, "no answer for plan v1")
	assert.Equal(t, state.StatusAwaitingApproval, storedState(t, dir, runID(t, out)).Status)
}

func TestResume_Feedback(t *testing.T) {
	fakeStack(t)
	dir := t.TempDir()

	out, err := executeCommand(t, dir, nil, "run", "ANN indexes")
	require.NoError(t, err, out)
	id := runID(t, out)

	out, err = executeCommand(t, dir, nil, "resume", id, "--feedback", "split by dataset size")
	require.NoError(t, err, out)

	// The revised plan is not gated under first_plan.
	s := storedState(t, dir, id)
	assert.Equal(t, state.StatusCompleted, s.Status)
	assert.Equal(t, 2, s.PlanVersion())
}

func TestStatusRunsDelete(t *testing.T) {
	fakeStack(t)
	dir := t.TempDir()

	out, err := executeCommand(t, dir, nil, "run", "--auto-approve", "vector databases")
	require.NoError(t, err, out)
	id := runID(t, out)

	out, err = executeCommand(t, dir, nil, "status", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Run "+id)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "Plan v1")
	assert.Contains(t, out, "HNSW graphs")

	out, err = executeCommand(t, dir, nil, "status", id, "--report")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# Research Report: vector databases"))

	out, err = executeCommand(t, dir, nil, "status", id, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"schema": "ragents.checkpoint/v1"`)

	_, err = executeCommand(t, dir, nil, "status", id, "--history")
	assert.ErrorContains(t, err, "does not retain revisions")

	out, err = executeCommand(t, dir, nil, "runs")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "vector databases")

	out, err = executeCommand(t, dir, nil, "runs", "--filter", "*VECTOR*")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = executeCommand(t, dir, nil, "runs", "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found")

	out, err = executeCommand(t, dir, nil, "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted run "+id)

	_, err = executeCommand(t, dir, nil, "status", id)
	assert.Error(t, err)
}

func TestStatus_SQLiteHistory(t *testing.T) {
	fakeStack(t)
	t.Setenv("RAGENTS_CHECKPOINT_BACKEND", "sqlite")
	dir := t.TempDir()

	out, err := executeCommand(t, dir, nil, "run", "--auto-approve", "ANN indexes")
	require.NoError(t, err, out)
	id := runID(t, out)

	out, err = executeCommand(t, dir, nil, "status", id, "--history")
	require.NoError(t, err)
	revs := strings.Fields(out)
	require.Greater(t, len(revs), 1)

	oldest := revs[len(revs)-1]
	out, err = executeCommand(t, dir, nil, "status", id, "--revision", oldest)
	require.NoError(t, err)
	assert.Contains(t, out, "Run "+id)
	assert.Regexp(t, `Revision: +`+oldest+`\n`, out)

	_, err = executeCommand(t, dir, nil, "watch", id)
	assert.ErrorContains(t, err, "requires the file checkpoint backend")
}

func TestDelete_RefusesActiveRun(t *testing.T) {
	fakeStack(t)
	dir := t.TempDir()

	out, err := executeCommand(t, dir, nil, "run", "ANN indexes")
	require.NoError(t, err, out)
	id := runID(t, out)

	_, err = executeCommand(t, dir, nil, "delete", id)
	assert.ErrorContains(t, err, "only finished runs can be deleted")
}

func TestCancel_PausedRun(t *testing.T) {
	fakeStack(t)
	dir := t.TempDir()

	out, err := executeCommand(t, dir, nil, "run", "ANN indexes")
	require.NoError(t, err, out)
	id := runID(t, out)

	out, err = executeCommand(t, dir, nil, "cancel", id)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Run "+id+" cancelled")

	s := storedState(t, dir, id)
	assert.Equal(t, state.StatusFailed, s.Status)
	assert.Equal(t, "cancelled", s.LastError)

	_, err = executeCommand(t, dir, nil, "cancel", id)
	assert.Error(t, err)
}

func TestWatch_FinishedRun(t *testing.T) {
	fakeStack(t)
	dir := t.TempDir()

	out, err := executeCommand(t, dir, nil, "run", "--auto-approve", "ANN indexes")
	require.NoError(t, err, out)
	id := runID(t, out)

	done := make(chan struct{})
	go func() {
		defer close(done)
		out, err = executeCommand(t, dir, nil, "watch", id)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not return for a finished run")
	}
	require.NoError(t, err)
	assert.Contains(t, out, "rev ")
	assert.Contains(t, out, "Run "+id)
}

func TestGraph(t *testing.T) {
	fakeStack(t)
	dir := t.TempDir()

	out, err := executeCommand(t, dir, nil, "graph")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "flowchart TD"))
	assert.Contains(t, out, "planner")

	out, err = executeCommand(t, dir, nil, "graph", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "start:")

	// The YAML output is itself a loadable graph file.
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o644))
	out2, err := executeCommand(t, dir, nil, "graph", "--file", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out2, "flowchart TD"))

	_, err = executeCommand(t, dir, nil, "graph", "--format", "dot")
	assert.ErrorContains(t, err, "unknown format")
}

func TestConfigShow(t *testing.T) {
	fakeStack(t)
	t.Setenv("RAGENTS_LLM_API_KEY", "sk-very-secret-value")
	dir := t.TempDir()

	out, err := executeCommand(t, dir, nil, "config", "show", "llm.*")
	require.NoError(t, err)
	assert.Contains(t, out, "llm:")
	assert.Contains(t, out, "api_key: sk-v****")
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "timeout: 1m0s")
	assert.NotContains(t, out, "engine:")

	_, err = executeCommand(t, dir, nil, "config", "show", "nothing.*")
	assert.ErrorContains(t, err, "no configuration keys match")
}

func TestConfigSet(t *testing.T) {
	fakeStack(t)
	dir := t.TempDir()
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("engine:\n  max_iterations: 12\n"), 0o600))

	_, err := executeCommand(t, dir, nil, "--config", cfgFile, "config", "set", "engine.max_iterations", "-3")
	assert.ErrorContains(t, err, "invalid value for engine.max_iterations")

	_, err = executeCommand(t, dir, nil, "--config", cfgFile, "config", "set", "no.such_key", "1")
	assert.ErrorContains(t, err, "unknown configuration key")

	out, err := executeCommand(t, dir, nil, "--config", cfgFile, "config", "set", "approval.mode", "always")
	require.NoError(t, err)
	assert.Contains(t, out, "Set approval.mode = always")

	data, err := os.ReadFile(cfgFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mode: always")
}

func TestLogs(t *testing.T) {
	fakeStack(t)
	dir := t.TempDir()

	out, err := executeCommand(t, dir, nil, "run", "--auto-approve", "ANN indexes")
	require.NoError(t, err, out)
	id := runID(t, out)

	out, err = executeCommand(t, dir, nil, "logs", id, "-n", "0", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "run completed")

	out, err = executeCommand(t, dir, nil, "logs", "--node", "researcher", "-n", "0")
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.Contains(t, line, "[researcher")
	}

	_, err = executeCommand(t, dir, nil, "logs", "--level", "loud")
	assert.ErrorContains(t, err, "invalid --level")
}

func TestFilterRuns(t *testing.T) {
	t1 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	list := []checkpoint.Summary{
		{RunID: "a", Task: "Quantum error correction", Status: state.StatusCompleted, UpdatedAt: t1},
		{RunID: "b", Task: "Battery chemistry", Status: state.StatusFailed, UpdatedAt: t1.Add(time.Hour)},
		{RunID: "c", Task: "Quantum sensors", Status: state.StatusAwaitingApproval, UpdatedAt: t1.Add(2 * time.Hour)},
	}

	tests := []struct {
		name     string
		pattern  string
		statuses []string
		want     []string
	}{
		{name: "all newest first", want: []string{"c", "b", "a"}},
		{name: "glob on task", pattern: "quantum*", want: []string{"c", "a"}},
		{name: "glob on id", pattern: "b", want: []string{"b"}},
		{name: "status", statuses: []string{"failed", "completed"}, want: []string{"b", "a"}},
		{name: "glob and status", pattern: "*sensors", statuses: []string{"completed"}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := filterRuns(list, tt.pattern, tt.statuses)
			require.NoError(t, err)
			ids := []string{}
			for _, r := range got {
				ids = append(ids, r.RunID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	_, err := filterRuns(list, "", []string{"paused"})
	assert.ErrorContains(t, err, "unknown status")
	_, err = filterRuns(list, "[", nil)
	assert.ErrorContains(t, err, "invalid filter")
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseSince("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), got)

	got, err = parseSince("2026-04-30T08:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 30, 8, 0, 0, 0, time.UTC), got)

	_, err = parseSince("yesterday", now)
	assert.Error(t, err)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "tvly****", maskSecret("tvly-abcdefgh"))
}
