// Package internal contains integration tests that verify the packages work
// together across process lifetimes: durable checkpoints and memory, the
// approval gate, event forwarding and metrics.
package internal

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/ragents/internal/agent"
	"github.com/Iron-Ham/ragents/internal/approval"
	"github.com/Iron-Ham/ragents/internal/checkpoint"
	"github.com/Iron-Ham/ragents/internal/engine"
	"github.com/Iron-Ham/ragents/internal/event"
	"github.com/Iron-Ham/ragents/internal/graph"
	"github.com/Iron-Ham/ragents/internal/memory"
	"github.com/Iron-Ham/ragents/internal/metrics"
	"github.com/Iron-Ham/ragents/internal/state"
	"github.com/Iron-Ham/ragents/internal/testutil"
	"github.com/Iron-Ham/ragents/internal/tools"
)

const planJSON = `{"research_goal": "Solid-state batteries", "sub_tasks": [
	{"description": "Electrolytes", "search_queries": ["sulfide electrolyte conductivity"]},
	{"description": "Dendrites", "search_queries": ["lithium dendrite suppression"]}
]}`

var runConfig = state.RunConfig{
	MaxIterations:  10,
	PerNodeTimeout: 5 * time.Second,
	RetryLimit:     2,
	BackoffInitial: time.Millisecond,
	BackoffMax:     2 * time.Millisecond,
}

// capture is an event.Publisher recording forwarded messages.
type capture struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (c *capture) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs == nil {
		c.msgs = make(map[string][][]byte)
	}
	c.msgs[subject] = append(c.msgs[subject], data)
	return nil
}

func (c *capture) count(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs[subject])
}

// process is one engine process over shared on-disk state.
type process struct {
	eng     *engine.Engine
	gate    *approval.Gate
	mem     *memory.Store
	metrics *metrics.Metrics
	store   *checkpoint.SQLiteStore
	pub     *capture
}

func startProcess(t *testing.T, dir string, tool tools.Tool) *process {
	t.Helper()
	ctx := context.Background()

	store, err := checkpoint.OpenSQLite(filepath.Join(dir, "checkpoints.db"), 5)
	require.NoError(t, err)
	persister, err := memory.OpenSQLite(filepath.Join(dir, "memory.db"))
	require.NoError(t, err)
	mem, err := memory.Open(ctx, persister)
	require.NoError(t, err)

	gen := testutil.NewGenerator(
		testutil.Reply{Match: "Classify", Text: "RESEARCH"},
		testutil.Reply{Match: "research planner", Text: planJSON},
		testutil.Reply{Match: "Summarize", Text: "Sulfide electrolytes conduct well and dendrites remain the main failure mode."},
	)
	agents, err := agent.NewSet(
		agent.NewCoordinator(gen, approval.FirstPlanOnly{}, nil),
		agent.NewPlanner(gen, agent.PlannerConfig{}, nil),
		agent.NewResearcher(tools.NewRegistry(tool), mem, agent.ResearcherConfig{}, nil),
		agent.NewRapporteur(gen, agent.RapporteurConfig{}, nil),
	)
	require.NoError(t, err)

	bus := event.NewBus(nil)
	m := metrics.New()
	m.Observe(bus)
	m.RegisterMemory(mem)
	pub := &capture{}
	fwd := event.NewForwarder(bus, pub, "", nil)

	eng, err := engine.New(graph.DefaultResearchGraph(), agents, m.InstrumentStore(store), engine.WithBus(bus))
	require.NoError(t, err)
	gate := approval.NewGate(bus, eng.ResumeRun)
	eng.SetHolder(gate)

	p := &process{eng: eng, gate: gate, mem: mem, metrics: m, store: store, pub: pub}
	t.Cleanup(func() { p.stop(t, fwd) })
	return p
}

func (p *process) stop(t *testing.T, fwd *event.Forwarder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, p.eng.Shutdown(ctx))
	assert.NoError(t, fwd.Close())
	assert.NoError(t, p.mem.Close())
	assert.NoError(t, p.store.Close())
}

func (p *process) wait(t *testing.T, id string) state.WorkflowState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := p.eng.Wait(ctx, id)
	require.NoError(t, err)
	return s
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestPausedRunSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	tool := testutil.NewSearchTool("tavily").
		Answer("sulfide electrolyte conductivity", tools.Item{Title: "Sulfides", URL: "https://example.com/sulfide", Content: "sulfide electrolytes reach liquid-like conductivity", Score: 0.9}).
		Answer("lithium dendrite suppression", tools.Item{Title: "Dendrites", URL: "https://example.com/dendrite", Content: "pressure and interlayers suppress dendrite growth", Score: 0.85})

	// First process plans, pauses for approval and exits.
	first := startProcess(t, dir, tool)
	id, err := first.eng.StartRun(context.Background(), "solid-state battery research", runConfig)
	require.NoError(t, err)
	paused := first.wait(t, id)
	require.Equal(t, state.StatusAwaitingApproval, paused.Status, paused.LastError)
	assert.True(t, first.gate.IsAwaitingApproval(id))
	assert.Equal(t, 1, first.pub.count("ragents.events."+event.TypeRunPaused))

	body := scrape(t, first.metrics)
	assert.Contains(t, body, "ragents_engine_runs_started_total 1")
	assert.Contains(t, body, "ragents_engine_runs_paused_total 1")

	// Second process picks the run up from its checkpoint.
	second := startProcess(t, dir, tool)
	loaded, err := second.eng.GetState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, paused.Revision, loaded.Revision)
	require.NoError(t, second.gate.Hold(loaded))
	require.NoError(t, second.gate.Approve(context.Background(), id, "go ahead"))

	done := second.wait(t, id)
	require.Equal(t, state.StatusCompleted, done.Status, done.LastError)
	assert.Equal(t, 2, done.DoneCount())
	assert.Contains(t, done.ReportDraft, "https://example.com/sulfide")
	require.NotNil(t, done.HumanFeedback)
	assert.Equal(t, "go ahead", done.HumanFeedback.Comment)

	revs, err := second.store.Revisions(context.Background(), id)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(revs), 5)
	assert.Equal(t, done.Revision, revs[0])

	// Forwarded events carry the run in their envelope.
	subject := "ragents.events." + event.TypeRunCompleted
	require.Equal(t, 1, second.pub.count(subject))
	var env struct {
		Type  string `json:"type"`
		RunID string `json:"run_id"`
	}
	second.pub.mu.Lock()
	require.NoError(t, json.Unmarshal(second.pub.msgs[subject][0], &env))
	second.pub.mu.Unlock()
	assert.Equal(t, event.TypeRunCompleted, env.Type)
	assert.Equal(t, id, env.RunID)

	assert.Contains(t, scrape(t, second.metrics), `ragents_engine_runs_finished_total{status="completed"} 1`)
}

func TestMemoryIsSharedAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	tool := testutil.NewSearchTool("tavily").
		Answer("sulfide electrolyte conductivity", tools.Item{Title: "Sulfides", URL: "https://example.com/sulfide", Content: "sulfide electrolytes reach liquid-like conductivity", Score: 0.9}).
		Answer("lithium dendrite suppression", tools.Item{Title: "Dendrites", URL: "https://example.com/dendrite", Content: "pressure and interlayers suppress dendrite growth", Score: 0.85})

	run := func(p *process) state.WorkflowState {
		id, err := p.eng.StartRun(context.Background(), "solid-state battery research", runConfig)
		require.NoError(t, err)
		s := p.wait(t, id)
		require.Equal(t, state.StatusAwaitingApproval, s.Status)
		require.NoError(t, p.gate.Approve(context.Background(), id, ""))
		return p.wait(t, id)
	}

	first := startProcess(t, dir, tool)
	s := run(first)
	require.Equal(t, state.StatusCompleted, s.Status, s.LastError)
	assert.Equal(t, 1, tool.Calls("sulfide electrolyte conductivity"))
	assert.Equal(t, int64(2), first.mem.Stats().Inserts)

	// A later process answers the same queries from persisted memory.
	second := startProcess(t, dir, tool)
	assert.Equal(t, int64(2), second.mem.Stats().Entries)
	s = run(second)
	require.Equal(t, state.StatusCompleted, s.Status, s.LastError)
	assert.Equal(t, 1, tool.Calls("sulfide electrolyte conductivity"), "second run should not search again")
	assert.Equal(t, int64(0), second.mem.Stats().Fetches)
	assert.Contains(t, scrape(t, second.metrics), "ragents_memory_hits_total 2")
}
