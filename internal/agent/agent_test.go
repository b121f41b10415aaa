package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/ragents/internal/approval"
	ragerrors "github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/graph"
	"github.com/Iron-Ham/ragents/internal/memory"
	"github.com/Iron-Ham/ragents/internal/state"
	"github.com/Iron-Ham/ragents/internal/testutil"
	"github.com/Iron-Ham/ragents/internal/tools"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newState(task string) state.WorkflowState {
	return state.New("run-1", task, state.RunConfig{
		MaxIterations:      10,
		RetryLimit:         3,
		RelevanceThreshold: 0.5,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         time.Millisecond,
	}, t0)
}

func withPlan(s state.WorkflowState, version int, subtasks ...state.Subtask) state.WorkflowState {
	for i := range subtasks {
		if subtasks[i].Status == "" {
			subtasks[i].Status = state.SubtaskPending
		}
		if subtasks[i].Source == "" {
			subtasks[i].Source = "tavily"
		}
	}
	s.Plan = &state.Plan{Version: version, Goal: "goal", Subtasks: subtasks}
	return s
}

func apply(t *testing.T, role state.Role, s state.WorkflowState, r Result) state.WorkflowState {
	t.Helper()
	require.NoError(t, state.CheckPermissions(role, r.Delta))
	next, err := state.Apply(s, r.Delta, t0)
	require.NoError(t, err)
	return next
}

func TestNewSet(t *testing.T) {
	set, err := NewSet(NewCoordinator(nil, nil, nil), NewRapporteur(nil, RapporteurConfig{}, nil))
	require.NoError(t, err)

	a, err := set.For(state.RoleRapporteur)
	require.NoError(t, err)
	assert.Equal(t, state.RoleRapporteur, a.Role())

	_, err = set.For(state.RolePlanner)
	assert.True(t, ragerrors.IsFatal(err))

	_, err = NewSet(NewRapporteur(nil, RapporteurConfig{}, nil), NewRapporteur(nil, RapporteurConfig{}, nil))
	assert.ErrorIs(t, err, ragerrors.ErrInvalidInput)
}

func TestCoordinator_Classification(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantType  state.QueryType
		wantHint  string
		wantDraft string
	}{
		{"greeting", "GREETING", state.QueryGreeting, graph.HintRespond, "Hi there, ask me to research something."},
		{"inappropriate", " inappropriate. ", state.QueryInappropriate, graph.HintRespond, inappropriateReply},
		{"research", "RESEARCH", state.QueryResearch, graph.HintPlan, ""},
		{"unknown answer", "SOMETHING ELSE", state.QueryResearch, graph.HintPlan, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := testutil.NewGenerator(
				testutil.Reply{Match: "Classify", Text: tt.reply},
				testutil.Reply{Match: "Reply briefly", Text: "Hi there, ask me to research something."},
			)
			res, err := NewCoordinator(gen, nil, nil).Invoke(context.Background(), newState("hello"))
			require.NoError(t, err)

			assert.Equal(t, tt.wantHint, res.Hint)
			require.NotNil(t, res.Delta.QueryType)
			assert.Equal(t, tt.wantType, *res.Delta.QueryType)
			if tt.wantDraft == "" {
				assert.Nil(t, res.Delta.ReportDraft)
			} else {
				require.NotNil(t, res.Delta.ReportDraft)
				assert.Equal(t, tt.wantDraft, *res.Delta.ReportDraft)
			}
			assert.NoError(t, state.CheckPermissions(state.RoleCoordinator, res.Delta))
		})
	}
}

func TestCoordinator_ModelErrors(t *testing.T) {
	retryable := ragerrors.NewToolError("llm", "503", nil).WithRetryable(true)
	_, err := NewCoordinator(testutil.NewGenerator(testutil.Reply{Err: retryable}), nil, nil).
		Invoke(context.Background(), newState("x"))
	assert.True(t, ragerrors.IsRetryable(err))

	fatal := ragerrors.NewToolError("llm", "401", nil)
	res, err := NewCoordinator(testutil.NewGenerator(testutil.Reply{Err: fatal}), nil, nil).
		Invoke(context.Background(), newState("x"))
	require.NoError(t, err)
	assert.Equal(t, graph.HintPlan, res.Hint)
}

func TestCoordinator_Routing(t *testing.T) {
	base := newState("vector databases")
	base.QueryType = state.QueryResearch
	planned := withPlan(base, 1, state.Subtask{ID: "a", Queries: []string{"q"}})

	t.Run("approval required", func(t *testing.T) {
		res, err := NewCoordinator(nil, approval.Always{}, nil).Invoke(context.Background(), planned)
		require.NoError(t, err)
		assert.Equal(t, graph.HintApproval, res.Hint)
		require.NotNil(t, res.Delta.Status)
		assert.Equal(t, state.StatusAwaitingApproval, *res.Delta.Status)
		assert.Nil(t, res.Delta.QueryType, "classification is not repeated")
	})

	t.Run("approved plan researches", func(t *testing.T) {
		s := planned.Clone()
		s.HumanFeedback = &state.HumanFeedback{Approved: true, PlanVersion: 1}
		res, err := NewCoordinator(nil, approval.Always{}, nil).Invoke(context.Background(), s)
		require.NoError(t, err)
		assert.Equal(t, graph.HintResearch, res.Hint)
		assert.Nil(t, res.Delta.Status)
	})

	t.Run("approval of an older plan does not count", func(t *testing.T) {
		s := planned.Clone()
		s.Plan.Version = 2
		s.HumanFeedback = &state.HumanFeedback{Approved: true, PlanVersion: 1}
		res, err := NewCoordinator(nil, approval.Always{}, nil).Invoke(context.Background(), s)
		require.NoError(t, err)
		assert.Equal(t, graph.HintApproval, res.Hint)
	})

	t.Run("finished plan reports", func(t *testing.T) {
		s := withPlan(base, 1, state.Subtask{ID: "a", Queries: []string{"q"}, Status: state.SubtaskDone})
		res, err := NewCoordinator(nil, nil, nil).Invoke(context.Background(), s)
		require.NoError(t, err)
		assert.Equal(t, graph.HintReport, res.Hint)
	})

	t.Run("every hint is declared", func(t *testing.T) {
		c := NewCoordinator(nil, nil, nil)
		for _, h := range []string{graph.HintRespond, graph.HintPlan, graph.HintApproval, graph.HintResearch, graph.HintReport} {
			assert.Contains(t, c.Hints(), h)
		}
	})
}

const planJSON = "```json\n" + `{
  "research_goal": "Understand vector databases",
  "completion_criteria": "Compare three systems",
  "sub_tasks": [
    {"description": "Index structures", "search_queries": ["HNSW index", "IVF index", "HNSW index", "PQ", "extra"], "source": "arxiv"},
    {"description": "Products", "search_queries": ["vector database comparison"], "sources": ["bing"]},
    {"description": "", "search_queries": []},
    {"description": "Benchmarks", "search_queries": ["ann benchmarks"]},
  ]
}` + "\n```"

func TestPlanner_CreatesPlan(t *testing.T) {
	gen := testutil.NewGenerator(testutil.Reply{Match: "research planner", Text: planJSON})
	p := NewPlanner(gen, PlannerConfig{MaxSubtasks: 2, MaxQueries: 3, Sources: []string{"tavily", "arxiv"}, DefaultSource: "tavily"}, nil)

	s := newState("vector databases")
	res, err := p.Invoke(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, graph.HintPlanned, res.Hint)
	assert.False(t, res.Delta.ClearFeedback)

	plan := res.Delta.Plan
	require.NotNil(t, plan)
	assert.Equal(t, 1, plan.Version)
	assert.Equal(t, "Understand vector databases", plan.Goal)
	require.Len(t, plan.Subtasks, 2)
	assert.Equal(t, "p1-s1", plan.Subtasks[0].ID)
	assert.Equal(t, []string{"HNSW index", "IVF index", "PQ"}, plan.Subtasks[0].Queries)
	assert.Equal(t, "arxiv", plan.Subtasks[0].Source)
	assert.Equal(t, "tavily", plan.Subtasks[1].Source, "unknown sources fall back")

	next := apply(t, state.RolePlanner, s, res)
	assert.Equal(t, 1, next.PlanVersion())
}

func TestPlanner_Fallback(t *testing.T) {
	for name, gen := range map[string]*testutil.Generator{
		"no json":     testutil.NewGenerator(testutil.Reply{Text: "I cannot plan this"}),
		"fatal error": testutil.NewGenerator(testutil.Reply{Err: ragerrors.NewToolError("llm", "400", nil)}),
	} {
		t.Run(name, func(t *testing.T) {
			res, err := NewPlanner(gen, PlannerConfig{}, nil).Invoke(context.Background(), newState("rust async"))
			require.NoError(t, err)
			require.Len(t, res.Delta.Plan.Subtasks, 1)
			st := res.Delta.Plan.Subtasks[0]
			assert.Equal(t, []string{"rust async"}, st.Queries)
			assert.Equal(t, "tavily", st.Source)
			assert.Equal(t, "rust async", res.Delta.Plan.Goal)
		})
	}

	t.Run("retryable error propagates", func(t *testing.T) {
		gen := testutil.NewGenerator(testutil.Reply{Err: ragerrors.NewToolError("llm", "429", nil).WithRetryable(true)})
		_, err := NewPlanner(gen, PlannerConfig{}, nil).Invoke(context.Background(), newState("x"))
		assert.True(t, ragerrors.IsRetryable(err))
	})
}

func TestPlanner_RevisesAfterRejection(t *testing.T) {
	gen := testutil.NewGenerator(testutil.Reply{Match: "research planner", Text: planJSON})
	p := NewPlanner(gen, PlannerConfig{}, nil)

	s := withPlan(newState("vector databases"), 1,
		state.Subtask{ID: "p1-s1", Queries: []string{"q1"}, Status: state.SubtaskDone},
		state.Subtask{ID: "p1-s2", Queries: []string{"q2"}},
	)
	s.HumanFeedback = &state.HumanFeedback{Approved: false, Comment: "focus on open source", PlanVersion: 1}

	res, err := p.Invoke(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, res.Delta.ClearFeedback)
	assert.Equal(t, 2, res.Delta.Plan.Version)
	assert.Equal(t, "p2-s1", res.Delta.Plan.Subtasks[0].ID)

	prompts := gen.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Reviewer feedback: focus on open source")
	assert.Contains(t, prompts[0], "Current plan (version 1)")
	assert.NotContains(t, prompts[0], "produced no usable results")

	next := apply(t, state.RolePlanner, s, res)
	assert.Nil(t, next.HumanFeedback)
	assert.Equal(t, state.SubtaskDone, next.Plan.Subtask("p1-s1").Status)
	assert.Equal(t, state.SubtaskFailed, next.Plan.Subtask("p1-s2").Status)
	assert.Equal(t, "superseded by plan v2", next.Plan.Subtask("p1-s2").Reason)
}

func newResearcher(tool *testutil.SearchTool, mem *memory.Store, cfg ResearcherConfig) *Researcher {
	return NewResearcher(tools.NewRegistry(tool), mem, cfg, nil)
}

func item(title, url, content string, score float64) tools.Item {
	return tools.Item{Title: title, URL: url, Content: content, Score: score}
}

func TestResearcher_DoneAndFailed(t *testing.T) {
	tool := testutil.NewSearchTool("tavily").
		Answer("hnsw graphs", item("HNSW", "https://a", "hierarchical navigable small world", 0.9)).
		Answer("obscure thing", item("Noise", "https://b", "unrelated text", 0.1))
	r := newResearcher(tool, memory.New(), ResearcherConfig{BatchSize: 5})

	s := withPlan(newState("ann"), 1,
		state.Subtask{ID: "a", Queries: []string{"hnsw graphs"}},
		state.Subtask{ID: "b", Queries: []string{"obscure thing"}},
	)
	res, err := r.Invoke(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, graph.HintSufficient, res.Hint)

	next := apply(t, state.RoleResearcher, s, res)
	assert.Equal(t, state.SubtaskDone, next.Plan.Subtask("a").Status)
	assert.Equal(t, state.SubtaskFailed, next.Plan.Subtask("b").Status)
	assert.Contains(t, next.Plan.Subtask("b").Reason, "below threshold 0.50")
	require.Len(t, next.Notes, 1)
	assert.Equal(t, "https://a", next.Notes[0].SourceRef)
	assert.Equal(t, []string{"a"}, next.Notes[0].Subtasks)
	assert.Contains(t, next.LastError, "b: best relevance")
}

func TestResearcher_BatchesAndContinues(t *testing.T) {
	tool := testutil.NewSearchTool("tavily")
	var subtasks []state.Subtask
	for _, id := range []string{"a", "b", "c"} {
		tool.Answer("query "+id, item("T "+id, "https://"+id, "content "+id, 0.8))
		subtasks = append(subtasks, state.Subtask{ID: id, Queries: []string{"query " + id}})
	}
	r := newResearcher(tool, nil, ResearcherConfig{BatchSize: 2})

	s := withPlan(newState("t"), 1, subtasks...)
	res, err := r.Invoke(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, graph.HintContinue, res.Hint)
	s = apply(t, state.RoleResearcher, s, res)
	assert.Equal(t, 2, s.DoneCount())

	res, err = r.Invoke(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, graph.HintSufficient, res.Hint)
	s = apply(t, state.RoleResearcher, s, res)
	assert.True(t, s.AllSubtasksTerminal())
	assert.Empty(t, s.LastError)
}

func TestResearcher_ReplanWhenNothingDone(t *testing.T) {
	tool := testutil.NewSearchTool("tavily")
	r := newResearcher(tool, nil, ResearcherConfig{MaxReplans: 1})

	s := withPlan(newState("t"), 1, state.Subtask{ID: "a", Queries: []string{"empty"}})
	res, err := r.Invoke(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, graph.HintReplan, res.Hint)
	assert.Contains(t, *res.Delta.LastError, "no results")

	s2 := withPlan(newState("t"), 2, state.Subtask{ID: "b", Queries: []string{"empty"}})
	res, err = r.Invoke(context.Background(), s2)
	require.NoError(t, err)
	assert.Equal(t, graph.HintSufficient, res.Hint, "replans exhausted")
}

func TestResearcher_MemoryDeduplicatesQueries(t *testing.T) {
	rag := item("RAG", "https://rag", "retrieval augmented generation", 0.9)
	tool := testutil.NewSearchTool("tavily").
		Answer("What is RAG?", rag).
		Answer("what is rag", rag)
	mem := memory.New()
	r := newResearcher(tool, mem, ResearcherConfig{BatchSize: 5})

	s := withPlan(newState("rag"), 1,
		state.Subtask{ID: "a", Queries: []string{"What is RAG?"}},
		state.Subtask{ID: "b", Queries: []string{"what is rag"}},
	)
	res, err := r.Invoke(context.Background(), s)
	require.NoError(t, err)

	next := apply(t, state.RoleResearcher, s, res)
	assert.Equal(t, 1, tool.Calls("What is RAG?")+tool.Calls("what is rag"))
	require.Len(t, next.Notes, 1, "one note per fingerprint")
	assert.ElementsMatch(t, []string{"a", "b"}, next.Notes[0].Subtasks)
	assert.Equal(t, int64(1), mem.Stats().Fetches)
}

func TestResearcher_RetriesToolFailures(t *testing.T) {
	flaky := ragerrors.NewToolError("tavily", "503", nil).WithRetryable(true)
	tool := testutil.NewSearchTool("tavily").
		Answer("q", item("ok", "https://ok", "q answer", 0.9)).
		FailNext("q", flaky, flaky)
	r := newResearcher(tool, nil, ResearcherConfig{})

	s := withPlan(newState("t"), 1, state.Subtask{ID: "a", Queries: []string{"q"}})
	res, err := r.Invoke(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 3, tool.Calls("q"))
	assert.Equal(t, state.SubtaskDone, res.Delta.SubtaskUpdates[0].Status)
}

func TestResearcher_IsolatesExhaustedRetries(t *testing.T) {
	down := ragerrors.NewToolError("tavily", "503", nil).WithRetryable(true)
	tool := testutil.NewSearchTool("tavily").
		Answer("good", item("ok", "https://ok", "good answer", 0.9)).
		FailNext("bad", down, down, down, down)
	r := newResearcher(tool, nil, ResearcherConfig{})

	s := withPlan(newState("t"), 1,
		state.Subtask{ID: "a", Queries: []string{"good"}},
		state.Subtask{ID: "b", Queries: []string{"bad"}},
	)
	res, err := r.Invoke(context.Background(), s)
	require.NoError(t, err)

	next := apply(t, state.RoleResearcher, s, res)
	assert.Equal(t, state.SubtaskDone, next.Plan.Subtask("a").Status)
	assert.Equal(t, state.SubtaskFailed, next.Plan.Subtask("b").Status)
	assert.Contains(t, next.Plan.Subtask("b").Reason, "retrieval failed")
	assert.Equal(t, 3, tool.Calls("bad"))
}

func TestResearcher_Cancelled(t *testing.T) {
	tool := testutil.NewSearchTool("tavily").Answer("q", item("ok", "https://ok", "q", 0.9))
	r := newResearcher(tool, nil, ResearcherConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := withPlan(newState("t"), 1, state.Subtask{ID: "a", Queries: []string{"q"}})
	_, err := r.Invoke(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBestPayload(t *testing.T) {
	p, err := bestPayload("graph neural networks", tools.Result{Items: []tools.Item{
		{Title: "Cooking", URL: "https://c", Content: "pasta", Score: 0.2},
		{Title: "Graph Neural Networks", URL: "https://g", Content: "a survey"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "https://g", p.SourceRef)
	assert.InDelta(t, 1.0, p.Relevance, 1e-6)

	_, err = bestPayload("q", tools.Result{Tool: "x"})
	assert.True(t, ragerrors.IsFatal(err))
}

func reportState() state.WorkflowState {
	s := withPlan(newState("vector databases"), 1,
		state.Subtask{ID: "a", Description: "Index structures", Queries: []string{"hnsw"}, Status: state.SubtaskDone},
		state.Subtask{ID: "b", Description: "Products", Queries: []string{"products"}, Status: state.SubtaskDone},
		state.Subtask{ID: "c", Description: "Pricing", Queries: []string{"pricing"}, Status: state.SubtaskFailed, Reason: "no results"},
	)
	s.Notes = []state.Note{
		{Fingerprint: "1", Query: "hnsw", Title: "HNSW paper", SourceRef: "https://arxiv.org/abs/1603.09320", Content: "Graph based ANN.", Relevance: 0.91, Subtasks: []string{"a"}},
		{Fingerprint: "2", Query: "products", Title: "HNSW paper", SourceRef: "https://arxiv.org/abs/1603.09320", Content: "Used by many products.", Relevance: 0.7, Subtasks: []string{"b"}},
		{Fingerprint: "3", Query: "products", Title: "Milvus", SourceRef: "https://milvus.io", Content: "Open source vector DB.", Relevance: 0.8, Subtasks: []string{"b"}},
	}
	return s
}

func TestRapporteur_Report(t *testing.T) {
	summary := "Vector databases index embeddings with graph and quantization structures for fast search."
	gen := testutil.NewGenerator(testutil.Reply{Match: "executive summary", Text: summary})

	s := reportState()
	res, err := NewRapporteur(gen, RapporteurConfig{}, nil).Invoke(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, res.Hint)

	draft := *res.Delta.ReportDraft
	assert.True(t, strings.HasPrefix(draft, "# Research Report: vector databases"))
	assert.Contains(t, draft, summary)
	assert.Contains(t, draft, "### Index structures")
	assert.Contains(t, draft, "### Products")
	assert.NotContains(t, draft, "### Pricing")
	assert.Contains(t, draft, "- Pricing: no results")
	assert.Contains(t, draft, "**HNSW paper** (relevance 0.91) [1]")
	assert.Contains(t, draft, "**Milvus** (relevance 0.80) [2]")
	assert.Equal(t, 1, strings.Count(draft, "<https://arxiv.org/abs/1603.09320>"), "references are de-duplicated by URL")
	assert.Contains(t, draft, "2. Milvus <https://milvus.io>")

	next := apply(t, state.RoleRapporteur, s, res)
	assert.Equal(t, draft, next.ReportDraft)
}

func TestRapporteur_HTMLReport(t *testing.T) {
	s := reportState()
	s.Task = "vector <databases>"
	res, err := NewRapporteur(nil, RapporteurConfig{Format: FormatHTML}, nil).Invoke(context.Background(), s)
	require.NoError(t, err)

	draft := *res.Delta.ReportDraft
	assert.True(t, strings.HasPrefix(draft, "<!DOCTYPE html>"))
	assert.Contains(t, draft, "<h1>Research Report: vector &lt;databases&gt;</h1>")
	assert.Contains(t, draft, "<h3>Index structures</h3>")
	assert.Contains(t, draft, `<a href="#ref-1">[1]</a>`)
	assert.Contains(t, draft, `<li id="ref-2"><a href="https://milvus.io">Milvus</a></li>`)
	assert.Equal(t, 1, strings.Count(draft, `href="https://arxiv.org/abs/1603.09320"`))
	assert.Contains(t, draft, "<li>Pricing: no results</li>")
	assert.NotContains(t, draft, "<h3>Pricing</h3>")
}

func TestRapporteur_ShortSummaryFallsBack(t *testing.T) {
	gen := testutil.NewGenerator(testutil.Reply{Text: "too short"})
	res, err := NewRapporteur(gen, RapporteurConfig{}, nil).Invoke(context.Background(), reportState())
	require.NoError(t, err)
	assert.Contains(t, *res.Delta.ReportDraft, `Research on "vector databases" covered 2 subtask(s)`)
}

func TestRapporteur_Preconditions(t *testing.T) {
	r := NewRapporteur(nil, RapporteurConfig{}, nil)

	open := withPlan(newState("t"), 1, state.Subtask{ID: "a", Queries: []string{"q"}})
	_, err := r.Invoke(context.Background(), open)
	assert.ErrorIs(t, err, ragerrors.ErrPreconditionFailed)
	assert.True(t, ragerrors.IsFatal(err))

	allFailed := withPlan(newState("t"), 1, state.Subtask{ID: "a", Queries: []string{"q"}, Status: state.SubtaskFailed})
	_, err = r.Invoke(context.Background(), allFailed)
	assert.ErrorIs(t, err, ragerrors.ErrPreconditionFailed)

	_, err = r.Invoke(context.Background(), newState("t"))
	assert.ErrorIs(t, err, ragerrors.ErrPreconditionFailed)
}

func TestRapporteur_RetryableModelError(t *testing.T) {
	gen := testutil.NewGenerator(testutil.Reply{Err: errors.Join(context.DeadlineExceeded)})
	_, err := NewRapporteur(gen, RapporteurConfig{}, nil).Invoke(context.Background(), reportState())
	assert.True(t, ragerrors.IsRetryable(err))
}
