package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/state"
)

func stateWithPlan(version int, feedback *state.HumanFeedback) state.WorkflowState {
	s := state.New("r", "t", state.RunConfig{MaxIterations: 5}, testTime)
	s.Plan = &state.Plan{Version: version, Subtasks: []state.Subtask{{ID: "a", Status: state.SubtaskPending}}}
	s.HumanFeedback = feedback
	return s
}

func TestDefaultResearchGraph_Resolve(t *testing.T) {
	g := DefaultResearchGraph()
	require.Equal(t, NodeCoordinator, g.Start())

	approved := stateWithPlan(1, &state.HumanFeedback{Approved: true, PlanVersion: 1})
	rejected := stateWithPlan(1, &state.HumanFeedback{Approved: false, PlanVersion: 1})
	plain := stateWithPlan(1, nil)

	tests := []struct {
		name string
		from string
		s    state.WorkflowState
		hint string
		want string
	}{
		{"greeting ends", NodeCoordinator, plain, HintRespond, End},
		{"needs plan", NodeCoordinator, plain, HintPlan, NodePlanner},
		{"approved plan", NodeCoordinator, approved, HintApproval, NodeResearcher},
		{"rejected plan", NodeCoordinator, rejected, HintApproval, NodePlanner},
		{"research", NodeCoordinator, plain, HintResearch, NodeResearcher},
		{"report", NodeCoordinator, plain, HintReport, NodeRapporteur},
		{"planner always returns", NodePlanner, plain, "anything", NodeCoordinator},
		{"continue", NodeResearcher, plain, HintContinue, NodeResearcher},
		{"replan", NodeResearcher, plain, HintReplan, NodePlanner},
		{"sufficient", NodeResearcher, plain, HintSufficient, NodeRapporteur},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Resolve(tt.from, tt.s, tt.hint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, g.IsTerminal(NodeRapporteur))
	assert.True(t, g.IsTerminal(End))
	assert.False(t, g.IsTerminal(NodeResearcher))

	n, ok := g.Node(NodeResearcher)
	require.True(t, ok)
	assert.True(t, n.Iterates)
	assert.Equal(t, state.RoleResearcher, n.Role)
}

func TestResolve_NoMatchingTransition(t *testing.T) {
	g := DefaultResearchGraph()

	_, err := g.Resolve(NodeResearcher, stateWithPlan(1, nil), "bogus")
	require.ErrorIs(t, err, errors.ErrNoMatchingTransition)

	var gerr *errors.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, NodeResearcher, gerr.NodeID)
	assert.Equal(t, "bogus", gerr.Hint)

	_, err = g.Resolve(NodeRapporteur, stateWithPlan(1, nil), "")
	assert.ErrorIs(t, err, errors.ErrNoMatchingTransition)

	_, err = g.Resolve("missing", stateWithPlan(1, nil), "")
	assert.ErrorIs(t, err, errors.ErrNoMatchingTransition)
}

func TestResolve_FirstMatchWins(t *testing.T) {
	g, err := NewBuilder(HintSet{"worker": {"go"}, "sink": nil}).
		AddNode("w", "worker", true).
		AddNode("a", "sink", false).
		AddNode("b", "sink", false).
		SetStart("w").
		AddEdge("w", "a", OnHint("go")).
		AddEdge("w", "b", Always).
		Build()
	require.NoError(t, err)

	got, err := g.Resolve("w", state.WorkflowState{}, "go")
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	got, err = g.Resolve("w", state.WorkflowState{}, "other")
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestBuild_Validation(t *testing.T) {
	hints := HintSet{"worker": {"go", "stop"}, "sink": nil}

	tests := []struct {
		name     string
		build    func() *Builder
		wantNode string
		wantMsg  string
	}{
		{
			name: "missing start",
			build: func() *Builder {
				return NewBuilder(hints).AddNode("a", "sink", false)
			},
			wantMsg: "no start node",
		},
		{
			name: "start does not exist",
			build: func() *Builder {
				return NewBuilder(hints).AddNode("a", "sink", false).SetStart("x")
			},
			wantNode: "x",
		},
		{
			name: "edge to unknown node",
			build: func() *Builder {
				return NewBuilder(hints).AddNode("a", "worker", true).SetStart("a").
					AddEdge("a", "ghost", Always)
			},
			wantNode: "a",
			wantMsg:  "unknown node",
		},
		{
			name: "unreachable node",
			build: func() *Builder {
				return NewBuilder(hints).
					AddNode("a", "sink", false).
					AddNode("orphan", "sink", false).
					SetStart("a")
			},
			wantNode: "orphan",
			wantMsg:  "unreachable",
		},
		{
			name: "dead-end hint",
			build: func() *Builder {
				return NewBuilder(hints).
					AddNode("w", "worker", true).
					AddNode("s", "sink", false).
					SetStart("w").
					AddEdge("w", "s", OnHint("go"))
			},
			wantNode: "w",
			wantMsg:  `hint "stop"`,
		},
		{
			name: "predicate-only coverage is not enough",
			build: func() *Builder {
				yes := func(state.WorkflowState) bool { return true }
				return NewBuilder(hints).
					AddNode("w", "worker", true).
					AddNode("s", "sink", false).
					SetStart("w").
					AddEdge("w", "s", OnHint("go")).
					AddEdge("w", "s", When("stop", "yes", yes))
			},
			wantNode: "w",
			wantMsg:  `hint "stop"`,
		},
		{
			name: "hintless role needs an unconditional edge",
			build: func() *Builder {
				never := func(state.WorkflowState) bool { return false }
				return NewBuilder(hints).
					AddNode("w", "worker", true).
					AddNode("s", "sink", false).
					SetStart("w").
					AddEdge("w", "s", OnHint("go")).
					AddEdge("w", End, OnHint("stop")).
					AddEdge("s", "w", When("", "never", never))
			},
			wantNode: "s",
			wantMsg:  "no unconditional edge",
		},
		{
			name: "hintless role with hint-only edge",
			build: func() *Builder {
				return NewBuilder(hints).
					AddNode("w", "worker", true).
					AddNode("s", "sink", false).
					SetStart("w").
					AddEdge("w", "s", OnHint("go")).
					AddEdge("w", End, OnHint("stop")).
					AddEdge("s", End, OnHint("go"))
			},
			wantNode: "s",
			wantMsg:  "no unconditional edge",
		},
		{
			name: "cycle without iterating node",
			build: func() *Builder {
				return NewBuilder(hints).
					AddNode("a", "worker", false).
					AddNode("b", "worker", false).
					SetStart("a").
					AddEdge("a", "b", OnHint("go")).
					AddEdge("a", End, OnHint("stop")).
					AddEdge("b", "a", Always)
			},
			wantNode: "a",
			wantMsg:  "infinite-loop",
		},
		{
			name: "self loop without iterating node",
			build: func() *Builder {
				return NewBuilder(hints).
					AddNode("a", "worker", false).
					SetStart("a").
					AddEdge("a", "a", OnHint("go")).
					AddEdge("a", End, OnHint("stop"))
			},
			wantNode: "a",
			wantMsg:  "infinite-loop",
		},
		{
			name: "no terminal node",
			build: func() *Builder {
				return NewBuilder(hints).
					AddNode("a", "worker", true).
					SetStart("a").
					AddEdge("a", "a", Always)
			},
			wantMsg: "no terminal",
		},
		{
			name: "role-less node",
			build: func() *Builder {
				return NewBuilder(hints).AddNode("a", "", false).SetStart("a")
			},
			wantNode: "a",
			wantMsg:  "role-less",
		},
		{
			name: "unknown role",
			build: func() *Builder {
				return NewBuilder(hints).AddNode("a", "poet", false).SetStart("a")
			},
			wantNode: "a",
			wantMsg:  "unknown role",
		},
		{
			name: "declaring END",
			build: func() *Builder {
				return NewBuilder(hints).AddNode(End, "sink", false)
			},
			wantNode: End,
		},
		{
			name: "duplicate node",
			build: func() *Builder {
				return NewBuilder(hints).AddNode("a", "sink", false).AddNode("a", "sink", false)
			},
			wantNode: "a",
			wantMsg:  "duplicate",
		},
		{
			name: "edge from undeclared node",
			build: func() *Builder {
				return NewBuilder(hints).AddNode("a", "sink", false).AddEdge("zz", "a", Always)
			},
			wantNode: "zz",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := tt.build().Build()
			require.Error(t, err)
			assert.Nil(t, g)
			assert.ErrorIs(t, err, errors.ErrGraphConfiguration)

			var gerr *errors.GraphError
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, tt.wantNode, gerr.NodeID)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestBuild_CycleThroughIteratingNodeIsAccepted(t *testing.T) {
	hints := HintSet{"worker": {"go", "stop"}, "sink": nil}
	_, err := NewBuilder(hints).
		AddNode("a", "worker", false).
		AddNode("b", "worker", true).
		SetStart("a").
		AddEdge("a", "b", OnHint("go")).
		AddEdge("a", End, OnHint("stop")).
		AddEdge("b", "a", Always).
		Build()
	assert.NoError(t, err)
}

func TestBuild_IsolatedFromBuilder(t *testing.T) {
	b := NewBuilder(HintSet{"sink": nil}).AddNode("a", "sink", false).SetStart("a")
	g, err := b.Build()
	require.NoError(t, err)

	b.AddNode("b", "sink", false)
	assert.Len(t, g.Nodes(), 1)
}

func TestPredicates(t *testing.T) {
	preds := DefaultPredicates()

	s := stateWithPlan(1, &state.HumanFeedback{Approved: true, PlanVersion: 1})
	assert.True(t, preds[PredFeedbackApproved](s))
	assert.False(t, preds[PredPlanComplete](s))
	assert.False(t, preds[PredHasDoneSubtasks](s))
	assert.True(t, preds[PredIterationsRemaining](s))

	s.Plan.Subtasks[0].Status = state.SubtaskDone
	s.IterationCount = 5
	assert.True(t, preds[PredPlanComplete](s))
	assert.True(t, preds[PredHasDoneSubtasks](s))
	assert.False(t, preds[PredIterationsRemaining](s))
}

func TestMermaid(t *testing.T) {
	out := DefaultResearchGraph().Mermaid()

	assert.True(t, strings.HasPrefix(out, "flowchart TD\n"))
	assert.Contains(t, out, "START --> coordinator")
	assert.Contains(t, out, "researcher[[researcher]]")
	assert.Contains(t, out, "coordinator -->|1: respond| END")
	assert.Contains(t, out, "coordinator -->|3: approval && feedback_approved| researcher")
	assert.Contains(t, out, "planner -->|1: always| coordinator")
	assert.Contains(t, out, "END((end))")
}
