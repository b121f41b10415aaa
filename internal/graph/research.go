package graph

import (
	"github.com/Iron-Ham/ragents/internal/state"
)

// Node IDs of the built-in research graph.
const (
	NodeCoordinator = "coordinator"
	NodePlanner     = "planner"
	NodeResearcher  = "researcher"
	NodeRapporteur  = "rapporteur"
)

// Named predicates available to YAML graph definitions.
const (
	PredFeedbackApproved    = "feedback_approved"
	PredPlanComplete        = "plan_complete"
	PredHasDoneSubtasks     = "has_done_subtasks"
	PredIterationsRemaining = "iterations_remaining"
)

// DefaultPredicates returns the predicate registry used by Load.
func DefaultPredicates() map[string]Predicate {
	return map[string]Predicate{
		PredFeedbackApproved: state.WorkflowState.FeedbackApproved,
		PredPlanComplete:     state.WorkflowState.AllSubtasksTerminal,
		PredHasDoneSubtasks: func(s state.WorkflowState) bool {
			return s.DoneCount() > 0
		},
		PredIterationsRemaining: func(s state.WorkflowState) bool {
			return s.IterationsRemaining() > 0
		},
	}
}

// DefaultResearchGraph returns the built-in coordinator, planner,
// researcher and rapporteur workflow.
func DefaultResearchGraph() *Graph {
	approved := DefaultPredicates()[PredFeedbackApproved]

	g, err := NewBuilder(DefaultHints()).
		AddNode(NodeCoordinator, state.RoleCoordinator, false).
		AddNode(NodePlanner, state.RolePlanner, true).
		AddNode(NodeResearcher, state.RoleResearcher, true).
		AddNode(NodeRapporteur, state.RoleRapporteur, false).
		SetStart(NodeCoordinator).
		AddEdge(NodeCoordinator, End, OnHint(HintRespond)).
		AddEdge(NodeCoordinator, NodePlanner, OnHint(HintPlan)).
		AddEdge(NodeCoordinator, NodeResearcher, When(HintApproval, PredFeedbackApproved, approved)).
		AddEdge(NodeCoordinator, NodePlanner, OnHint(HintApproval)).
		AddEdge(NodeCoordinator, NodeResearcher, OnHint(HintResearch)).
		AddEdge(NodeCoordinator, NodeRapporteur, OnHint(HintReport)).
		AddEdge(NodePlanner, NodeCoordinator, Always).
		AddEdge(NodeResearcher, NodeResearcher, OnHint(HintContinue)).
		AddEdge(NodeResearcher, NodePlanner, OnHint(HintReplan)).
		AddEdge(NodeResearcher, NodeRapporteur, OnHint(HintSufficient)).
		Build()
	if err != nil {
		panic("default research graph is invalid: " + err.Error())
	}
	return g
}
