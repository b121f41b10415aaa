package state

import (
	"slices"
	"time"
)

// Status is the lifecycle status of a run.
type Status string

const (
	// StatusRunning indicates the engine is executing, or will execute, nodes.
	StatusRunning Status = "running"

	// StatusAwaitingApproval indicates the run is paused for human feedback.
	StatusAwaitingApproval Status = "awaiting_approval"

	// StatusCompleted indicates the run produced a report.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the run stopped with last_error set.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status accepts no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusAwaitingApproval, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusRunning:
		return to == StatusRunning || to == StatusAwaitingApproval || to == StatusCompleted || to == StatusFailed
	case StatusAwaitingApproval:
		return to == StatusRunning || to == StatusFailed
	default:
		return false
	}
}

// SubtaskStatus is the execution state of one subtask.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskDone       SubtaskStatus = "done"
	SubtaskFailed     SubtaskStatus = "failed"
)

// IsTerminal returns true for done and failed.
func (s SubtaskStatus) IsTerminal() bool {
	return s == SubtaskDone || s == SubtaskFailed
}

func (s SubtaskStatus) rank() int {
	switch s {
	case SubtaskPending:
		return 0
	case SubtaskInProgress:
		return 1
	case SubtaskDone, SubtaskFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known subtask status.
func (s SubtaskStatus) Valid() bool {
	return s.rank() >= 0
}

// QueryType is the Coordinator's classification of the task.
type QueryType string

const (
	QueryGreeting      QueryType = "GREETING"
	QueryInappropriate QueryType = "INAPPROPRIATE"
	QueryResearch      QueryType = "RESEARCH"
)

// IsTrivial returns true for tasks answered directly without research.
func (q QueryType) IsTrivial() bool {
	return q == QueryGreeting || q == QueryInappropriate
}

// Role identifies the agent that produced a delta.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RolePlanner     Role = "planner"
	RoleResearcher  Role = "researcher"
	RoleRapporteur  Role = "rapporteur"
)

// Roles returns every agent role.
func Roles() []Role {
	return []Role{RoleCoordinator, RolePlanner, RoleResearcher, RoleRapporteur}
}

// Subtask is one unit of research work within a plan.
type Subtask struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Queries     []string      `json:"queries"`
	Source      string        `json:"source"`
	Status      SubtaskStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	PlanVersion int           `json:"plan_version"`
}

// Plan is the Planner's decomposition of the task.
type Plan struct {
	Version            int       `json:"version"`
	Goal               string    `json:"goal"`
	CompletionCriteria string    `json:"completion_criteria,omitempty"`
	Subtasks           []Subtask `json:"subtasks"`
}

// Subtask returns the subtask with the given ID, or nil.
func (p *Plan) Subtask(id string) *Subtask {
	if p == nil {
		return nil
	}
	for i := range p.Subtasks {
		if p.Subtasks[i].ID == id {
			return &p.Subtasks[i]
		}
	}
	return nil
}

// Note is a research artifact retrieved for one or more subtasks.
// Notes are unique by Fingerprint.
type Note struct {
	Fingerprint string    `json:"fingerprint"`
	Query       string    `json:"query"`
	Title       string    `json:"title,omitempty"`
	SourceRef   string    `json:"source_ref"`
	Content     string    `json:"content"`
	Relevance   float64   `json:"relevance"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Subtasks    []string  `json:"subtasks"`
}

// HumanFeedback is the reviewer's answer to an approval pause.
type HumanFeedback struct {
	Approved    bool      `json:"approved"`
	Comment     string    `json:"comment,omitempty"`
	PlanVersion int       `json:"plan_version"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Cursor records the last executed node and the hint it produced.
type Cursor struct {
	Node string `json:"node,omitempty"`
	Hint string `json:"hint,omitempty"`
}

// RunConfig holds the per-run execution limits. It is persisted with the
// state so a resumed run keeps its original limits.
type RunConfig struct {
	MaxIterations      int           `json:"max_iterations"`
	PerNodeTimeout     time.Duration `json:"per_node_timeout"`
	RetryLimit         int           `json:"retry_limit"`
	RelevanceThreshold float64       `json:"relevance_threshold"`
	BackoffInitial     time.Duration `json:"backoff_initial"`
	BackoffMax         time.Duration `json:"backoff_max"`
}

// WorkflowState is the shared task state of one run.
type WorkflowState struct {
	RunID          string         `json:"run_id"`
	Revision       int64          `json:"revision"`
	Task           string         `json:"task"`
	Plan           *Plan          `json:"plan,omitempty"`
	Notes          []Note         `json:"research_notes"`
	ReportDraft    string         `json:"report_draft,omitempty"`
	HumanFeedback  *HumanFeedback `json:"human_feedback,omitempty"`
	IterationCount int            `json:"iteration_count"`
	MaxIterations  int            `json:"max_iterations"`
	Status         Status         `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
	Cursor         Cursor         `json:"cursor"`
	QueryType      QueryType      `json:"query_type,omitempty"`
	Config         RunConfig      `json:"config"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// New creates the initial state of a run at revision 0.
func New(runID, task string, cfg RunConfig, now time.Time) WorkflowState {
	return WorkflowState{
		RunID:         runID,
		Task:          task,
		Notes:         []Note{},
		MaxIterations: cfg.MaxIterations,
		Status:        StatusRunning,
		Config:        cfg,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy of s.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	if s.Plan != nil {
		p := *s.Plan
		p.Subtasks = make([]Subtask, len(s.Plan.Subtasks))
		for i, st := range s.Plan.Subtasks {
			st.Queries = slices.Clone(st.Queries)
			p.Subtasks[i] = st
		}
		out.Plan = &p
	}
	out.Notes = make([]Note, len(s.Notes))
	for i, n := range s.Notes {
		n.Subtasks = slices.Clone(n.Subtasks)
		out.Notes[i] = n
	}
	if s.HumanFeedback != nil {
		fb := *s.HumanFeedback
		out.HumanFeedback = &fb
	}
	return out
}

// PlanVersion returns the current plan version, or 0 without a plan.
func (s WorkflowState) PlanVersion() int {
	if s.Plan == nil {
		return 0
	}
	return s.Plan.Version
}

// SubtasksWithStatus returns copies of the subtasks in any of the given statuses.
func (s WorkflowState) SubtasksWithStatus(statuses ...SubtaskStatus) []Subtask {
	if s.Plan == nil {
		return nil
	}
	var out []Subtask
	for _, st := range s.Plan.Subtasks {
		if slices.Contains(statuses, st.Status) {
			out = append(out, st)
		}
	}
	return out
}

// AllSubtasksTerminal returns true if a plan exists and none of its
// subtasks is pending or in progress.
func (s WorkflowState) AllSubtasksTerminal() bool {
	if s.Plan == nil || len(s.Plan.Subtasks) == 0 {
		return false
	}
	return len(s.SubtasksWithStatus(SubtaskPending, SubtaskInProgress)) == 0
}

// DoneCount returns the number of done subtasks.
func (s WorkflowState) DoneCount() int {
	return len(s.SubtasksWithStatus(SubtaskDone))
}

// NotesFor returns the notes referencing a subtask.
func (s WorkflowState) NotesFor(subtaskID string) []Note {
	var out []Note
	for _, n := range s.Notes {
		if slices.Contains(n.Subtasks, subtaskID) {
			out = append(out, n)
		}
	}
	return out
}

// FeedbackApproved returns true if approving feedback exists for the
// current plan version.
func (s WorkflowState) FeedbackApproved() bool {
	return s.HumanFeedback != nil && s.HumanFeedback.Approved &&
		s.HumanFeedback.PlanVersion == s.PlanVersion()
}

// FeedbackRejected returns true if rejecting feedback exists for the
// current plan version.
func (s WorkflowState) FeedbackRejected() bool {
	return s.HumanFeedback != nil && !s.HumanFeedback.Approved &&
		s.HumanFeedback.PlanVersion == s.PlanVersion()
}

// IterationsRemaining returns how many more iterating node invocations the
// run may perform.
func (s WorkflowState) IterationsRemaining() int {
	if s.MaxIterations <= 0 {
		return 0
	}
	return max(s.MaxIterations-s.IterationCount, 0)
}
