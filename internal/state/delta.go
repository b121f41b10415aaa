package state

import (
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/ragents/internal/errors"
)

// SubtaskUpdate moves one subtask of the current plan to a new status.
type SubtaskUpdate struct {
	ID     string        `json:"id"`
	Status SubtaskStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// Delta is a field-level mutation produced by one agent invocation.
// Nil pointer fields are left untouched.
type Delta struct {
	Plan           *Plan           `json:"plan,omitempty"`
	SubtaskUpdates []SubtaskUpdate `json:"subtask_updates,omitempty"`
	Notes          []Note          `json:"notes,omitempty"`
	ReportDraft    *string         `json:"report_draft,omitempty"`
	Status         *Status         `json:"status,omitempty"`
	QueryType      *QueryType      `json:"query_type,omitempty"`
	ClearFeedback  bool            `json:"clear_feedback,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
}

// IsEmpty returns true if the delta changes nothing.
func (d Delta) IsEmpty() bool {
	return d.Plan == nil && len(d.SubtaskUpdates) == 0 && len(d.Notes) == 0 &&
		d.ReportDraft == nil && d.Status == nil && d.QueryType == nil &&
		!d.ClearFeedback && d.LastError == nil
}

// Ptr returns a pointer to v, for building deltas.
func Ptr[T any](v T) *T {
	return &v
}

// CheckPermissions verifies that role may write every field set in d.
// Only the engine may set completed or failed, and it does not go
// through this check.
func CheckPermissions(role Role, d Delta) error {
	deny := func(field string) error {
		return errors.NewFatalError(
			fmt.Sprintf("%s may not write %s", role, field),
			errors.ErrPermissionDenied,
		).WithRole(string(role))
	}

	if d.Plan != nil && role != RolePlanner {
		return deny("plan")
	}
	if d.ClearFeedback && role != RolePlanner {
		return deny("human_feedback")
	}
	if d.Status != nil {
		if *d.Status != StatusAwaitingApproval || role != RoleCoordinator {
			return deny("status=" + string(*d.Status))
		}
	}
	if d.ReportDraft != nil && role != RoleRapporteur && role != RoleCoordinator {
		return deny("report_draft")
	}
	if d.QueryType != nil && role != RoleCoordinator {
		return deny("query_type")
	}
	if (len(d.SubtaskUpdates) > 0 || len(d.Notes) > 0) && role != RoleResearcher {
		return deny("research results")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.NewFatalError(fmt.Sprintf(format, args...), errors.ErrInvalidDelta)
}

// Apply merges d into s and returns the new state. s is not modified.
//
// Apply enforces the state invariants: terminal runs accept nothing, plan
// versions only grow, subtask statuses only move forward, notes stay unique
// by fingerprint, and terminal statuses carry their required fields. On
// success the revision is incremented and last_error is cleared unless d
// sets it.
func Apply(s WorkflowState, d Delta, now time.Time) (WorkflowState, error) {
	if s.Status.IsTerminal() {
		return s, invalid("run is %s and accepts no further transitions", s.Status)
	}

	next := s.Clone()

	if d.Plan != nil {
		plan, err := mergePlan(next.Plan, *d.Plan)
		if err != nil {
			return s, err
		}
		next.Plan = plan
	}

	for _, u := range d.SubtaskUpdates {
		if err := applySubtaskUpdate(next.Plan, u); err != nil {
			return s, err
		}
	}

	for _, n := range d.Notes {
		if n.Fingerprint == "" {
			return s, invalid("note for query %q has no fingerprint", n.Query)
		}
		next.Notes = mergeNote(next.Notes, n)
	}

	if d.ReportDraft != nil {
		next.ReportDraft = *d.ReportDraft
	}
	if d.QueryType != nil {
		next.QueryType = *d.QueryType
	}
	if d.ClearFeedback {
		next.HumanFeedback = nil
	}

	next.LastError = ""
	if d.LastError != nil {
		next.LastError = *d.LastError
	}

	if d.Status != nil {
		to := *d.Status
		if !CanTransition(s.Status, to) {
			return s, invalid("cannot transition run from %s to %s", s.Status, to)
		}
		if to == StatusCompleted && next.ReportDraft == "" {
			return s, invalid("completed run requires a report draft")
		}
		if to == StatusFailed && next.LastError == "" {
			return s, invalid("failed run requires last_error")
		}
		next.Status = to
	}

	next.Revision++
	next.UpdatedAt = now
	return next, nil
}

// mergePlan installs a new plan version. Subtasks of the previous plan are
// carried over: done ones stay done, failed ones stay failed and anything
// still open is failed as superseded.
func mergePlan(prev *Plan, p Plan) (*Plan, error) {
	if len(p.Subtasks) == 0 {
		return nil, invalid("plan v%d has no subtasks", p.Version)
	}
	if prev != nil && p.Version <= prev.Version {
		return nil, invalid("plan version %d does not supersede version %d", p.Version, prev.Version)
	}
	if p.Version < 1 {
		return nil, invalid("plan version must be positive, got %d", p.Version)
	}

	out := &Plan{
		Version:            p.Version,
		Goal:               p.Goal,
		CompletionCriteria: p.CompletionCriteria,
	}
	seen := make(map[string]bool)

	if prev != nil {
		for _, st := range prev.Subtasks {
			st.Queries = slices.Clone(st.Queries)
			if !st.Status.IsTerminal() {
				st.Status = SubtaskFailed
				st.Reason = fmt.Sprintf("superseded by plan v%d", p.Version)
			}
			seen[st.ID] = true
			out.Subtasks = append(out.Subtasks, st)
		}
	}

	for _, st := range p.Subtasks {
		if st.ID == "" {
			return nil, invalid("plan v%d has a subtask without id", p.Version)
		}
		if seen[st.ID] {
			return nil, invalid("plan v%d reuses subtask id %q", p.Version, st.ID)
		}
		seen[st.ID] = true
		st.Queries = slices.Clone(st.Queries)
		if st.Status == "" {
			st.Status = SubtaskPending
		}
		if st.Status != SubtaskPending {
			return nil, invalid("new subtask %q must start pending", st.ID)
		}
		st.PlanVersion = p.Version
		out.Subtasks = append(out.Subtasks, st)
	}
	return out, nil
}

func applySubtaskUpdate(plan *Plan, u SubtaskUpdate) error {
	st := plan.Subtask(u.ID)
	if st == nil {
		return invalid("unknown subtask %q", u.ID)
	}
	if !u.Status.Valid() {
		return invalid("unknown subtask status %q", u.Status)
	}
	if st.Status == u.Status {
		return nil
	}
	if st.Status.IsTerminal() || u.Status.rank() < st.Status.rank() {
		return invalid("subtask %q cannot move from %s to %s", u.ID, st.Status, u.Status)
	}
	st.Status = u.Status
	st.Reason = u.Reason
	return nil
}

// mergeNote appends n, or merges its subtask references into the existing
// note with the same fingerprint.
func mergeNote(notes []Note, n Note) []Note {
	for i := range notes {
		if notes[i].Fingerprint != n.Fingerprint {
			continue
		}
		for _, id := range n.Subtasks {
			if !slices.Contains(notes[i].Subtasks, id) {
				notes[i].Subtasks = append(notes[i].Subtasks, id)
			}
		}
		return notes
	}
	refs := make([]string, 0, len(n.Subtasks))
	for _, id := range n.Subtasks {
		if !slices.Contains(refs, id) {
			refs = append(refs, id)
		}
	}
	n.Subtasks = refs
	return append(notes, n)
}
