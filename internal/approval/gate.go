package approval

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/event"
	"github.com/Iron-Ham/ragents/internal/state"
)

// ErrNotAwaitingApproval is returned when a decision targets a run the gate
// is not holding.
var ErrNotAwaitingApproval = errors.New("run is not awaiting approval")

// ResumeFunc resumes a paused run with the reviewer's feedback. The engine's
// ResumeRun satisfies it.
type ResumeFunc func(ctx context.Context, runID string, fb *state.HumanFeedback) error

// pendingRun is a run held for approval.
type pendingRun struct {
	planVersion int
	subtasks    int
	since       time.Time
}

// Gate tracks runs paused for plan approval in this process and turns
// Approve/Reject decisions into human feedback for the paused plan version.
type Gate struct {
	mu      sync.Mutex
	bus     *event.Bus
	resume  ResumeFunc
	now     func() time.Time
	pending map[string]pendingRun
}

// NewGate creates a Gate. bus may be nil.
func NewGate(bus *event.Bus, resume ResumeFunc) *Gate {
	return &Gate{
		bus:     bus,
		resume:  resume,
		now:     time.Now,
		pending: make(map[string]pendingRun),
	}
}

// Hold records that s is paused for approval and publishes a
// RunPausedEvent. s must be in the awaiting_approval status.
func (g *Gate) Hold(s state.WorkflowState) error {
	if s.Status != state.StatusAwaitingApproval {
		return errors.NewInvalidStateError(s.RunID, string(s.Status), "only awaiting_approval runs can be held")
	}
	subtasks := 0
	if s.Plan != nil {
		subtasks = len(s.Plan.Subtasks)
	}

	g.mu.Lock()
	g.pending[s.RunID] = pendingRun{planVersion: s.PlanVersion(), subtasks: subtasks, since: g.now()}
	g.mu.Unlock()

	// Publish outside the mutex so handlers may call back into the gate.
	if g.bus != nil {
		g.bus.Publish(event.NewRunPausedEvent(s.RunID, s.PlanVersion(), subtasks))
	}
	return nil
}

// Approve resumes a held run with approving feedback.
func (g *Gate) Approve(ctx context.Context, runID, comment string) error {
	return g.decide(ctx, runID, true, comment)
}

// Reject resumes a held run with rejecting feedback, sending it back to the
// planner.
func (g *Gate) Reject(ctx context.Context, runID, comment string) error {
	return g.decide(ctx, runID, false, comment)
}

func (g *Gate) decide(ctx context.Context, runID string, approved bool, comment string) error {
	g.mu.Lock()
	p, ok := g.pending[runID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotAwaitingApproval, runID)
	}
	delete(g.pending, runID)
	g.mu.Unlock()

	fb := &state.HumanFeedback{
		Approved:    approved,
		Comment:     comment,
		PlanVersion: p.planVersion,
		ReceivedAt:  g.now(),
	}
	if err := g.resume(ctx, runID, fb); err != nil {
		// The run is still paused; keep holding it.
		g.mu.Lock()
		if _, again := g.pending[runID]; !again {
			g.pending[runID] = p
		}
		g.mu.Unlock()
		return fmt.Errorf("resume run %s: %w", runID, err)
	}
	return nil
}

// Release forgets a held run, e.g. after it was cancelled or resumed
// through another path.
func (g *Gate) Release(runID string) {
	g.mu.Lock()
	delete(g.pending, runID)
	g.mu.Unlock()
}

// PendingApprovals returns the held run IDs in sorted order.
func (g *Gate) PendingApprovals() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsAwaitingApproval returns true if the gate holds runID.
func (g *Gate) IsAwaitingApproval(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.pending[runID]
	return ok
}

// PendingPlanVersion returns the plan version a held run waits on.
func (g *Gate) PendingPlanVersion(runID string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[runID]
	return p.planVersion, ok
}
