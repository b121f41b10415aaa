// Package approval decides when a research plan needs a human's sign-off
// and tracks the runs paused for it.
//
// A [Policy] is consulted by the coordinator once a plan exists. When it
// returns true and no approving feedback exists for the current plan
// version, the run pauses in awaiting_approval. The engine hands paused
// runs to a [Gate], which publishes a run.paused event and converts
// Approve or Reject decisions into [state.HumanFeedback] stamped with the
// paused plan version before resuming the run.
//
// # Usage
//
//	policy, err := approval.ParsePolicy(cfg.Approval.Mode, cfg.Approval.MinSubtasks)
//
//	gate := approval.NewGate(bus, eng.ResumeRun)
//	gate.Hold(pausedState)
//	err = gate.Approve(ctx, runID, "looks good")
//	// or
//	err = gate.Reject(ctx, runID, "narrow the scope")
//
// # Thread Safety
//
// All methods on [Gate] are safe for concurrent use. Events are published
// outside the gate's mutex.
package approval
