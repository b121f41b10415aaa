// Package state defines the shared task state that flows through a research
// workflow and the rules for mutating it.
//
// A [WorkflowState] is owned by the execution engine. Agents receive a deep
// copy and return a [Delta] describing field-level changes. The engine checks
// the delta against the producing role's permissions with [CheckPermissions]
// and merges it with [Apply], which enforces the state invariants and bumps
// the revision.
//
// Usage:
//
//	s := state.New(runID, "survey vector databases", cfg, time.Now())
//
//	if err := state.CheckPermissions(state.RolePlanner, delta); err != nil {
//	    return err
//	}
//	next, err := state.Apply(s, delta, time.Now())
package state
