// Package engine executes research runs over a workflow graph.
//
// A run is a sequence of node executions sharing one [state.WorkflowState].
// Each cycle resolves the next node from the cursor, invokes the agent for
// the node's role, checks the role may write the returned delta, merges it
// and persists a checkpoint before moving on. A state is never observed as
// advanced unless its checkpoint was written.
//
// # Lifecycle
//
//	running ──► awaiting_approval ──► running
//	   │                │
//	   ├──► completed   └──► failed
//	   └──► failed
//
// A run completes when it executes a terminal node or routes to graph.End
// with a report draft. It fails on a fatal agent error, a retryable error
// past the retry limit, an invalid delta, a missing transition, the
// iteration ceiling or cancellation. Only nodes marked as iterating count
// toward max_iterations, and a run fails before it would exceed it.
//
// # Retries
//
// Every node attempt runs on a copy of the state under the per-node
// timeout. Retryable failures and timeouts are retried with exponential
// backoff (cenkalti/backoff), never sooner than the agent's backoff hint.
//
// # Resume
//
// [Engine.ResumeRun] continues a run from its latest checkpoint: a paused
// run with the reviewer's feedback, or a run left running by a process
// that died. An approval gate registered with [Engine.SetHolder] tracks
// paused runs and resumes them through the engine.
package engine
