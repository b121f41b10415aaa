// Package agent implements the four research roles that the engine runs as
// graph nodes.
//
// Each agent reads a snapshot of the workflow state and returns a Result: a
// state.Delta limited to the fields its role may write, plus a routing hint
// the graph turns into the next node.
//
//   - Coordinator classifies the task, answers trivial requests directly
//     and routes between planning, approval, research and reporting.
//   - Planner drafts a plan from the model reply, or a single-subtask
//     fallback plan when the model is unavailable or unparseable.
//   - Researcher answers open subtasks in bounded batches, consulting the
//     memory store before the search tools.
//   - Rapporteur renders the markdown report from done subtasks.
//
// Agents hold no per-run state; the same Set serves every run.
package agent
