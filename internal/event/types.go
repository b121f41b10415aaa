package event

import "time"

// Event type identifiers, "category.action".
const (
	TypeRunStarted      = "run.started"
	TypeRunResumed      = "run.resumed"
	TypeRunPaused       = "run.paused"
	TypeRunCompleted    = "run.completed"
	TypeRunFailed       = "run.failed"
	TypeNodeStarted     = "node.started"
	TypeNodeCompleted   = "node.completed"
	TypeNodeRetry       = "node.retry"
	TypeCheckpointSaved = "checkpoint.saved"
)

// Event is the interface that all events implement.
type Event interface {
	// EventType returns the "category.action" identifier.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time

	// RunID returns the run the event belongs to.
	RunID() string
}

// baseEvent provides the common fields. Embed it in concrete event types.
type baseEvent struct {
	eventType string
	timestamp time.Time
	runID     string
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }
func (e baseEvent) RunID() string        { return e.runID }

func newBaseEvent(eventType, runID string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now(), runID: runID}
}

// -----------------------------------------------------------------------------
// Run Lifecycle Events
// -----------------------------------------------------------------------------

// RunStartedEvent is emitted when a new run is created.
type RunStartedEvent struct {
	baseEvent
	Task          string
	MaxIterations int
}

// NewRunStartedEvent creates a RunStartedEvent.
func NewRunStartedEvent(runID, task string, maxIterations int) RunStartedEvent {
	return RunStartedEvent{
		baseEvent:     newBaseEvent(TypeRunStarted, runID),
		Task:          task,
		MaxIterations: maxIterations,
	}
}

// RunResumedEvent is emitted when a paused or orphaned run continues.
type RunResumedEvent struct {
	baseEvent
	Revision int64
	Approved *bool // nil when resumed without feedback
}

// NewRunResumedEvent creates a RunResumedEvent.
func NewRunResumedEvent(runID string, revision int64, approved *bool) RunResumedEvent {
	return RunResumedEvent{
		baseEvent: newBaseEvent(TypeRunResumed, runID),
		Revision:  revision,
		Approved:  approved,
	}
}

// RunPausedEvent is emitted when a run waits for human approval.
type RunPausedEvent struct {
	baseEvent
	PlanVersion int
	Subtasks    int
}

// NewRunPausedEvent creates a RunPausedEvent.
func NewRunPausedEvent(runID string, planVersion, subtasks int) RunPausedEvent {
	return RunPausedEvent{
		baseEvent:   newBaseEvent(TypeRunPaused, runID),
		PlanVersion: planVersion,
		Subtasks:    subtasks,
	}
}

// RunCompletedEvent is emitted when a run reaches completed.
type RunCompletedEvent struct {
	baseEvent
	Iterations int
	Duration   time.Duration
	ReportSize int
}

// NewRunCompletedEvent creates a RunCompletedEvent.
func NewRunCompletedEvent(runID string, iterations int, duration time.Duration, reportSize int) RunCompletedEvent {
	return RunCompletedEvent{
		baseEvent:  newBaseEvent(TypeRunCompleted, runID),
		Iterations: iterations,
		Duration:   duration,
		ReportSize: reportSize,
	}
}

// RunFailedEvent is emitted when a run reaches failed.
type RunFailedEvent struct {
	baseEvent
	Node   string
	Reason string
}

// NewRunFailedEvent creates a RunFailedEvent.
func NewRunFailedEvent(runID, node, reason string) RunFailedEvent {
	return RunFailedEvent{
		baseEvent: newBaseEvent(TypeRunFailed, runID),
		Node:      node,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Node Events
// -----------------------------------------------------------------------------

// NodeStartedEvent is emitted before an agent node is invoked.
type NodeStartedEvent struct {
	baseEvent
	Node      string
	Role      string
	Iteration int
}

// NewNodeStartedEvent creates a NodeStartedEvent.
func NewNodeStartedEvent(runID, node, role string, iteration int) NodeStartedEvent {
	return NodeStartedEvent{
		baseEvent: newBaseEvent(TypeNodeStarted, runID),
		Node:      node,
		Role:      role,
		Iteration: iteration,
	}
}

// NodeCompletedEvent is emitted after a node's delta has been merged.
type NodeCompletedEvent struct {
	baseEvent
	Node     string
	Role     string
	Hint     string
	Attempts int
	Duration time.Duration
}

// NewNodeCompletedEvent creates a NodeCompletedEvent.
func NewNodeCompletedEvent(runID, node, role, hint string, attempts int, duration time.Duration) NodeCompletedEvent {
	return NodeCompletedEvent{
		baseEvent: newBaseEvent(TypeNodeCompleted, runID),
		Node:      node,
		Role:      role,
		Hint:      hint,
		Attempts:  attempts,
		Duration:  duration,
	}
}

// NodeRetryEvent is emitted when a retryable node failure is retried.
type NodeRetryEvent struct {
	baseEvent
	Node    string
	Attempt int
	Delay   time.Duration
	Error   string
}

// NewNodeRetryEvent creates a NodeRetryEvent.
func NewNodeRetryEvent(runID, node string, attempt int, delay time.Duration, err error) NodeRetryEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return NodeRetryEvent{
		baseEvent: newBaseEvent(TypeNodeRetry, runID),
		Node:      node,
		Attempt:   attempt,
		Delay:     delay,
		Error:     msg,
	}
}

// -----------------------------------------------------------------------------
// Checkpoint Events
// -----------------------------------------------------------------------------

// CheckpointSavedEvent is emitted after a checkpoint is persisted.
type CheckpointSavedEvent struct {
	baseEvent
	Revision int64
	Status   string
}

// NewCheckpointSavedEvent creates a CheckpointSavedEvent.
func NewCheckpointSavedEvent(runID string, revision int64, status string) CheckpointSavedEvent {
	return CheckpointSavedEvent{
		baseEvent: newBaseEvent(TypeCheckpointSaved, runID),
		Revision:  revision,
		Status:    status,
	}
}
