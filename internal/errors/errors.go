// Package errors provides centralized error definitions and error handling utilities
// for the ragents workflow engine. It defines the failure taxonomy shared by the
// engine, the agent adapters and the external collaborators they call.
//
// # Taxonomy
//
// Every failure is classified as one of:
//   - Retryable: transient external failures (network, rate limits, timeouts).
//     The engine absorbs these with its retry policy.
//   - Fatal: logical or contract violations (malformed task, graph
//     misconfiguration, exceeded iteration ceiling, unreachable transition).
//     The run transitions to failed and the message is recorded in last_error.
//
// A human-approval pause is not an error; it is a run status.
//
// # Error Types
//
//   - AgentError: raised by agent adapters, carries attempt and backoff metadata
//   - ToolError: raised by collaborators (LLM, search, fetch, storage)
//   - GraphError: graph misconfiguration and unresolvable transitions
//   - RunError: unknown runs and invalid lifecycle operations
//   - ValidationError, TimeoutError: semantic errors
//
// # Usage
//
//	err := errors.NewRetryableError("search rate limited", cause).WithBackoffHint(2 * time.Second)
//
//	if errors.IsRetryable(err) { ... }
//	if errors.Is(err, errors.ErrUnknownRun) { ... }
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Class is the coarse failure class used by the engine's retry policy.
type Class string

const (
	ClassNone      Class = ""
	ClassRetryable Class = "retryable"
	ClassFatal     Class = "fatal"
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Run lifecycle sentinel errors
var (
	// ErrUnknownRun indicates that no checkpoint exists for a run.
	ErrUnknownRun = New("unknown run")
	// ErrInvalidState indicates that an operation is not allowed in the run's status.
	ErrInvalidState = New("invalid run state")
	// ErrMaxIterations indicates that the iteration ceiling was reached.
	ErrMaxIterations = New("max iterations exceeded")
	// ErrCancelled indicates that a run was cancelled externally.
	ErrCancelled = New("cancelled")
	// ErrRetriesExhausted indicates a retryable failure that outlived the retry ceiling.
	ErrRetriesExhausted = New("retries exhausted")
)

// Graph sentinel errors
var (
	// ErrGraphConfiguration indicates that a workflow graph failed validation.
	ErrGraphConfiguration = New("graph configuration error")
	// ErrNoMatchingTransition indicates that no outgoing edge matched the state.
	ErrNoMatchingTransition = New("no matching transition")
)

// State sentinel errors
var (
	// ErrInvalidDelta indicates a delta that would violate a state invariant.
	ErrInvalidDelta = New("invalid delta")
	// ErrPermissionDenied indicates a delta field the producing role may not write.
	ErrPermissionDenied = New("delta not permitted for role")
	// ErrPreconditionFailed indicates an agent precondition over the state was violated.
	ErrPreconditionFailed = New("precondition failed")
)

// Storage sentinel errors
var (
	// ErrCheckpointNotFound indicates that no checkpoint exists for a run.
	ErrCheckpointNotFound = New("checkpoint not found")
	// ErrStaleCheckpoint indicates a save with a revision not newer than the stored one.
	ErrStaleCheckpoint = New("stale checkpoint revision")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// RagentsError is the base interface for all ragents errors.
type RagentsError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	sentinel   error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.sentinel != nil && target == e.sentinel {
		return true
	}
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show to users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Agent Errors
// -----------------------------------------------------------------------------

// AgentError is raised by an agent adapter. Retryable agent errors carry the
// iteration-scoped retry metadata the engine uses to schedule the next attempt.
type AgentError struct {
	baseError
	Role        string
	Node        string
	Attempt     int
	BackoffHint time.Duration
}

// NewRetryableError creates an AgentError for a transient failure.
func NewRetryableError(message string, cause error) *AgentError {
	return &AgentError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
	}
}

// NewFatalError creates an AgentError for an unrecoverable failure.
func NewFatalError(message string, cause error) *AgentError {
	return &AgentError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// NewPreconditionError creates a fatal AgentError matching ErrPreconditionFailed.
func NewPreconditionError(message string) *AgentError {
	e := NewFatalError(message, nil)
	e.sentinel = ErrPreconditionFailed
	return e
}

// NewRetriesExhaustedError reclassifies the last retryable failure of a node
// as fatal once the retry ceiling is reached.
func NewRetriesExhaustedError(node string, attempts int, cause error) *AgentError {
	e := NewFatalError(fmt.Sprintf("gave up after %d attempts", attempts), cause)
	e.sentinel = ErrRetriesExhausted
	e.Node = node
	return e
}

// WithRole adds the agent role to the error.
func (e *AgentError) WithRole(role string) *AgentError {
	e.Role = role
	return e
}

// WithNode adds the graph node to the error.
func (e *AgentError) WithNode(node string) *AgentError {
	e.Node = node
	return e
}

// WithAttempt records which attempt produced the error.
func (e *AgentError) WithAttempt(attempt int) *AgentError {
	e.Attempt = attempt
	return e
}

// WithBackoffHint suggests a minimum delay before the next attempt.
func (e *AgentError) WithBackoffHint(d time.Duration) *AgentError {
	e.BackoffHint = d
	return e
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	var parts []string
	if e.Role != "" {
		parts = append(parts, fmt.Sprintf("role=%s", e.Role))
	}
	if e.Node != "" {
		parts = append(parts, fmt.Sprintf("node=%s", e.Node))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}

	prefix := "agent error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("agent error [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.baseError.Error())
}

// Is checks if this error matches the target.
func (e *AgentError) Is(target error) bool {
	if _, ok := target.(*AgentError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Tool Errors
// -----------------------------------------------------------------------------

// ToolError is raised by an external collaborator: the LLM layer, a search or
// fetch tool, or a storage backend.
type ToolError struct {
	baseError
	Tool       string
	StatusCode int
	// BackoffHint is the delay the upstream asked for, e.g. via Retry-After.
	BackoffHint time.Duration
}

// NewToolError creates a ToolError. Tool errors are fatal unless marked retryable.
func NewToolError(tool, message string, cause error) *ToolError {
	return &ToolError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		Tool: tool,
	}
}

// WithRetryable sets whether the error is retryable.
func (e *ToolError) WithRetryable(r bool) *ToolError {
	e.retryable = r
	return e
}

// WithStatusCode records the upstream status code, if any.
func (e *ToolError) WithStatusCode(code int) *ToolError {
	e.StatusCode = code
	return e
}

// WithBackoffHint records the delay the upstream asked for before a retry.
func (e *ToolError) WithBackoffHint(d time.Duration) *ToolError {
	e.BackoffHint = d
	return e
}

// Error returns the formatted error message.
func (e *ToolError) Error() string {
	prefix := fmt.Sprintf("tool %s", e.Tool)
	if e.StatusCode != 0 {
		prefix = fmt.Sprintf("tool %s [status=%d]", e.Tool, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", prefix, e.baseError.Error())
}

// Is checks if this error matches the target.
func (e *ToolError) Is(target error) bool {
	if _, ok := target.(*ToolError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RetryableStatus reports whether an upstream HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	return code == 408 || code == 425 || code == 429 || code >= 500
}

// MaxRetryAfter caps the delay an upstream can impose through Retry-After.
const MaxRetryAfter = 5 * time.Minute

// ParseRetryAfter reads a Retry-After header value, either delay seconds or
// an HTTP date, relative to now. Missing, malformed and past values yield
// zero; longer delays are capped at MaxRetryAfter.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := time.Parse(time.RFC1123, v); err == nil {
		d = at.Sub(now)
	}
	return min(max(d, 0), MaxRetryAfter)
}

// -----------------------------------------------------------------------------
// Graph Errors
// -----------------------------------------------------------------------------

// GraphError reports a misconfigured workflow graph or a state that matches
// none of a node's outgoing edges.
type GraphError struct {
	baseError
	NodeID string
	Hint   string
}

// NewGraphConfigurationError creates a GraphError matching ErrGraphConfiguration.
func NewGraphConfigurationError(nodeID, message string) *GraphError {
	return &GraphError{
		baseError: baseError{
			message:    message,
			sentinel:   ErrGraphConfiguration,
			severity:   SeverityCritical,
			userFacing: true,
		},
		NodeID: nodeID,
	}
}

// NewNoMatchingTransitionError creates a GraphError matching ErrNoMatchingTransition.
func NewNoMatchingTransitionError(nodeID, hint string) *GraphError {
	return &GraphError{
		baseError: baseError{
			message:    fmt.Sprintf("no outgoing edge of %q matches hint %q", nodeID, hint),
			sentinel:   ErrNoMatchingTransition,
			severity:   SeverityError,
			userFacing: true,
		},
		NodeID: nodeID,
		Hint:   hint,
	}
}

// Error returns the formatted error message.
func (e *GraphError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%v: %s", e.sentinel, e.message)
	}
	return fmt.Sprintf("%v [node=%s]: %s", e.sentinel, e.NodeID, e.message)
}

// Is checks if this error matches the target.
func (e *GraphError) Is(target error) bool {
	if _, ok := target.(*GraphError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Run Errors
// -----------------------------------------------------------------------------

// RunError reports an engine API call that cannot be served for a run.
type RunError struct {
	baseError
	RunID  string
	Status string
}

// NewUnknownRunError creates a RunError matching ErrUnknownRun.
func NewUnknownRunError(runID string) *RunError {
	return &RunError{
		baseError: baseError{
			message:    fmt.Sprintf("run '%s' has no checkpoint", runID),
			sentinel:   ErrUnknownRun,
			severity:   SeverityWarning,
			userFacing: true,
		},
		RunID: runID,
	}
}

// NewInvalidStateError creates a RunError matching ErrInvalidState.
func NewInvalidStateError(runID, status, message string) *RunError {
	return &RunError{
		baseError: baseError{
			message:    message,
			sentinel:   ErrInvalidState,
			severity:   SeverityWarning,
			userFacing: true,
		},
		RunID:  runID,
		Status: status,
	}
}

// WithCause adds a cause to the error.
func (e *RunError) WithCause(cause error) *RunError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *RunError) Error() string {
	msg := e.baseError.Error()
	if e.Status != "" {
		return fmt.Sprintf("run %s [status=%s]: %s", e.RunID, e.Status, msg)
	}
	return fmt.Sprintf("run %s: %s", e.RunID, msg)
}

// Is checks if this error matches the target.
func (e *RunError) Is(target error) bool {
	if _, ok := target.(*RunError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("task must not be empty").WithField("task")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			sentinel:   ErrInvalidInput,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField records the offending field.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue records the offending value.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	msg := e.baseError.Error()
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", msg)
	}
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (value: %v)", e.Field, msg, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, msg)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that exceeded its time bound.
// Timeouts are retryable by default.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    fmt.Sprintf("%s timed out after %v", operation, duration),
			sentinel:   ErrTimeout,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable overrides the default retryable classification.
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing RagentsError with IsRetryable() returning true
//   - context.DeadlineExceeded and ErrTimeout
//   - net.Error timeouts
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ragentsErr RagentsError
	if As(err, &ragentsErr) {
		return ragentsErr.IsRetryable()
	}

	if Is(err, context.DeadlineExceeded) || Is(err, ErrTimeout) {
		return true
	}

	var netErr net.Error
	if As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsFatal returns true for any non-nil error that is not retryable.
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// Classify returns the retry class of err.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case IsRetryable(err):
		return ClassRetryable
	default:
		return ClassFatal
	}
}

// BackoffHint returns the minimum retry delay suggested by an AgentError or
// ToolError in the chain, the larger one if both are present, or zero.
func BackoffHint(err error) time.Duration {
	var hint time.Duration
	var agentErr *AgentError
	if As(err, &agentErr) {
		hint = agentErr.BackoffHint
	}
	var toolErr *ToolError
	if As(err, &toolErr) {
		hint = max(hint, toolErr.BackoffHint)
	}
	return hint
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var ragentsErr RagentsError
	if As(err, &ragentsErr) {
		return ragentsErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement RagentsError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var ragentsErr RagentsError
	if As(err, &ragentsErr) {
		return ragentsErr.Severity()
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike discarding the error, this preserves the RagentsError interface.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
