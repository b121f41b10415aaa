package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/ragents/internal/agent"
	"github.com/Iron-Ham/ragents/internal/checkpoint"
	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/event"
	"github.com/Iron-Ham/ragents/internal/graph"
	"github.com/Iron-Ham/ragents/internal/logging"
	"github.com/Iron-Ham/ragents/internal/state"
)

// drive executes nodes until the run pauses or reaches a terminal status.
func (e *Engine) drive(ctx context.Context, r *run, s state.WorkflowState) {
	logger := e.logger.WithRun(r.id)
	for {
		if r.cancelled.Load() || ctx.Err() != nil {
			e.fail(ctx, r, s, s.Cursor.Node, errors.ErrCancelled.Error())
			return
		}
		next, stop := e.step(ctx, r, s, logger)
		if stop {
			return
		}
		s = next
	}
}

// nextNode resolves the node to execute from the cursor of s.
func (e *Engine) nextNode(s state.WorkflowState) (string, error) {
	if s.Cursor.Node == "" {
		return e.graph.Start(), nil
	}
	return e.graph.Resolve(s.Cursor.Node, s, s.Cursor.Hint)
}

// step executes one node and persists the resulting state. It returns the
// new state and whether the run stopped.
func (e *Engine) step(ctx context.Context, r *run, s state.WorkflowState, logger *logging.Logger) (state.WorkflowState, bool) {
	nodeID, err := e.nextNode(s)
	if err != nil {
		e.fail(ctx, r, s, s.Cursor.Node, err.Error())
		return s, true
	}
	if nodeID == graph.End {
		next := s.Clone()
		next.Revision++
		e.finish(ctx, r, s, next, s.Cursor.Node)
		return s, true
	}

	node, _ := e.graph.Node(nodeID)
	if node.Iterates && s.IterationCount >= s.MaxIterations {
		e.fail(ctx, r, s, nodeID, fmt.Sprintf("%s (%d)", errors.ErrMaxIterations, s.MaxIterations))
		return s, true
	}
	a, err := e.agents.For(node.Role)
	if err != nil {
		e.fail(ctx, r, s, nodeID, err.Error())
		return s, true
	}

	iteration := s.IterationCount
	if node.Iterates {
		iteration++
	}
	nodeLogger := logger.WithNode(nodeID).WithRole(string(node.Role))
	nodeLogger.Debug("node started", "iteration", iteration, "revision", s.Revision)
	e.bus.Publish(event.NewNodeStartedEvent(r.id, nodeID, string(node.Role), iteration))

	start := e.now()
	res, attempts, err := e.invoke(ctx, r, node, a, s, nodeLogger)
	if r.cancelled.Load() || ctx.Err() != nil {
		e.fail(ctx, r, s, nodeID, errors.ErrCancelled.Error())
		return s, true
	}
	if err != nil {
		nodeLogger.Error("node failed", "attempts", attempts, "error", err)
		e.fail(ctx, r, s, nodeID, err.Error())
		return s, true
	}

	if err := state.CheckPermissions(node.Role, res.Delta); err != nil {
		e.fail(ctx, r, s, nodeID, err.Error())
		return s, true
	}
	next, err := state.Apply(s, res.Delta, e.now())
	if err != nil {
		e.fail(ctx, r, s, nodeID, err.Error())
		return s, true
	}
	next.IterationCount = iteration
	next.Cursor = state.Cursor{Node: nodeID, Hint: res.Hint}

	duration := e.now().Sub(start)
	nodeLogger.Info("node completed", "hint", res.Hint, "attempts", attempts, "duration", duration, "revision", next.Revision)
	e.bus.Publish(event.NewNodeCompletedEvent(r.id, nodeID, string(node.Role), res.Hint, attempts, duration))

	if next.Status == state.StatusAwaitingApproval {
		if !e.commit(ctx, r, s, next, nodeID) {
			return s, true
		}
		e.pause(r, next, logger)
		return next, true
	}

	if e.graph.IsTerminal(nodeID) {
		e.finish(ctx, r, s, next, nodeID)
		return next, true
	}
	to, err := e.graph.Resolve(nodeID, next, res.Hint)
	if err != nil {
		e.fail(ctx, r, s, nodeID, err.Error())
		return s, true
	}
	if to == graph.End {
		e.finish(ctx, r, s, next, nodeID)
		return next, true
	}

	if !e.commit(ctx, r, s, next, nodeID) {
		return s, true
	}
	return next, false
}

// commit persists next. When persistence fails the run is failed from
// prev without advancing. A save in flight is not interrupted by
// cancellation.
func (e *Engine) commit(ctx context.Context, r *run, prev, next state.WorkflowState, node string) bool {
	if err := e.persist(context.WithoutCancel(ctx), next); err != nil {
		e.fail(ctx, r, prev, node, fmt.Sprintf("saving checkpoint: %v", err))
		return false
	}
	r.set(next)
	return true
}

// finish persists next as completed. prev is the last persisted state. A
// run without a report fails instead.
func (e *Engine) finish(ctx context.Context, r *run, prev, next state.WorkflowState, node string) {
	if next.ReportDraft == "" {
		e.fail(ctx, r, prev, node, "run reached the end of the graph without a report")
		return
	}
	next.Status = state.StatusCompleted
	next.LastError = ""
	next.UpdatedAt = e.now()
	if !e.commit(ctx, r, prev, next, node) {
		return
	}
	duration := e.now().Sub(next.CreatedAt)
	e.logger.WithRun(r.id).Info("run completed",
		"iterations", next.IterationCount, "revision", next.Revision, "report_bytes", len(next.ReportDraft))
	e.bus.Publish(event.NewRunCompletedEvent(r.id, next.IterationCount, duration, len(next.ReportDraft)))
}

// pause hands a run awaiting approval to the holder, which announces it.
// Without a holder the engine announces the pause itself.
func (e *Engine) pause(r *run, s state.WorkflowState, logger *logging.Logger) {
	subtasks := 0
	if s.Plan != nil {
		subtasks = len(s.Plan.Subtasks)
	}
	logger.Info("run awaiting approval", "plan_version", s.PlanVersion(), "subtasks", subtasks)

	if h := e.getHolder(); h != nil {
		err := h.Hold(s)
		if err == nil {
			return
		}
		logger.Warn("approval holder rejected run", "error", err)
	}
	e.bus.Publish(event.NewRunPausedEvent(r.id, s.PlanVersion(), subtasks))
}

// fail ends the run from s with reason. The failure is persisted on a
// best-effort basis: a store that is down must not hide the failure from
// in-process callers.
func (e *Engine) fail(ctx context.Context, r *run, s state.WorkflowState, node, reason string) {
	next := failed(s, reason, e.now())
	logger := e.logger.WithRun(r.id)
	if err := e.persist(context.WithoutCancel(ctx), next); err != nil {
		logger.Error("failed to persist run failure", "error", err)
	}
	r.set(next)
	logger.Warn("run failed", "node", node, "reason", reason)
	e.bus.Publish(event.NewRunFailedEvent(r.id, node, reason))
}

func failed(s state.WorkflowState, reason string, now time.Time) state.WorkflowState {
	next := s.Clone()
	next.Status = state.StatusFailed
	next.LastError = reason
	next.Revision++
	next.UpdatedAt = now
	return next
}

// persist saves a checkpoint of s, retrying transient store failures. A
// stale revision is never retried.
func (e *Engine) persist(ctx context.Context, s state.WorkflowState) error {
	eb := backoff.NewExponentialBackOff()
	if e.saveRetry.Initial > 0 {
		eb.InitialInterval = e.saveRetry.Initial
	}
	eb.MaxElapsedTime = 0
	retries := max(e.saveRetry.Attempts-1, 0)
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	cp := checkpoint.New(s, e.now())
	err := backoff.RetryNotify(func() error {
		err := e.store.Save(ctx, cp)
		if errors.Is(err, errors.ErrStaleCheckpoint) || errors.Is(err, errors.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, delay time.Duration) {
		e.logger.WithRun(s.RunID).Warn("retrying checkpoint save", "revision", s.Revision, "delay", delay, "error", err)
	})
	if err != nil {
		return err
	}
	e.bus.Publish(event.NewCheckpointSavedEvent(s.RunID, s.Revision, string(s.Status)))
	return nil
}

// schedule returns the retry delays for node attempts under cfg.
func schedule(ctx context.Context, cfg state.RunConfig) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if cfg.BackoffInitial > 0 {
		eb.InitialInterval = cfg.BackoffInitial
	}
	if cfg.BackoffMax > 0 {
		eb.MaxInterval = cfg.BackoffMax
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(eb, ctx)
}

// invoke runs the agent with the node retry policy. Fatal errors stop at
// once; a retryable error past the retry limit is returned as fatal.
func (e *Engine) invoke(ctx context.Context, r *run, node graph.Node, a agent.Agent, s state.WorkflowState,
	logger *logging.Logger) (agent.Result, int, error) {
	limit := max(s.Config.RetryLimit, 1)
	b := schedule(ctx, s.Config)

	for attempt := 1; ; attempt++ {
		res, err := e.attempt(ctx, a, s, s.Config.PerNodeTimeout)
		if err == nil {
			return res, attempt, nil
		}
		if ctx.Err() != nil {
			return agent.Result{}, attempt, ctx.Err()
		}
		if errors.IsFatal(err) {
			return agent.Result{}, attempt, err
		}
		delay := b.NextBackOff()
		if attempt >= limit || delay == backoff.Stop {
			return agent.Result{}, attempt, errors.NewRetriesExhaustedError(node.ID, attempt, err).WithRole(string(node.Role)).WithAttempt(attempt)
		}
		delay = max(delay, errors.BackoffHint(err))

		logger.Warn("retrying node", "attempt", attempt, "delay", delay, "error", err)
		e.bus.Publish(event.NewNodeRetryEvent(r.id, node.ID, attempt, delay, err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return agent.Result{}, attempt, ctx.Err()
		case <-r.stop:
			timer.Stop()
			return agent.Result{}, attempt, errors.ErrCancelled
		case <-timer.C:
		}
		if r.cancelled.Load() {
			return agent.Result{}, attempt, errors.ErrCancelled
		}
	}
}

// attempt invokes the agent once on a copy of s. The attempt is bounded by
// timeout; a timeout is retryable. A panicking agent fails the attempt
// fatally.
func (e *Engine) attempt(ctx context.Context, a agent.Agent, s state.WorkflowState, timeout time.Duration) (agent.Result, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type reply struct {
		res agent.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- reply{err: errors.NewFatalError(fmt.Sprintf("agent panicked: %v", p), nil).WithRole(string(a.Role()))}
			}
		}()
		res, err := a.Invoke(actx, s.Clone())
		ch <- reply{res: res, err: err}
	}()

	timedOut := func() error {
		return errors.NewTimeoutError(string(a.Role()), timeout)
	}
	select {
	case rep := <-ch:
		if rep.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return agent.Result{}, timedOut()
		}
		return rep.res, rep.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return agent.Result{}, ctx.Err()
		}
		return agent.Result{}, timedOut()
	}
}
