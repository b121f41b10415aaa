package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/ragents/internal/agent"
	"github.com/Iron-Ham/ragents/internal/checkpoint"
	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/event"
	"github.com/Iron-Ham/ragents/internal/graph"
	"github.com/Iron-Ham/ragents/internal/logging"
	"github.com/Iron-Ham/ragents/internal/state"
	"github.com/Iron-Ham/ragents/internal/util"
)

// DefaultRunConfig returns the limits used for fields a caller leaves zero.
func DefaultRunConfig() state.RunConfig {
	return state.RunConfig{
		MaxIterations:      20,
		PerNodeTimeout:     2 * time.Minute,
		RetryLimit:         3,
		RelevanceThreshold: 0.3,
		BackoffInitial:     500 * time.Millisecond,
		BackoffMax:         10 * time.Second,
	}
}

// Holder is told about runs that pause for approval and about runs that
// leave the pause. *approval.Gate implements it.
type Holder interface {
	Hold(s state.WorkflowState) error
	Release(runID string)
}

// SaveRetry bounds the retries of a failed checkpoint write.
type SaveRetry struct {
	Attempts int
	Initial  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus publishes run and node events to bus.
func WithBus(bus *event.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger sets the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the run ID generator.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithDefaults sets the limits applied to zero RunConfig fields.
func WithDefaults(cfg state.RunConfig) Option {
	return func(e *Engine) { e.defaults = cfg }
}

// WithSaveRetry sets the checkpoint write retry policy.
func WithSaveRetry(r SaveRetry) Option {
	return func(e *Engine) { e.saveRetry = r }
}

// Engine executes research runs over a workflow graph. Nodes of one run
// execute sequentially; different runs execute in parallel.
type Engine struct {
	graph     *graph.Graph
	agents    agent.Set
	store     checkpoint.Store
	bus       *event.Bus
	logger    *logging.Logger
	now       func() time.Time
	newID     func() string
	defaults  state.RunConfig
	saveRetry SaveRetry

	mu       sync.Mutex
	runs     map[string]*run
	resuming map[string]bool
	holder   Holder
	closed   bool
	wg       sync.WaitGroup
}

// New creates an Engine. Every role used by g must have an agent in
// agents.
func New(g *graph.Graph, agents agent.Set, store checkpoint.Store, opts ...Option) (*Engine, error) {
	if g == nil || store == nil {
		return nil, errors.NewValidationError("engine requires a graph and a checkpoint store")
	}
	for _, n := range g.Nodes() {
		if n.Role == "" {
			continue
		}
		if _, err := agents.For(n.Role); err != nil {
			return nil, errors.NewGraphConfigurationError(n.ID, fmt.Sprintf("no agent for role %s", n.Role))
		}
	}

	e := &Engine{
		graph:     g,
		agents:    agents,
		store:     store,
		now:       time.Now,
		newID:     uuid.NewString,
		defaults:  DefaultRunConfig(),
		saveRetry: SaveRetry{Attempts: 3, Initial: 50 * time.Millisecond},
		runs:      make(map[string]*run),
		resuming:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.NopLogger()
	}
	if e.bus == nil {
		e.bus = event.NewBus(e.logger)
	}
	return e, nil
}

// SetHolder registers the approval holder. It is set after construction
// because an approval gate resumes runs through the engine.
func (e *Engine) SetHolder(h Holder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holder = h
}

// Bus returns the event bus.
func (e *Engine) Bus() *event.Bus {
	return e.bus
}

// run is one execution segment of a run in this process: from start or
// resume until it pauses or ends.
type run struct {
	id        string
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled atomic.Bool
	stop      chan struct{} // closed once the run is asked to stop
	stopOnce  sync.Once

	mu    sync.Mutex
	state state.WorkflowState
}

func (r *run) active() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// requestStop marks the run cancelled. The node in flight is allowed to
// finish; its result is discarded at the boundary.
func (r *run) requestStop() {
	r.stopOnce.Do(func() {
		r.cancelled.Store(true)
		close(r.stop)
	})
}

func (r *run) set(s state.WorkflowState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *run) snapshot() state.WorkflowState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

func (e *Engine) withDefaults(cfg state.RunConfig) state.RunConfig {
	d := e.defaults
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = d.MaxIterations
	}
	if cfg.PerNodeTimeout <= 0 {
		cfg.PerNodeTimeout = d.PerNodeTimeout
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = d.RetryLimit
	}
	if cfg.RelevanceThreshold <= 0 {
		cfg.RelevanceThreshold = d.RelevanceThreshold
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = d.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = d.BackoffMax
	}
	return cfg
}

// StartRun creates a run for task, saves its initial checkpoint and starts
// executing it in the background. The returned ID identifies the run in
// every other call.
func (e *Engine) StartRun(ctx context.Context, task string, cfg state.RunConfig) (string, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return "", errors.NewValidationError("task must not be empty").WithField("task")
	}
	if cfg.RelevanceThreshold > 1 {
		return "", errors.NewValidationError("relevance threshold must be within [0, 1]").
			WithField("relevance_threshold").WithValue(cfg.RelevanceThreshold)
	}
	if err := e.checkOpen(); err != nil {
		return "", err
	}

	s := state.New(e.newID(), task, e.withDefaults(cfg), e.now())
	if err := e.persist(ctx, s); err != nil {
		return "", fmt.Errorf("saving initial checkpoint: %w", err)
	}

	e.logger.WithRun(s.RunID).Info("run started", "task", util.TruncateString(task, 120), "max_iterations", s.MaxIterations)
	e.bus.Publish(event.NewRunStartedEvent(s.RunID, task, s.MaxIterations))
	e.launch(ctx, s)
	return s.RunID, nil
}

// ResumeRun continues a run from its latest checkpoint. A run paused for
// approval requires fb, which is recorded for the paused plan version. A
// run left running by a crashed process resumes from its cursor and takes
// no feedback.
func (e *Engine) ResumeRun(ctx context.Context, runID string, fb *state.HumanFeedback) error {
	if err := e.claim(runID); err != nil {
		return err
	}
	defer e.unclaim(runID)

	cp, err := e.store.Load(ctx, runID)
	if errors.Is(err, errors.ErrCheckpointNotFound) {
		return errors.NewUnknownRunError(runID)
	}
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	s := cp.State

	var approved *bool
	switch s.Status {
	case state.StatusAwaitingApproval:
		if fb == nil {
			return errors.NewInvalidStateError(runID, string(s.Status), "feedback is required to resume a paused run")
		}
		if fb.PlanVersion != 0 && fb.PlanVersion != s.PlanVersion() {
			return errors.NewInvalidStateError(runID, string(s.Status),
				fmt.Sprintf("feedback targets plan v%d but the run is paused on plan v%d", fb.PlanVersion, s.PlanVersion()))
		}
		feedback := *fb
		feedback.PlanVersion = s.PlanVersion()
		if feedback.ReceivedAt.IsZero() {
			feedback.ReceivedAt = e.now()
		}
		approved = &feedback.Approved

		next := s.Clone()
		next.HumanFeedback = &feedback
		next.Status = state.StatusRunning
		next.LastError = ""
		next.Revision++
		next.UpdatedAt = e.now()
		if err := e.persist(ctx, next); err != nil {
			return fmt.Errorf("saving feedback: %w", err)
		}
		s = next

	case state.StatusRunning:
		if fb != nil {
			return errors.NewInvalidStateError(runID, string(s.Status), "run is not awaiting approval")
		}
		e.logger.WithRun(runID).Warn("recovering orphaned run", "revision", s.Revision, "cursor", s.Cursor.Node)

	default:
		return errors.NewInvalidStateError(runID, string(s.Status), "run has finished")
	}

	if h := e.getHolder(); h != nil {
		h.Release(runID)
	}
	e.logger.WithRun(runID).Info("run resumed", "revision", s.Revision, "approved", approved)
	e.bus.Publish(event.NewRunResumedEvent(runID, s.Revision, approved))
	e.launch(ctx, s)
	return nil
}

// GetState returns a copy of the latest state of a run: the live state if
// it executes in this process, otherwise its latest checkpoint.
func (e *Engine) GetState(ctx context.Context, runID string) (state.WorkflowState, error) {
	e.mu.Lock()
	r := e.runs[runID]
	e.mu.Unlock()
	if r != nil {
		return r.snapshot(), nil
	}

	cp, err := e.store.Load(ctx, runID)
	if errors.Is(err, errors.ErrCheckpointNotFound) {
		return state.WorkflowState{}, errors.NewUnknownRunError(runID)
	}
	if err != nil {
		return state.WorkflowState{}, fmt.Errorf("loading checkpoint: %w", err)
	}
	return cp.State, nil
}

// Wait blocks until the run stops executing in this process, then returns
// its state. Runs that are not executing return their latest state at once.
func (e *Engine) Wait(ctx context.Context, runID string) (state.WorkflowState, error) {
	e.mu.Lock()
	r := e.runs[runID]
	e.mu.Unlock()
	if r == nil {
		return e.GetState(ctx, runID)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return state.WorkflowState{}, ctx.Err()
	}
}

// CancelRun stops a run. An executing run is not interrupted mid-node: the
// node in flight completes (or its pending retry wait is abandoned), its
// delta is discarded and the run fails at the boundary. A paused or
// orphaned run is failed immediately. Either way the run ends failed with
// reason "cancelled".
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	r := e.runs[runID]
	resuming := e.resuming[runID]
	e.mu.Unlock()
	if r != nil && r.active() {
		r.requestStop()
		return nil
	}
	if resuming {
		return errors.NewInvalidStateError(runID, "", "run is being resumed")
	}

	s, err := e.GetState(ctx, runID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return errors.NewInvalidStateError(runID, string(s.Status), "run has finished")
	}

	next := failed(s, errors.ErrCancelled.Error(), e.now())
	if err := e.persist(ctx, next); err != nil {
		return fmt.Errorf("saving cancellation: %w", err)
	}
	if r != nil {
		r.set(next)
	}
	if h := e.getHolder(); h != nil {
		h.Release(runID)
	}
	e.logger.WithRun(runID).Info("run cancelled", "previous_status", s.Status)
	e.bus.Publish(event.NewRunFailedEvent(runID, "", next.LastError))
	return nil
}

// ListRuns returns the latest checkpoint summary of every stored run.
func (e *Engine) ListRuns(ctx context.Context) ([]checkpoint.Summary, error) {
	return e.store.List(ctx)
}

// Shutdown cancels every executing run and waits for them to stop.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.runs {
		if r.active() {
			r.requestStop()
			r.cancel()
		}
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.NewValidationError("engine is shut down")
	}
	return nil
}

// claim reserves runID for a resume so two resumes cannot both start it.
func (e *Engine) claim(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.NewValidationError("engine is shut down")
	}
	if r := e.runs[runID]; (r != nil && r.active()) || e.resuming[runID] {
		return errors.NewInvalidStateError(runID, string(state.StatusRunning), "run is already executing")
	}
	e.resuming[runID] = true
	return nil
}

func (e *Engine) unclaim(runID string) {
	e.mu.Lock()
	delete(e.resuming, runID)
	e.mu.Unlock()
}

func (e *Engine) getHolder() Holder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holder
}

// launch registers a run segment and executes it in the background. The
// run outlives the caller's context but keeps its values.
func (e *Engine) launch(ctx context.Context, s state.WorkflowState) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{id: s.RunID, cancel: cancel, done: make(chan struct{}), stop: make(chan struct{}), state: s}

	e.mu.Lock()
	e.runs[s.RunID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer close(r.done)
		defer cancel()
		e.drive(runCtx, r, s)
	}()
}
