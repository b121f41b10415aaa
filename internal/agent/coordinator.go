package agent

import (
	"context"
	"strings"

	"github.com/Iron-Ham/ragents/internal/approval"
	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/graph"
	"github.com/Iron-Ham/ragents/internal/llm"
	"github.com/Iron-Ham/ragents/internal/logging"
	"github.com/Iron-Ham/ragents/internal/state"
)

const (
	inappropriateReply = "I can't help with that request. I'm happy to research another topic."
	greetingReply      = "Hello! I'm a research assistant. Give me a topic and I'll plan, research and write a report on it."
)

// Coordinator classifies the task and routes the run between planning,
// approval, research and reporting.
type Coordinator struct {
	gen    llm.Generator
	policy approval.Policy
	logger *logging.Logger
}

// NewCoordinator creates a Coordinator. gen may be nil, in which case every
// task is treated as research. A nil policy never gates.
func NewCoordinator(gen llm.Generator, policy approval.Policy, logger *logging.Logger) *Coordinator {
	if policy == nil {
		policy = approval.Never{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Coordinator{gen: gen, policy: policy, logger: logger.WithRole(string(state.RoleCoordinator))}
}

// Role implements Agent.
func (c *Coordinator) Role() state.Role { return state.RoleCoordinator }

// Hints implements Agent.
func (c *Coordinator) Hints() []string { return graph.DefaultHints()[state.RoleCoordinator] }

// Invoke implements Agent.
func (c *Coordinator) Invoke(ctx context.Context, s state.WorkflowState) (Result, error) {
	var d state.Delta

	qt := s.QueryType
	if qt == "" {
		var err error
		qt, err = c.classify(ctx, s.Task)
		if err != nil {
			return Result{}, err
		}
		d.QueryType = state.Ptr(qt)
	}

	if qt.IsTrivial() {
		reply, err := c.reply(ctx, s.Task, qt)
		if err != nil {
			return Result{}, err
		}
		d.ReportDraft = state.Ptr(reply)
		return Result{Delta: d, Hint: graph.HintRespond}, nil
	}

	switch {
	case s.Plan == nil:
		return Result{Delta: d, Hint: graph.HintPlan}, nil
	case c.policy.RequiresApproval(s) && !s.FeedbackApproved():
		d.Status = state.Ptr(state.StatusAwaitingApproval)
		c.logger.Info("plan requires approval", "plan_version", s.PlanVersion(), "policy", c.policy.String())
		return Result{Delta: d, Hint: graph.HintApproval}, nil
	case s.AllSubtasksTerminal():
		return Result{Delta: d, Hint: graph.HintReport}, nil
	default:
		return Result{Delta: d, Hint: graph.HintResearch}, nil
	}
}

// classify asks the model for the query type. Unknown answers and fatal
// model errors fall back to RESEARCH; retryable errors are returned.
func (c *Coordinator) classify(ctx context.Context, task string) (state.QueryType, error) {
	if c.gen == nil {
		return state.QueryResearch, nil
	}
	prompt, err := render("classify", map[string]string{"Task": task})
	if err != nil {
		return "", errors.NewFatalError("rendering classify prompt", err)
	}
	out, err := c.gen.Generate(ctx, prompt, llm.WithTemperature(0))
	if err != nil {
		if errors.IsRetryable(err) || ctx.Err() != nil {
			return "", err
		}
		c.logger.Warn("classification failed, assuming research", "error", err)
		return state.QueryResearch, nil
	}

	switch qt := state.QueryType(strings.ToUpper(strings.Trim(strings.TrimSpace(out), ".\"'`"))); qt {
	case state.QueryGreeting, state.QueryInappropriate, state.QueryResearch:
		return qt, nil
	default:
		return state.QueryResearch, nil
	}
}

func (c *Coordinator) reply(ctx context.Context, task string, qt state.QueryType) (string, error) {
	switch {
	case qt == state.QueryInappropriate:
		return inappropriateReply, nil
	case c.gen == nil:
		return greetingReply, nil
	}
	prompt, err := render("greeting", map[string]string{"Task": task})
	if err != nil {
		return "", errors.NewFatalError("rendering greeting prompt", err)
	}
	out, err := c.gen.Generate(ctx, prompt, llm.WithTemperature(0.7), llm.WithMaxTokens(200))
	if err != nil {
		if errors.IsRetryable(err) || ctx.Err() != nil {
			return "", err
		}
		return greetingReply, nil
	}
	if strings.TrimSpace(out) == "" {
		return greetingReply, nil
	}
	return strings.TrimSpace(out), nil
}
