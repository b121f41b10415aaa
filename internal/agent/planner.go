package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/graph"
	"github.com/Iron-Ham/ragents/internal/llm"
	"github.com/Iron-Ham/ragents/internal/logging"
	"github.com/Iron-Ham/ragents/internal/state"
)

// PlannerConfig bounds the plans the planner produces.
type PlannerConfig struct {
	MaxSubtasks   int
	MaxQueries    int
	Sources       []string // tools subtasks may use
	DefaultSource string
}

// DefaultPlannerConfig returns the planner defaults.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{MaxSubtasks: 5, MaxQueries: 3, Sources: []string{"tavily"}, DefaultSource: "tavily"}
}

// Planner creates the research plan and revises it after rejection or an
// unproductive research round.
type Planner struct {
	gen    llm.Generator
	cfg    PlannerConfig
	logger *logging.Logger
}

// NewPlanner creates a Planner. gen may be nil, in which case the fallback
// single-subtask plan is always used.
func NewPlanner(gen llm.Generator, cfg PlannerConfig, logger *logging.Logger) *Planner {
	def := DefaultPlannerConfig()
	if cfg.MaxSubtasks <= 0 {
		cfg.MaxSubtasks = def.MaxSubtasks
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = def.MaxQueries
	}
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = def.DefaultSource
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = []string{cfg.DefaultSource}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Planner{gen: gen, cfg: cfg, logger: logger.WithRole(string(state.RolePlanner))}
}

// Role implements Agent.
func (p *Planner) Role() state.Role { return state.RolePlanner }

// Hints implements Agent.
func (p *Planner) Hints() []string { return graph.DefaultHints()[state.RolePlanner] }

type planReply struct {
	Goal               string `json:"research_goal"`
	CompletionCriteria string `json:"completion_criteria"`
	Subtasks           []struct {
		Description string   `json:"description"`
		Queries     []string `json:"search_queries"`
		Source      string   `json:"source"`
		Sources     []string `json:"sources"`
	} `json:"sub_tasks"`
}

// Invoke implements Agent.
func (p *Planner) Invoke(ctx context.Context, s state.WorkflowState) (Result, error) {
	version := s.PlanVersion() + 1

	reply, err := p.draft(ctx, s)
	if err != nil {
		return Result{}, err
	}

	plan := p.normalize(s.Task, version, reply)
	p.logger.Info("plan drafted", "plan_version", version, "subtasks", len(plan.Subtasks))

	return Result{
		Delta: state.Delta{Plan: &plan, ClearFeedback: s.HumanFeedback != nil},
		Hint:  graph.HintPlanned,
	}, nil
}

// draft asks the model for a plan. Retryable model errors are returned;
// fatal ones and unparseable replies yield an empty reply, which
// normalize turns into the fallback plan.
func (p *Planner) draft(ctx context.Context, s state.WorkflowState) (planReply, error) {
	if p.gen == nil {
		return planReply{}, nil
	}

	data := struct {
		Task        string
		Previous    *state.Plan
		Feedback    string
		Replan      bool
		Sources     []string
		MaxSubtasks int
		MaxQueries  int
	}{
		Task:        s.Task,
		Previous:    s.Plan,
		Replan:      s.Plan != nil && !s.FeedbackRejected(),
		Sources:     p.cfg.Sources,
		MaxSubtasks: p.cfg.MaxSubtasks,
		MaxQueries:  p.cfg.MaxQueries,
	}
	if s.HumanFeedback != nil {
		data.Feedback = s.HumanFeedback.Comment
	}

	prompt, err := render("plan", data)
	if err != nil {
		return planReply{}, errors.NewFatalError("rendering plan prompt", err)
	}
	out, err := p.gen.Generate(ctx, prompt, llm.WithTemperature(0.7))
	if err != nil {
		if errors.IsRetryable(err) || ctx.Err() != nil {
			return planReply{}, err
		}
		p.logger.Warn("plan generation failed, using fallback plan", "error", err)
		return planReply{}, nil
	}

	var reply planReply
	if err := llm.DecodeJSON(out, &reply); err != nil {
		p.logger.Warn("unparseable plan reply, using fallback plan", "error", err)
		return planReply{}, nil
	}
	return reply, nil
}

// normalize turns a model reply into a valid plan: IDs are assigned,
// empty entries dropped, limits applied and sources restricted to the
// configured tools.
func (p *Planner) normalize(task string, version int, reply planReply) state.Plan {
	plan := state.Plan{
		Version:            version,
		Goal:               strings.TrimSpace(reply.Goal),
		CompletionCriteria: strings.TrimSpace(reply.CompletionCriteria),
	}
	if plan.Goal == "" {
		plan.Goal = task
	}
	if plan.CompletionCriteria == "" {
		plan.CompletionCriteria = "Gather sufficient information to answer the task"
	}

	for _, st := range reply.Subtasks {
		if len(plan.Subtasks) == p.cfg.MaxSubtasks {
			break
		}
		desc := strings.TrimSpace(st.Description)
		var queries []string
		for _, q := range st.Queries {
			q = strings.TrimSpace(q)
			if q != "" && !slices.Contains(queries, q) && len(queries) < p.cfg.MaxQueries {
				queries = append(queries, q)
			}
		}
		if len(queries) == 0 && desc != "" {
			queries = []string{desc}
		}
		if len(queries) == 0 {
			continue
		}
		if desc == "" {
			desc = queries[0]
		}
		source := st.Source
		if source == "" && len(st.Sources) > 0 {
			source = st.Sources[0]
		}
		plan.Subtasks = append(plan.Subtasks, state.Subtask{
			ID:          fmt.Sprintf("p%d-s%d", version, len(plan.Subtasks)+1),
			Description: desc,
			Queries:     queries,
			Source:      p.source(source),
			Status:      state.SubtaskPending,
		})
	}

	if len(plan.Subtasks) == 0 {
		plan.Subtasks = []state.Subtask{{
			ID:          fmt.Sprintf("p%d-s1", version),
			Description: "Research: " + task,
			Queries:     []string{task},
			Source:      p.cfg.DefaultSource,
			Status:      state.SubtaskPending,
		}}
	}
	return plan
}

func (p *Planner) source(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if slices.Contains(p.cfg.Sources, name) {
		return name
	}
	return p.cfg.DefaultSource
}
