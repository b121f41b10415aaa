package agent

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/state"
)

// Result is what one agent invocation hands back to the engine: the
// field-level mutation to merge and the routing hint for the graph.
type Result struct {
	Delta state.Delta
	Hint  string
}

// Agent is one role of the research workflow. Invoke receives a deep copy
// of the state and must not retain it.
type Agent interface {
	Role() state.Role
	Hints() []string
	Invoke(ctx context.Context, s state.WorkflowState) (Result, error)
}

// Set maps roles to the agents serving them.
type Set map[state.Role]Agent

// NewSet builds a Set and rejects duplicate roles.
func NewSet(agents ...Agent) (Set, error) {
	set := make(Set, len(agents))
	for _, a := range agents {
		if _, dup := set[a.Role()]; dup {
			return nil, errors.NewValidationError(fmt.Sprintf("duplicate agent for role %s", a.Role()))
		}
		set[a.Role()] = a
	}
	return set, nil
}

// For returns the agent of role.
func (s Set) For(role state.Role) (Agent, error) {
	a, ok := s[role]
	if !ok {
		return nil, errors.NewFatalError(fmt.Sprintf("no agent registered for role %s", role), nil).
			WithRole(string(role))
	}
	return a, nil
}

// Func adapts plain functions to Agent. Tests script agents with it.
type Func struct {
	AgentRole  state.Role
	AgentHints []string
	Fn         func(ctx context.Context, s state.WorkflowState) (Result, error)
}

// Role implements Agent.
func (f Func) Role() state.Role { return f.AgentRole }

// Hints implements Agent.
func (f Func) Hints() []string { return f.AgentHints }

// Invoke implements Agent.
func (f Func) Invoke(ctx context.Context, s state.WorkflowState) (Result, error) {
	return f.Fn(ctx, s)
}
