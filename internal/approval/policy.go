package approval

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/state"
)

// Policy mode names accepted by ParsePolicy and the approval.mode setting.
const (
	ModeNever       = "never"
	ModeAlways      = "always"
	ModeFirstPlan   = "first_plan"
	ModeMinSubtasks = "min_subtasks"
)

// Policy decides whether the current plan must be approved by a human
// before research starts. Approving feedback for the current plan version
// always lifts the gate; policies only decide whether the gate exists.
type Policy interface {
	RequiresApproval(s state.WorkflowState) bool
	String() string
}

// Never lets every plan through.
type Never struct{}

func (Never) RequiresApproval(state.WorkflowState) bool { return false }
func (Never) String() string                            { return ModeNever }

// Always gates every plan version, including revisions.
type Always struct{}

func (Always) RequiresApproval(s state.WorkflowState) bool { return s.Plan != nil }
func (Always) String() string                              { return ModeAlways }

// FirstPlanOnly gates the initial plan and lets revisions through.
type FirstPlanOnly struct{}

func (FirstPlanOnly) RequiresApproval(s state.WorkflowState) bool { return s.PlanVersion() == 1 }
func (FirstPlanOnly) String() string                              { return ModeFirstPlan }

// MinSubtasks gates plans with at least N subtasks.
type MinSubtasks struct {
	N int
}

func (p MinSubtasks) RequiresApproval(s state.WorkflowState) bool {
	return s.Plan != nil && len(s.Plan.Subtasks) >= p.N
}

func (p MinSubtasks) String() string { return fmt.Sprintf("%s(%d)", ModeMinSubtasks, p.N) }

// Modes returns the accepted policy mode names.
func Modes() []string {
	return []string{ModeNever, ModeAlways, ModeFirstPlan, ModeMinSubtasks}
}

// ParsePolicy builds a policy from its mode name. minSubtasks is only used
// by ModeMinSubtasks and must be positive there.
func ParsePolicy(mode string, minSubtasks int) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeNever:
		return Never{}, nil
	case ModeAlways:
		return Always{}, nil
	case ModeFirstPlan:
		return FirstPlanOnly{}, nil
	case ModeMinSubtasks:
		if minSubtasks < 1 {
			return nil, errors.NewValidationError("min_subtasks must be at least 1").
				WithField("approval.min_subtasks").WithValue(minSubtasks)
		}
		return MinSubtasks{N: minSubtasks}, nil
	default:
		return nil, errors.NewValidationError(
			fmt.Sprintf("unknown approval mode %q (valid: %s)", mode, strings.Join(Modes(), ", ")),
		).WithField("approval.mode").WithValue(mode)
	}
}
