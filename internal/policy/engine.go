package policy

import (
	"slices"

	"roledesk/internal/config"
	"roledesk/internal/domain"
)

// Engine answers rule questions from the shared PolicyConfig. It holds no
// mutable state.
type Engine struct {
	cfg config.PolicyConfig
}

func New(cfg config.PolicyConfig) *Engine {
	return &Engine{cfg: cfg.WithDefaults()}
}

func (e *Engine) Config() config.PolicyConfig {
	return e.cfg
}

// TailSteps returns the mandatory checklist suffix in its fixed order.
func (e *Engine) TailSteps() []domain.Step {
	return []domain.Step{
		{Description: e.cfg.ReflectionStep, Status: domain.StepStatusPending, IsMandatoryTail: true, Kind: domain.StepKindReflection},
		{Description: e.cfg.CommitStep, Status: domain.StepStatusPending, IsMandatoryTail: true, Kind: domain.StepKindCommit},
		{Description: e.cfg.RegistryUpdateStep, Status: domain.StepStatusPending, IsMandatoryTail: true, Kind: domain.StepKindRegistryUpdate},
		{Description: e.cfg.GateStep, Status: domain.StepStatusPending, IsMandatoryTail: true, Kind: domain.StepKindGate},
	}
}

func (e *Engine) RequiresReview(role domain.Role) bool {
	return e.cfg.ReviewRequired || role.RequiresReview
}

// CanDelegate checks the static part of a delegation: self-delegation and
// the source role's escalation targets.
func (e *Engine) CanDelegate(source domain.Role, targetRole string) (bool, string, error) {
	if source.ID == targetRole {
		return false, "target role equals source role", domain.ErrSelfDelegation
	}
	if len(source.EscalationTargets) > 0 && !slices.Contains(source.EscalationTargets, targetRole) {
		return false, "target role is not listed in escalation_targets", domain.ErrDelegationNotPermitted
	}
	return true, "allowed", nil
}

func (e *Engine) MaxDelegationDepth() int {
	return e.cfg.MaxDelegationDepth
}

func (e *Engine) DefaultCapturePriority() int {
	return e.cfg.DefaultCapturePriority
}

func (e *Engine) TitleMaxRunes() int {
	return e.cfg.TitleMaxRunes
}
