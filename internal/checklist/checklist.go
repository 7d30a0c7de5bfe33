// Package checklist builds and advances per-task checklists. Every checklist
// ends with the same mandatory tail and is advanced strictly in order.
package checklist

import (
	"fmt"
	"slices"
	"strings"

	"roledesk/internal/domain"
)

// TailSource supplies the mandatory checklist suffix.
type TailSource interface {
	TailSteps() []domain.Step
}

type Engine struct {
	tail TailSource
}

func NewEngine(tail TailSource) *Engine {
	return &Engine{tail: tail}
}

// Checklist is owned by a single task. It is not safe for concurrent use;
// the lifecycle manager serializes access.
type Checklist struct {
	TaskID string
	steps  []domain.Step
	active int
}

// NewChecklist appends the mandatory tail to userSteps and activates the
// first step.
func (e *Engine) NewChecklist(taskID string, userSteps []domain.StepSpec) (*Checklist, error) {
	if len(userSteps) == 0 {
		return nil, fmt.Errorf("%w: at least one user step is required", domain.ErrInvalidChecklist)
	}
	tail := e.tail.TailSteps()
	steps := make([]domain.Step, 0, len(userSteps)+len(tail))
	for i, spec := range userSteps {
		desc := strings.TrimSpace(spec.Description)
		if desc == "" {
			return nil, fmt.Errorf("%w: step %d has no description", domain.ErrInvalidChecklist, i+1)
		}
		steps = append(steps, domain.Step{
			Description: desc,
			Status:      domain.StepStatusPending,
			Kind:        domain.StepKindUser,
		})
	}
	for _, step := range tail {
		step.Status = domain.StepStatusPending
		step.IsMandatoryTail = true
		steps = append(steps, step)
	}
	steps[0].Status = domain.StepStatusActive
	return &Checklist{TaskID: taskID, steps: steps}, nil
}

// AdvanceStep marks the active step done and activates the next one. It
// returns the step that was completed and whether the checklist is now
// complete. On a complete checklist it is a no-op.
func (e *Engine) AdvanceStep(cl *Checklist) (domain.Step, bool) {
	if cl.complete() {
		return domain.Step{}, true
	}
	cl.steps[cl.active].Status = domain.StepStatusDone
	completed := cl.steps[cl.active]
	cl.active++
	if cl.active < len(cl.steps) {
		cl.steps[cl.active].Status = domain.StepStatusActive
	}
	return completed, cl.complete()
}

func (e *Engine) IsComplete(cl *Checklist) bool {
	return cl.complete()
}

func (cl *Checklist) complete() bool {
	for _, step := range cl.steps {
		if step.Status != domain.StepStatusDone {
			return false
		}
	}
	return true
}

// Active returns the step currently being worked on.
func (cl *Checklist) Active() (domain.Step, bool) {
	if cl.active >= len(cl.steps) {
		return domain.Step{}, false
	}
	return cl.steps[cl.active], true
}

func (cl *Checklist) Steps() []domain.Step {
	return slices.Clone(cl.steps)
}

func (cl *Checklist) Len() int {
	return len(cl.steps)
}

func (cl *Checklist) Snapshot() domain.ChecklistSnapshot {
	return domain.ChecklistSnapshot{TaskID: cl.TaskID, Steps: cl.Steps()}
}
