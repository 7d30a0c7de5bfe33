package checklist

import (
	"errors"
	"fmt"
	"testing"

	"roledesk/internal/config"
	"roledesk/internal/domain"
	"roledesk/internal/policy"
)

func newTestEngine() *Engine {
	return NewEngine(policy.New(config.PolicyConfig{}))
}

func userSteps(n int) []domain.StepSpec {
	out := make([]domain.StepSpec, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.StepSpec{Description: fmt.Sprintf("step %d", i+1)})
	}
	return out
}

func TestNewChecklistAppendsTail(t *testing.T) {
	e := newTestEngine()
	cl, err := e.NewChecklist("task-1", []domain.StepSpec{{Description: "design API"}, {Description: "implement API"}})
	if err != nil {
		t.Fatalf("new checklist: %v", err)
	}
	steps := cl.Steps()
	if len(steps) != 6 {
		t.Fatalf("expected 6 steps, got %d", len(steps))
	}
	wantKinds := []domain.StepKind{
		domain.StepKindUser,
		domain.StepKindUser,
		domain.StepKindReflection,
		domain.StepKindCommit,
		domain.StepKindRegistryUpdate,
		domain.StepKindGate,
	}
	for i, step := range steps {
		if step.Kind != wantKinds[i] {
			t.Fatalf("step %d kind=%s want=%s", i, step.Kind, wantKinds[i])
		}
		if step.IsMandatoryTail != (i >= 2) {
			t.Fatalf("step %d mandatory tail=%t", i, step.IsMandatoryTail)
		}
	}
	if steps[0].Status != domain.StepStatusActive {
		t.Fatalf("first step should be active, got %s", steps[0].Status)
	}
	for _, step := range steps[1:] {
		if step.Status != domain.StepStatusPending {
			t.Fatalf("expected pending, got %+v", step)
		}
	}
}

func TestNewChecklistRejectsEmptySteps(t *testing.T) {
	e := newTestEngine()
	if _, err := e.NewChecklist("task-1", nil); !errors.Is(err, domain.ErrInvalidChecklist) {
		t.Fatalf("expected ErrInvalidChecklist, got %v", err)
	}
	if _, err := e.NewChecklist("task-1", []domain.StepSpec{{Description: "  "}}); !errors.Is(err, domain.ErrInvalidChecklist) {
		t.Fatalf("expected ErrInvalidChecklist for blank step, got %v", err)
	}
}

func TestAdvanceStepIsSequential(t *testing.T) {
	e := newTestEngine()
	cl, err := e.NewChecklist("task-1", userSteps(1))
	if err != nil {
		t.Fatalf("new checklist: %v", err)
	}
	completed, done := e.AdvanceStep(cl)
	if done || completed.Kind != domain.StepKindUser || completed.Status != domain.StepStatusDone {
		t.Fatalf("unexpected first advance: %+v done=%t", completed, done)
	}
	active, ok := cl.Active()
	if !ok || active.Kind != domain.StepKindReflection {
		t.Fatalf("expected reflection active, got %+v", active)
	}
	steps := cl.Steps()
	if steps[2].Status != domain.StepStatusPending {
		t.Fatalf("later steps must stay pending: %+v", steps[2])
	}
}

// The checklist is complete only after every user step and every tail step
// has been advanced, for any number of user steps.
func TestGateRequiresEveryStep(t *testing.T) {
	e := newTestEngine()
	for n := 1; n <= 10; n++ {
		cl, err := e.NewChecklist("task", userSteps(n))
		if err != nil {
			t.Fatalf("n=%d new checklist: %v", n, err)
		}
		total := cl.Len()
		if total != n+4 {
			t.Fatalf("n=%d total=%d", n, total)
		}
		for i := 0; i < total; i++ {
			if e.IsComplete(cl) {
				t.Fatalf("n=%d complete after only %d advances", n, i)
			}
			_, done := e.AdvanceStep(cl)
			if done != (i == total-1) {
				t.Fatalf("n=%d advance %d reported done=%t", n, i, done)
			}
		}
		if !e.IsComplete(cl) {
			t.Fatalf("n=%d expected complete checklist", n)
		}
		if _, ok := cl.Active(); ok {
			t.Fatalf("n=%d complete checklist has an active step", n)
		}
		if _, done := e.AdvanceStep(cl); !done {
			t.Fatalf("n=%d advancing a complete checklist must be a no-op", n)
		}
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	e := newTestEngine()
	cl, err := e.NewChecklist("task-9", userSteps(2))
	if err != nil {
		t.Fatalf("new checklist: %v", err)
	}
	snap := cl.Snapshot()
	snap.Steps[0].Status = domain.StepStatusDone
	if active, _ := cl.Active(); active.Status != domain.StepStatusActive {
		t.Fatalf("snapshot mutation leaked into checklist")
	}
	if snap.TaskID != "task-9" {
		t.Fatalf("snapshot task id=%q", snap.TaskID)
	}
}
