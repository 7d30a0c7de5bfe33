package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"roledesk/internal/config"
	"roledesk/internal/delegation"
	"roledesk/internal/domain"
	"roledesk/internal/fs"
	"roledesk/internal/messaging/inproc"
	"roledesk/internal/policy"
	"roledesk/internal/retry"
	"roledesk/internal/roles"
	sqlitestore "roledesk/internal/store/sqlite"
	"roledesk/internal/telemetry"
)

type testEngine struct {
	svc     *Service
	store   *sqlitestore.Store
	gateway *fs.Gateway
	events  <-chan domain.Event
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlitestore.Open(filepath.Join(dir, "roledesk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gateway, err := fs.NewGateway(filepath.Join(dir, "workspace"), store)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	catalog, err := roles.New(
		domain.Role{ID: "agentA", Label: "Agent A", Capabilities: []string{"validation"}},
		domain.Role{ID: "agentB", Label: "Agent B", Capabilities: []string{"ui"}},
	)
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	bus := inproc.New(64)
	events := bus.Register("test")

	rp := retry.Default()
	rp.InitialDelay = time.Millisecond
	svc, err := Build(Deps{
		Store:     store,
		Roles:     catalog,
		Policy:    policy.New(config.PolicyConfig{}),
		Committer: gateway,
		Events:    bus,
		Retry:     rp,
		SessionID: "test",
	}, Config{RefillInterval: 20 * time.Millisecond}, telemetry.Discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return &testEngine{svc: svc, store: store, gateway: gateway, events: events}
}

func (e *testEngine) drain() []domain.Event {
	var out []domain.Event
	for {
		select {
		case evt := <-e.events:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestCaptureStartCompleteFlow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	captured, err := e.svc.Capture(ctx, CaptureInput{ProjectID: "proj1", RequesterRole: "agentA", Text: "add validation"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	t1 := captured.TaskID

	next, ok, err := e.svc.Next(ctx)
	if err != nil || !ok || next.ID != t1 {
		t.Fatalf("next: task=%+v ok=%v err=%v", next, ok, err)
	}
	snapshot, err := e.svc.StartTask(ctx, t1, []domain.StepSpec{{Description: "add validation to the signup form"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(snapshot.Steps) != 5 {
		t.Fatalf("expected 1 user step and 4 tail steps, got %d", len(snapshot.Steps))
	}

	var last AdvanceResult
	for i := 0; i < 5; i++ {
		last, err = e.svc.AdvanceStep(ctx, t1)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if !last.Done {
		t.Fatalf("checklist should be complete after 5 advances")
	}
	status, err := e.svc.CompleteTask(ctx, t1)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if status != domain.TaskStatusDone {
		t.Fatalf("expected done, got %s", status)
	}
	task, err := e.svc.GetTask(ctx, t1)
	if err != nil || task.Status != domain.TaskStatusDone {
		t.Fatalf("registry status: %+v err=%v", task, err)
	}
	if rec, err := e.gateway.ReadCommit(t1); err != nil || rec.Description != "add validation" {
		t.Fatalf("commit record: %+v err=%v", rec, err)
	}
	changes, err := e.svc.ListTaskFileChanges(ctx, t1)
	if err != nil || len(changes) != 1 || !changes[0].Allowed {
		t.Fatalf("file changes: %+v err=%v", changes, err)
	}

	events := e.drain()
	if len(events) == 0 || events[0].Kind != domain.EventRoleAnnouncement || events[0].Announcement.Role != "agentA" {
		t.Fatalf("the role must be announced before any checklist work: %+v", events)
	}
	snapshots := 0
	for _, evt := range events {
		if evt.Kind == domain.EventChecklistSnapshot {
			snapshots++
		}
	}
	if snapshots != 6 {
		t.Fatalf("expected a snapshot on start and on each of 5 advances, got %d", snapshots)
	}
	if state := e.svc.SchedulerState(); state.ActiveRole != "agentA" || len(state.ActiveTasks) != 0 {
		t.Fatalf("unexpected scheduler state: %+v", state)
	}
}

func TestDelegateLeavesSourceDoing(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	captured, err := e.svc.Capture(ctx, CaptureInput{ProjectID: "proj1", RequesterRole: "agentA", Text: "add validation"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	t1 := captured.TaskID
	if _, _, err := e.svc.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := e.svc.StartTask(ctx, t1, []domain.StepSpec{{Description: "validate input"}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	priority := 50
	t2, err := e.svc.Delegate(ctx, delegation.Request{
		SourceTaskID:   t1,
		TargetRole:     "agentB",
		Title:          "fix UI",
		Description:    "show validation errors inline",
		ContextPayload: []byte(`{"form":"signup"}`),
		Priority:       &priority,
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	child, err := e.svc.GetTask(ctx, t2)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.ParentTaskID == nil || *child.ParentTaskID != t1 || child.Status != domain.TaskStatusTodo {
		t.Fatalf("unexpected child: %+v", child)
	}
	source, err := e.svc.GetTask(ctx, t1)
	if err != nil || source.Status != domain.TaskStatusDoing {
		t.Fatalf("source must stay doing: %+v err=%v", source, err)
	}
	if snap, ok := e.svc.Checklist(t1); !ok || snap.Steps[0].Status != domain.StepStatusActive {
		t.Fatalf("source checklist must be untouched: %+v", snap)
	}

	records, err := e.svc.ListDelegations(ctx, t1)
	if err != nil || len(records) != 1 || records[0].TargetTaskID != t2 {
		t.Fatalf("delegations: %+v err=%v", records, err)
	}
	queued := e.svc.SchedulerState().Queued
	if len(queued) != 1 || queued[0].ID != t2 {
		t.Fatalf("child should be the only queued task: %+v", queued)
	}

	// agentA still works t1, so the worker cannot move to agentB yet.
	if _, _, err := e.svc.Next(ctx); !errors.Is(err, domain.ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive while agentA is busy, got %v", err)
	}
}

func TestAbandonedTaskCannotComplete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	captured, err := e.svc.Capture(ctx, CaptureInput{ProjectID: "proj1", RequesterRole: "agentA", Text: "add validation"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	t1 := captured.TaskID
	if _, err := e.svc.StartTask(ctx, t1, []domain.StepSpec{{Description: "validate input"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.svc.AbandonTask(ctx, t1, "blocked by missing credentials"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	task, err := e.svc.GetTask(ctx, t1)
	if err != nil || task.Status != domain.TaskStatusAbandoned {
		t.Fatalf("expected abandoned: %+v err=%v", task, err)
	}
	if _, err := e.svc.CompleteTask(ctx, t1); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected terminal-state rejection, got %v", err)
	}

	decisions, err := e.svc.ListTaskDecisions(ctx, t1, 20)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	found := false
	for _, d := range decisions {
		if d.Action == "task_abandoned" && d.Reason == "blocked by missing credentials" {
			found = true
		}
	}
	if !found {
		t.Fatalf("abandon reason not logged: %+v", decisions)
	}
}

func TestStartRefillsFromRegistry(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.svc.Start(ctx); err != nil {
		t.Fatalf("start service: %v", err)
	}
	id, err := e.store.CreateTask(ctx, domain.NewTask{ProjectID: "proj1", Title: "external", AssigneeRole: "agentB", PriorityOrder: 10})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		queued := e.svc.SchedulerState().Queued
		if len(queued) == 1 && queued[0].ID == id {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("externally created task was not queued: %+v", queued)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	e.svc.Wait()
}

func runToDone(t *testing.T, e *testEngine, taskID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.svc.StartTask(ctx, taskID, []domain.StepSpec{{Description: "run it"}}); err != nil {
		t.Fatalf("start %s: %v", taskID, err)
	}
	for i := 0; i < 5; i++ {
		if _, err := e.svc.AdvanceStep(ctx, taskID); err != nil {
			t.Fatalf("advance %s step %d: %v", taskID, i, err)
		}
	}
	if status, err := e.svc.CompleteTask(ctx, taskID); err != nil || status != domain.TaskStatusDone {
		t.Fatalf("complete %s: status=%s err=%v", taskID, status, err)
	}
}

func TestRepeatedCaptureAfterCompletion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		res, err := e.svc.Capture(ctx, CaptureInput{ProjectID: "proj1", RequesterRole: "agentA", Text: "run the test suite"})
		if err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
		if res.Reused || seen[res.TaskID] {
			t.Fatalf("capture %d returned a finished task: %+v", i, res)
		}
		seen[res.TaskID] = true
		runToDone(t, e, res.TaskID)
	}
}

func TestCompleteAfterExternalAbandon(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	captured, err := e.svc.Capture(ctx, CaptureInput{ProjectID: "proj1", RequesterRole: "agentA", Text: "add validation"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	id := captured.TaskID
	if _, err := e.svc.StartTask(ctx, id, []domain.StepSpec{{Description: "validate"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := e.svc.AdvanceStep(ctx, id); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}

	// Another process sharing the registry abandons the task.
	if err := e.store.UpdateTaskStatus(ctx, id, domain.TaskStatusAbandoned); err != nil {
		t.Fatalf("external abandon: %v", err)
	}
	if res, err := e.svc.AdvanceStep(ctx, id); err != nil || !res.Done {
		t.Fatalf("gate advance: %+v err=%v", res, err)
	}
	if _, err := e.svc.CompleteTask(ctx, id); !errors.Is(err, domain.ErrTaskTerminal) {
		t.Fatalf("expected ErrTaskTerminal, got %v", err)
	}
	task, err := e.svc.GetTask(ctx, id)
	if err != nil || task.Status != domain.TaskStatusAbandoned {
		t.Fatalf("registry status: %+v err=%v", task, err)
	}
}
