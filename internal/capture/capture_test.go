package capture

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"roledesk/internal/config"
	"roledesk/internal/domain"
	"roledesk/internal/policy"
	"roledesk/internal/retry"
	"roledesk/internal/roles"
	"roledesk/internal/scheduler"
	"roledesk/internal/store/sqlite"
	"roledesk/internal/telemetry"
)

func TestDecide(t *testing.T) {
	session := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	recent := []domain.Task{
		{ID: "old", ProjectID: "proj1", Title: "add validation", Status: domain.TaskStatusTodo, CreatedAt: session.Add(-time.Minute)},
		{ID: "other", ProjectID: "proj2", Title: "add validation", Status: domain.TaskStatusTodo, CreatedAt: session.Add(time.Minute)},
		{ID: "doing", ProjectID: "proj1", Title: "add validation", Status: domain.TaskStatusDoing, CreatedAt: session.Add(time.Minute)},
		{ID: "late", ProjectID: "proj1", Title: "add validation", Status: domain.TaskStatusTodo, CreatedAt: session.Add(3 * time.Minute)},
		{ID: "match", ProjectID: "proj1", Title: "add validation", Status: domain.TaskStatusTodo, CreatedAt: session.Add(2 * time.Minute)},
	}

	got := Decide(recent, Request{ProjectID: "proj1", Title: "add validation", SessionStart: session})
	if got != Reuse("match") {
		t.Fatalf("expected reuse of match, got %+v", got)
	}
	if got := Decide(recent, Request{ProjectID: "proj1", Title: "Add validation", SessionStart: session}); got != Create() {
		t.Fatalf("titles compare exactly, got %+v", got)
	}
	if got := Decide(recent, Request{ProjectID: "proj3", Title: "add validation", SessionStart: session}); got.Reuse {
		t.Fatalf("other project must not be reused: %+v", got)
	}
	if got := Decide(nil, Request{ProjectID: "proj1", Title: "x", SessionStart: session}); got.Reuse {
		t.Fatalf("empty history must create: %+v", got)
	}
}

type fakeActivity map[string]bool

func (a fakeActivity) HasActiveTask(roleID string) bool { return a[roleID] }

type harness struct {
	store     *sqlite.Store
	activity  fakeActivity
	scheduler *scheduler.Scheduler
	handler   *Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "capture.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	catalog, err := roles.New(
		domain.Role{ID: "agentA", Capabilities: []string{"api"}},
		domain.Role{ID: "agentB", Capabilities: []string{"ui"}},
	)
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	rp := retry.Default()
	rp.InitialDelay = time.Millisecond
	activity := fakeActivity{}
	sched := scheduler.New(store, catalog, activity, nil, rp, nil, telemetry.Discard())
	handler := NewHandler(store, catalog, policy.New(config.PolicyConfig{}), sched, Config{
		SessionID:    "session-1",
		SessionStart: time.Now().Add(-time.Second),
		Retry:        rp,
	}, telemetry.Discard())
	return &harness{store: store, activity: activity, scheduler: sched, handler: handler}
}

func (h *harness) count(t *testing.T, projectID string) int {
	t.Helper()
	tasks, err := h.store.FindTasks(context.Background(), domain.TaskFilter{ProjectID: projectID})
	if err != nil {
		t.Fatalf("find tasks: %v", err)
	}
	return len(tasks)
}

func TestCaptureCreatesTodoTask(t *testing.T) {
	h := newHarness(t)
	res, err := h.handler.Capture(context.Background(), "proj1", "agentA", "  add validation \n\nfor the signup form")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if res.TaskID == "" || res.Reused {
		t.Fatalf("unexpected result: %+v", res)
	}
	task, err := h.store.GetTask(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Title != "add validation" || task.Status != domain.TaskStatusTodo || task.AssigneeRole != "agentA" || task.PriorityOrder != 50 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Description != "add validation \n\nfor the signup form" {
		t.Fatalf("description must keep the request text, got %q", task.Description)
	}
	if res.Disposition != domain.DispositionStartNow {
		t.Fatalf("idle role should start now, got %s", res.Disposition)
	}
	if next, ok := h.scheduler.Peek(); !ok || next.ID != res.TaskID {
		t.Fatalf("captured task not queued: %+v", next)
	}
	decisions, err := h.store.ListDecisions(context.Background(), res.TaskID, 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Action != "task_captured" {
		t.Fatalf("unexpected decisions: %+v", decisions)
	}
}

func TestCaptureIsIdempotentWithinSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.handler.Capture(ctx, "proj1", "agentA", "add validation")
	if err != nil {
		t.Fatalf("first capture: %v", err)
	}
	second, err := h.handler.Capture(ctx, "proj1", "agentA", "add validation")
	if err != nil {
		t.Fatalf("second capture: %v", err)
	}
	if first.TaskID != second.TaskID || !second.Reused {
		t.Fatalf("expected reuse of %s, got %+v", first.TaskID, second)
	}
	if n := h.count(t, "proj1"); n != 1 {
		t.Fatalf("expected one registry row, got %d", n)
	}
	if h.scheduler.Len() != 1 {
		t.Fatalf("expected one queued task, got %d", h.scheduler.Len())
	}
}

func TestCaptureConcurrentRequestsCollapse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.handler.Capture(ctx, "proj1", "agentA", "add validation")
			ids[i], errs[i] = res.TaskID, err
		}(i)
	}
	wg.Wait()

	for i := range workers {
		if errs[i] != nil {
			t.Fatalf("capture %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("capture %d returned %s, want %s", i, ids[i], ids[0])
		}
	}
	if n := h.count(t, "proj1"); n != 1 {
		t.Fatalf("expected one registry row, got %d", n)
	}
}

func TestCaptureAfterTaskLeftTodo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.handler.Capture(ctx, "proj1", "agentA", "add validation")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := h.store.UpdateTaskStatus(ctx, first.TaskID, domain.TaskStatusDone); err != nil {
		t.Fatalf("finish: %v", err)
	}

	second, err := h.handler.Capture(ctx, "proj1", "agentA", "add validation")
	if err != nil {
		t.Fatalf("capture after done: %v", err)
	}
	if second.TaskID == first.TaskID || second.Reused || second.Task.Status != domain.TaskStatusTodo {
		t.Fatalf("expected a fresh todo task, got %+v", second)
	}
	third, err := h.handler.Capture(ctx, "proj1", "agentA", "add validation")
	if err != nil {
		t.Fatalf("third capture: %v", err)
	}
	if third.TaskID != second.TaskID {
		t.Fatalf("expected reuse of %s, got %s", second.TaskID, third.TaskID)
	}
}

func TestCaptureRecurringTitle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		res, err := h.handler.Capture(ctx, "proj1", "agentA", "rotate the logs")
		if err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
		if res.Reused || seen[res.TaskID] {
			t.Fatalf("capture %d reused a finished task: %+v", i, res)
		}
		seen[res.TaskID] = true
		if err := h.store.UpdateTaskStatus(ctx, res.TaskID, domain.TaskStatusDoing); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if err := h.store.UpdateTaskStatus(ctx, res.TaskID, domain.TaskStatusDone); err != nil {
			t.Fatalf("finish %d: %v", i, err)
		}
	}
	if n := h.count(t, "proj1"); n != 10 {
		t.Fatalf("expected 10 registry rows, got %d", n)
	}
}

func TestCaptureQueuesBehindInFlightWork(t *testing.T) {
	h := newHarness(t)
	h.activity["agentA"] = true
	res, err := h.handler.Capture(context.Background(), "proj1", "agentA", "follow-up: add logging")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if res.Disposition != domain.DispositionQueued {
		t.Fatalf("busy role should queue, got %s", res.Disposition)
	}
}

func TestCaptureRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.handler.Capture(ctx, "proj1", "nobody", "add validation"); !errors.Is(err, domain.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	if _, err := h.handler.Capture(ctx, "proj1", "agentA", " \n\t "); !errors.Is(err, domain.ErrEmptyRequest) {
		t.Fatalf("expected ErrEmptyRequest, got %v", err)
	}
	if n := h.count(t, "proj1"); n != 0 {
		t.Fatalf("rejected captures must not create tasks, got %d", n)
	}
}
