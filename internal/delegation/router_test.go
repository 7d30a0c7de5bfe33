package delegation

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
	"roledesk/internal/store/sqlite"
	"roledesk/internal/telemetry"
)

type recordingQueue struct {
	mu    sync.Mutex
	tasks []domain.Task
}

func (q *recordingQueue) Enqueue(task domain.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
}

type harness struct {
	store  *sqlite.Store
	queue  *recordingQueue
	router *Router
}

func newHarness(t *testing.T, pcfg config.PolicyConfig, roleList ...domain.Role) *harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "delegation.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(roleList) == 0 {
		roleList = []domain.Role{
			{ID: "backend", Capabilities: []string{"api"}},
			{ID: "frontend", Capabilities: []string{"ui"}},
			{ID: "qa", Capabilities: []string{"tests"}},
		}
	}
	reg, err := roles.New(roleList...)
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	fast := retry.Default()
	fast.InitialDelay = time.Millisecond
	q := &recordingQueue{}
	return &harness{
		store:  store,
		queue:  q,
		router: NewRouter(store, reg, policy.New(pcfg), q, fast, nil, telemetry.Discard()),
	}
}

func (h *harness) task(t *testing.T, role string, status domain.TaskStatus, parent *string, hops int) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.store.CreateTask(ctx, domain.NewTask{
		ProjectID:     "shop",
		Title:         "work for " + role,
		AssigneeRole:  role,
		PriorityOrder: 20,
		ParentTaskID:  parent,
		HopCount:      hops,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if status != domain.TaskStatusTodo {
		if err := h.store.UpdateTaskStatus(ctx, id, status); err != nil {
			t.Fatalf("set status: %v", err)
		}
	}
	return id
}

func TestDelegateCreatesTodoChild(t *testing.T) {
	h := newHarness(t, config.PolicyConfig{})
	ctx := context.Background()
	source := h.task(t, "backend", domain.TaskStatusDoing, nil, 0)

	childID, err := h.router.Delegate(ctx, Request{
		SourceTaskID:   source,
		TargetRole:     "frontend",
		Description:    "Render the orders table\nUse the new /orders endpoint",
		ContextPayload: []byte(`{"endpoint":"/orders"}`),
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	child, err := h.store.GetTask(ctx, childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.Status != domain.TaskStatusTodo || child.AssigneeRole != "frontend" {
		t.Fatalf("unexpected child: %+v", child)
	}
	if child.ParentTaskID == nil || *child.ParentTaskID != source || child.HopCount != 1 {
		t.Fatalf("child not linked to source: %+v", child)
	}
	if child.Title != "Render the orders table" || child.PriorityOrder != 20 {
		t.Fatalf("unexpected title or priority: %+v", child)
	}

	src, err := h.store.GetTask(ctx, source)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if src.Status != domain.TaskStatusDoing {
		t.Fatalf("delegation must not touch the source status, got %s", src.Status)
	}

	records, err := h.router.Children(ctx, source)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(records) != 1 || records[0].TargetTaskID != childID || string(records[0].ContextPayload) != `{"endpoint":"/orders"}` {
		t.Fatalf("unexpected records: %+v", records)
	}
	if len(h.queue.tasks) != 1 || h.queue.tasks[0].ID != childID {
		t.Fatalf("child not queued: %+v", h.queue.tasks)
	}
}

func TestDelegateRejectsSelf(t *testing.T) {
	h := newHarness(t, config.PolicyConfig{})
	ctx := context.Background()
	source := h.task(t, "backend", domain.TaskStatusDoing, nil, 0)

	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: source, TargetRole: "backend", Title: "more api"}); !errors.Is(err, domain.ErrSelfDelegation) {
		t.Fatalf("expected ErrSelfDelegation, got %v", err)
	}
	tasks, err := h.store.FindTasks(ctx, domain.TaskFilter{ProjectID: "shop"})
	if err != nil {
		t.Fatalf("find tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("self delegation must not create tasks, found %d", len(tasks))
	}
}

func TestDelegateValidatesSourceAndTarget(t *testing.T) {
	h := newHarness(t, config.PolicyConfig{})
	ctx := context.Background()

	doing := h.task(t, "backend", domain.TaskStatusDoing, nil, 0)
	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: doing, TargetRole: "design", Title: "x"}); !errors.Is(err, domain.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	todo := h.task(t, "backend", domain.TaskStatusTodo, nil, 0)
	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: todo, TargetRole: "frontend", Title: "x"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for todo source, got %v", err)
	}
	done := h.task(t, "backend", domain.TaskStatusDone, nil, 0)
	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: done, TargetRole: "frontend", Title: "x"}); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected not-found for done source, got %v", err)
	}
	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: "missing", TargetRole: "frontend", Title: "x"}); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: doing, TargetRole: "frontend", Title: "x", ContextPayload: []byte("{bad")}); err == nil {
		t.Fatalf("expected invalid payload error")
	}
}

func TestDelegateHonorsEscalationTargets(t *testing.T) {
	h := newHarness(t, config.PolicyConfig{},
		domain.Role{ID: "backend", EscalationTargets: []string{"qa"}},
		domain.Role{ID: "frontend"},
		domain.Role{ID: "qa"},
	)
	ctx := context.Background()
	source := h.task(t, "backend", domain.TaskStatusDoing, nil, 0)

	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: source, TargetRole: "frontend", Title: "ui"}); !errors.Is(err, domain.ErrDelegationNotPermitted) {
		t.Fatalf("expected ErrDelegationNotPermitted, got %v", err)
	}
	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: source, TargetRole: "qa", Title: "tests"}); err != nil {
		t.Fatalf("delegate to qa: %v", err)
	}
}

func TestDelegateRejectsCycles(t *testing.T) {
	h := newHarness(t, config.PolicyConfig{})
	ctx := context.Background()
	root := h.task(t, "backend", domain.TaskStatusDoing, nil, 0)

	childID, err := h.router.Delegate(ctx, Request{SourceTaskID: root, TargetRole: "frontend", Title: "ui"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if err := h.store.UpdateTaskStatus(ctx, childID, domain.TaskStatusDoing); err != nil {
		t.Fatalf("start child: %v", err)
	}

	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: childID, TargetRole: "backend", Title: "api change"}); !errors.Is(err, domain.ErrDelegationCycle) {
		t.Fatalf("expected ErrDelegationCycle, got %v", err)
	}
	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: childID, TargetRole: "qa", Title: "tests"}); err != nil {
		t.Fatalf("delegating to an uninvolved role: %v", err)
	}

	if err := h.store.UpdateTaskStatus(ctx, root, domain.TaskStatusDone); err != nil {
		t.Fatalf("finish root: %v", err)
	}
	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: childID, TargetRole: "backend", Title: "follow-up"}); err != nil {
		t.Fatalf("terminal ancestors do not form a cycle: %v", err)
	}
}

func TestDelegateDepthLimit(t *testing.T) {
	h := newHarness(t, config.PolicyConfig{MaxDelegationDepth: 1})
	ctx := context.Background()
	root := h.task(t, "backend", domain.TaskStatusDoing, nil, 0)

	childID, err := h.router.Delegate(ctx, Request{SourceTaskID: root, TargetRole: "frontend", Title: "ui"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if err := h.store.UpdateTaskStatus(ctx, childID, domain.TaskStatusDoing); err != nil {
		t.Fatalf("start child: %v", err)
	}
	if _, err := h.router.Delegate(ctx, Request{SourceTaskID: childID, TargetRole: "qa", Title: "tests"}); !errors.Is(err, domain.ErrDelegationDepth) {
		t.Fatalf("expected ErrDelegationDepth, got %v", err)
	}
}

// brokenRecords makes the delegation record insert fail inside the store
// transaction by pointing it at a source task that does not exist.
type brokenRecords struct {
	*sqlite.Store
}

func (b brokenRecords) CreateDelegatedTask(ctx context.Context, req domain.NewTask, rec domain.DelegationRecord) (string, error) {
	rec.SourceTaskID = "missing-source"
	return b.Store.CreateDelegatedTask(ctx, req, rec)
}

func TestDelegateFailureLeavesNoChild(t *testing.T) {
	h := newHarness(t, config.PolicyConfig{})
	ctx := context.Background()
	source := h.task(t, "backend", domain.TaskStatusDoing, nil, 0)

	reg, err := roles.New(
		domain.Role{ID: "backend", Capabilities: []string{"api"}},
		domain.Role{ID: "frontend", Capabilities: []string{"ui"}},
	)
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	fast := retry.Default()
	fast.InitialDelay = time.Millisecond
	broken := NewRouter(brokenRecords{h.store}, reg, policy.New(config.PolicyConfig{}), h.queue, fast, nil, telemetry.Discard())

	req := Request{SourceTaskID: source, TargetRole: "frontend", Title: "render orders"}
	if _, err := broken.Delegate(ctx, req); err == nil {
		t.Fatalf("expected delegation to fail")
	}
	children, err := h.store.FindTasks(ctx, domain.TaskFilter{ParentTaskID: source})
	if err != nil {
		t.Fatalf("find children: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("failed delegation left %d child tasks", len(children))
	}

	childID, err := h.router.Delegate(ctx, req)
	if err != nil {
		t.Fatalf("delegate after failure: %v", err)
	}
	children, err = h.store.FindTasks(ctx, domain.TaskFilter{ParentTaskID: source})
	if err != nil {
		t.Fatalf("find children: %v", err)
	}
	if len(children) != 1 || children[0].ID != childID {
		t.Fatalf("expected exactly one child, got %+v", children)
	}
	records, err := h.store.ListDelegations(ctx, source)
	if err != nil || len(records) != 1 || records[0].TargetTaskID != childID {
		t.Fatalf("delegations: %+v err=%v", records, err)
	}
}

func TestDelegateExplicitZeroPriority(t *testing.T) {
	h := newHarness(t, config.PolicyConfig{})
	ctx := context.Background()
	source := h.task(t, "backend", domain.TaskStatusDoing, nil, 0)

	zero := 0
	childID, err := h.router.Delegate(ctx, Request{SourceTaskID: source, TargetRole: "frontend", Title: "low priority", Priority: &zero})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	child, err := h.store.GetTask(ctx, childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.PriorityOrder != 0 {
		t.Fatalf("explicit zero priority was replaced with %d", child.PriorityOrder)
	}
}
