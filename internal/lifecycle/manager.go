// Package lifecycle drives tasks through todo, doing, review and the
// terminal states, gating completion on the task checklist.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"roledesk/internal/checklist"
	"roledesk/internal/domain"
	"roledesk/internal/retry"
	"roledesk/internal/telemetry"
)

const managerActor = "lifecycle"

type Registry interface {
	FindTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	// TransitionTaskStatus writes to only while the task is still in from.
	TransitionTaskStatus(ctx context.Context, taskID string, from, to domain.TaskStatus) error
	TouchTask(ctx context.Context, taskID string) error
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Roles interface {
	Get(roleID string) (domain.Role, error)
}

type Policy interface {
	checklist.TailSource
	RequiresReview(role domain.Role) bool
}

type Committer interface {
	CommitSideEffects(ctx context.Context, taskID, description string) error
}

type Publisher interface {
	Publish(evt domain.Event) error
}

type Config struct {
	Retry       retry.Policy
	CommitRetry retry.Policy
	Telemetry   *telemetry.Provider
}

func (c Config) withDefaults() Config {
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.Default()
	}
	if c.CommitRetry.MaxAttempts <= 0 {
		c.CommitRetry = c.Retry
		c.CommitRetry.IsRetryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	if c.Telemetry == nil {
		c.Telemetry = telemetry.Noop()
	}
	return c
}

// Manager owns the in-process state of started tasks. One Manager is one
// execution context: each role has at most one doing task in it.
type Manager struct {
	registry   Registry
	roles      Roles
	policy     Policy
	checklists *checklist.Engine
	committer  Committer
	events     Publisher
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *telemetry.Metrics

	mu     sync.Mutex
	tasks  map[string]*taskRuntime
	byRole map[string]string
}

var errAbandoning = errors.New("task is being abandoned")

// taskRuntime is the state of a task that is doing or in review. sem is a
// one-slot lock that serializes operations on the task, including their
// registry calls.
type taskRuntime struct {
	sem chan struct{}

	// ctx is canceled by AbandonTask so that collaborator calls made under
	// the lock give it up. ctx, cancel and abandoning are guarded by
	// Manager.mu.
	ctx        context.Context
	cancel     context.CancelCauseFunc
	abandoning int

	// anchor is the task id captured when the task was started; every status
	// write for the task uses it.
	anchor    string
	task      domain.Task
	role      domain.Role
	status    domain.TaskStatus
	checklist *checklist.Checklist
	gone      bool
}

func newRuntime(task domain.Task, role domain.Role, cl *checklist.Checklist) *taskRuntime {
	rt := &taskRuntime{
		sem:       make(chan struct{}, 1),
		anchor:    task.ID,
		task:      task,
		role:      role,
		status:    task.Status,
		checklist: cl,
	}
	rt.ctx, rt.cancel = context.WithCancelCause(context.Background())
	return rt
}

func (rt *taskRuntime) lock() { rt.sem <- struct{}{} }

func (rt *taskRuntime) lockContext(ctx context.Context) error {
	select {
	case rt.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *taskRuntime) unlock() { <-rt.sem }

func New(registry Registry, roles Roles, policy Policy, committer Committer, events Publisher, cfg Config, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		registry:   registry,
		roles:      roles,
		policy:     policy,
		checklists: checklist.NewEngine(policy),
		committer:  committer,
		events:     events,
		cfg:        cfg,
		logger:     logger.With("component", "lifecycle"),
		tracer:     cfg.Telemetry.Tracer,
		metrics:    cfg.Telemetry.Metrics,
		tasks:      make(map[string]*taskRuntime),
		byRole:     make(map[string]string),
	}
	m.cfg.Retry.OnRetry = m.onRetry(cfg.Retry.OnRetry)
	m.cfg.CommitRetry.OnRetry = m.onRetry(cfg.CommitRetry.OnRetry)
	return m
}

// StartTask moves a todo task to doing and builds its checklist. A task the
// registry already holds as doing but this manager has no state for, as
// after a restart, is adopted with a fresh checklist.
func (m *Manager) StartTask(ctx context.Context, taskID string, userSteps []domain.StepSpec) (_ domain.ChecklistSnapshot, err error) {
	ctx, span := m.startSpan(ctx, "lifecycle.start_task", taskID)
	defer endSpan(span, &err)

	task, err := m.readTask(ctx, taskID)
	if err != nil {
		return domain.ChecklistSnapshot{}, err
	}
	if task.Status == domain.TaskStatusDoing {
		tracked, err := m.tracking(ctx, task.ID)
		if err != nil {
			return domain.ChecklistSnapshot{}, err
		}
		if !tracked {
			return m.adopt(ctx, task, userSteps)
		}
	}
	if task.Status != domain.TaskStatusTodo {
		return domain.ChecklistSnapshot{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, task.Status, domain.TaskStatusDoing)
	}
	rt, err := m.activate(ctx, task, userSteps)
	if err != nil {
		return domain.ChecklistSnapshot{}, err
	}
	defer rt.unlock()

	m.logDecision(ctx, rt.anchor, rt.role.ID, "task_started", "checklist built", map[string]any{
		"steps": rt.checklist.Len(),
	})
	m.publishStatus(rt, domain.TaskStatusTodo, domain.TaskStatusDoing)
	m.publishChecklist(rt)
	telemetry.Inc(ctx, m.metrics.TasksStarted, telemetry.AttrRole.String(rt.role.ID))
	m.logger.Info("task started", "task_id", rt.anchor, "role", rt.role.ID, "steps", rt.checklist.Len())
	return rt.checklist.Snapshot(), nil
}

func (m *Manager) adopt(ctx context.Context, task domain.Task, userSteps []domain.StepSpec) (domain.ChecklistSnapshot, error) {
	rt, err := m.activate(ctx, task, userSteps)
	if err != nil {
		return domain.ChecklistSnapshot{}, err
	}
	defer rt.unlock()

	m.logDecision(ctx, rt.anchor, rt.role.ID, "task_resumed", "checklist rebuilt for a doing task", map[string]any{
		"steps": rt.checklist.Len(),
	})
	m.publishChecklist(rt)
	m.logger.Info("task resumed", "task_id", rt.anchor, "role", rt.role.ID, "steps", rt.checklist.Len())
	return rt.checklist.Snapshot(), nil
}

// tracking reports whether a live runtime exists for the task.
func (m *Manager) tracking(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	rt := m.tasks[taskID]
	m.mu.Unlock()
	if rt == nil {
		return false, nil
	}
	if err := rt.lockContext(ctx); err != nil {
		return false, err
	}
	defer rt.unlock()
	return !rt.gone, nil
}

// RequestRework sends a task in review back to doing with a fresh
// checklist.
func (m *Manager) RequestRework(ctx context.Context, taskID string, userSteps []domain.StepSpec) (_ domain.ChecklistSnapshot, err error) {
	ctx, span := m.startSpan(ctx, "lifecycle.request_rework", taskID)
	defer endSpan(span, &err)

	task, err := m.readTask(ctx, taskID)
	if err != nil {
		return domain.ChecklistSnapshot{}, err
	}
	if task.Status != domain.TaskStatusReview {
		return domain.ChecklistSnapshot{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, task.Status, domain.TaskStatusDoing)
	}
	rt, err := m.activate(ctx, task, userSteps)
	if err != nil {
		return domain.ChecklistSnapshot{}, err
	}
	defer rt.unlock()

	m.logDecision(ctx, rt.anchor, rt.role.ID, "rework_requested", "review sent the task back", nil)
	m.publishStatus(rt, domain.TaskStatusReview, domain.TaskStatusDoing)
	m.publishChecklist(rt)
	m.logger.Info("task sent back to doing", "task_id", rt.anchor, "role", rt.role.ID)
	return rt.checklist.Snapshot(), nil
}

// activate reserves the task's role, builds the checklist and writes doing
// conditioned on the status the task was read in. On success the runtime is
// returned locked.
func (m *Manager) activate(ctx context.Context, task domain.Task, userSteps []domain.StepSpec) (*taskRuntime, error) {
	role, err := m.roles.Get(task.AssigneeRole)
	if err != nil {
		return nil, err
	}
	cl, err := m.checklists.NewChecklist(task.ID, userSteps)
	if err != nil {
		return nil, err
	}

	rt := newRuntime(task, role, cl)
	rt.lock()

	m.mu.Lock()
	if current, ok := m.byRole[role.ID]; ok {
		m.mu.Unlock()
		rt.cancel(nil)
		rt.unlock()
		return nil, fmt.Errorf("%w: role %s is working on %s", domain.ErrAlreadyActive, role.ID, current)
	}
	prev, tracked := m.tasks[task.ID]
	m.tasks[task.ID] = rt
	m.byRole[role.ID] = task.ID
	m.mu.Unlock()

	fail := func(err error) (*taskRuntime, error) {
		m.mu.Lock()
		if tracked {
			m.tasks[task.ID] = prev
		} else {
			delete(m.tasks, task.ID)
		}
		if m.byRole[role.ID] == task.ID {
			delete(m.byRole, role.ID)
		}
		m.mu.Unlock()
		rt.gone = true
		rt.cancel(nil)
		rt.unlock()
		return nil, err
	}

	doing, err := retry.DoValue(ctx, m.cfg.Retry, func(ctx context.Context) ([]domain.Task, error) {
		return m.registry.FindTasks(ctx, domain.TaskFilter{AssigneeRole: role.ID, Status: domain.TaskStatusDoing})
	})
	if err != nil {
		return fail(err)
	}
	for _, other := range doing {
		if other.ID != task.ID {
			return fail(fmt.Errorf("%w: role %s is working on %s", domain.ErrAlreadyActive, role.ID, other.ID))
		}
	}

	if err := m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return m.registry.TransitionTaskStatus(ctx, rt.anchor, task.Status, domain.TaskStatusDoing)
	}); err != nil {
		return fail(err)
	}
	if prev != nil {
		prev.lock()
		prev.gone = true
		prev.cancel(nil)
		prev.unlock()
	}
	rt.status = domain.TaskStatusDoing
	rt.task.Status = domain.TaskStatusDoing
	return rt, nil
}

// AdvanceStep completes the active checklist step and activates the next
// one. It returns the completed step and whether the checklist is now
// complete. A failing tail step side effect leaves the step active.
func (m *Manager) AdvanceStep(ctx context.Context, taskID string) (_ domain.Step, _ bool, err error) {
	ctx, span := m.startSpan(ctx, "lifecycle.advance_step", taskID)
	defer endSpan(span, &err)

	rt, err := m.lockRuntime(ctx, taskID)
	if err != nil {
		return domain.Step{}, false, err
	}
	defer rt.unlock()

	if rt.status != domain.TaskStatusDoing {
		return domain.Step{}, false, fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTransition, rt.anchor, rt.status)
	}
	active, ok := rt.checklist.Active()
	if !ok {
		return domain.Step{}, true, nil
	}
	span.SetAttributes(telemetry.AttrStepKind.String(string(active.Kind)))

	switch active.Kind {
	case domain.StepKindCommit, domain.StepKindRegistryUpdate:
		opCtx, stop := m.runtimeContext(ctx, rt)
		if active.Kind == domain.StepKindCommit {
			err = m.commit(opCtx, rt)
		} else {
			err = m.verifyRegistry(opCtx, rt)
		}
		stop()
		if errors.Is(context.Cause(opCtx), errAbandoning) {
			return domain.Step{}, false, fmt.Errorf("%w: task %s: %w", domain.ErrInvalidTransition, rt.anchor, errAbandoning)
		}
		if err != nil {
			return domain.Step{}, false, err
		}
	}

	completed, done := m.checklists.AdvanceStep(rt.checklist)
	if next, ok := rt.checklist.Active(); ok && next.Kind == domain.StepKindRegistryUpdate {
		m.logger.Info("registry update pending", "task_id", rt.anchor, "role", rt.role.ID)
	}
	if err := m.registry.TouchTask(ctx, rt.anchor); err != nil {
		m.logger.Debug("touch task failed", "task_id", rt.anchor, "err", err)
	}

	m.logDecision(ctx, rt.anchor, rt.role.ID, "step_completed", completed.Description, map[string]any{
		"kind":     completed.Kind,
		"complete": done,
	})
	m.publishChecklist(rt)
	telemetry.Inc(ctx, m.metrics.StepsAdvanced, telemetry.AttrStepKind.String(string(completed.Kind)))
	m.logger.Debug("step completed", "task_id", rt.anchor, "kind", completed.Kind, "complete", done)
	return completed, done, nil
}

// runtimeContext derives the context for collaborator calls made under the
// runtime lock. It is canceled with errAbandoning when AbandonTask starts.
func (m *Manager) runtimeContext(ctx context.Context, rt *taskRuntime) (context.Context, func()) {
	m.mu.Lock()
	if rt.ctx.Err() != nil && rt.abandoning == 0 {
		// A failed abandon left the runtime canceled.
		rt.ctx, rt.cancel = context.WithCancelCause(context.Background())
	}
	parent := rt.ctx
	m.mu.Unlock()

	opCtx, cancel := context.WithCancelCause(ctx)
	release := context.AfterFunc(parent, func() { cancel(context.Cause(parent)) })
	return opCtx, func() {
		release()
		cancel(nil)
	}
}

func (m *Manager) commit(ctx context.Context, rt *taskRuntime) error {
	if m.committer == nil {
		return nil
	}
	err := m.cfg.CommitRetry.Do(ctx, func(ctx context.Context) error {
		return m.committer.CommitSideEffects(ctx, rt.anchor, rt.task.Title)
	})
	if err != nil {
		if errors.Is(context.Cause(ctx), errAbandoning) {
			return err
		}
		m.logDecision(ctx, rt.anchor, rt.role.ID, "commit_failed", err.Error(), nil)
		m.logger.Warn("commit failed", "task_id", rt.anchor, "role", rt.role.ID, "err", err)
		if !errors.Is(err, domain.ErrSideEffectCommit) {
			err = fmt.Errorf("%w: %w", domain.ErrSideEffectCommit, err)
		}
		return err
	}
	return nil
}

// verifyRegistry re-reads the task before the status write so a task
// changed elsewhere is not completed from stale state.
func (m *Manager) verifyRegistry(ctx context.Context, rt *taskRuntime) error {
	current, err := m.readTask(ctx, rt.anchor)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			m.forget(rt)
		}
		return err
	}
	if current.Status != domain.TaskStatusDoing {
		return fmt.Errorf("%w: task %s is %s in the registry", domain.ErrInvalidTransition, rt.anchor, current.Status)
	}
	return nil
}

// CompleteTask writes review or done for a task whose checklist is
// complete. It performs exactly one status write, against the id captured
// at StartTask, and only while the registry still holds the task as doing.
func (m *Manager) CompleteTask(ctx context.Context, taskID string) (_ domain.TaskStatus, err error) {
	ctx, span := m.startSpan(ctx, "lifecycle.complete_task", taskID)
	defer endSpan(span, &err)

	rt, err := m.lockRuntime(ctx, taskID)
	if err != nil {
		return "", err
	}
	defer rt.unlock()

	if rt.status != domain.TaskStatusDoing {
		return "", fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTransition, rt.anchor, rt.status)
	}
	if !m.checklists.IsComplete(rt.checklist) {
		active, _ := rt.checklist.Active()
		return "", fmt.Errorf("%w: active step %q", domain.ErrChecklistIncomplete, active.Description)
	}

	target := domain.TaskStatusDone
	if m.policy.RequiresReview(rt.role) {
		target = domain.TaskStatusReview
	}
	if err := m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return m.registry.TransitionTaskStatus(ctx, rt.anchor, domain.TaskStatusDoing, target)
	}); err != nil {
		m.logger.Warn("complete task failed", "task_id", rt.anchor, "err", err)
		m.dropIfMoved(rt, err)
		return "", err
	}

	rt.status = target
	rt.task.Status = target
	m.mu.Lock()
	if m.byRole[rt.role.ID] == rt.anchor {
		delete(m.byRole, rt.role.ID)
	}
	if target == domain.TaskStatusDone {
		delete(m.tasks, rt.anchor)
		rt.gone = true
		rt.cancel(nil)
	}
	m.mu.Unlock()

	m.logDecision(ctx, rt.anchor, rt.role.ID, "task_completed", "checklist complete", map[string]any{"status": target})
	m.publishStatus(rt, domain.TaskStatusDoing, target)
	telemetry.Inc(ctx, m.metrics.TasksCompleted, telemetry.AttrStatus.String(string(target)))
	m.logger.Info("task completed", "task_id", rt.anchor, "role", rt.role.ID, "status", target)
	return target, nil
}

// AcceptReview moves a task from review to done.
func (m *Manager) AcceptReview(ctx context.Context, taskID string) (err error) {
	ctx, span := m.startSpan(ctx, "lifecycle.accept_review", taskID)
	defer endSpan(span, &err)

	task, err := m.readTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusReview {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, task.Status, domain.TaskStatusDone)
	}

	m.mu.Lock()
	rt := m.tasks[task.ID]
	m.mu.Unlock()
	if rt != nil {
		if err := rt.lockContext(ctx); err != nil {
			return err
		}
		defer rt.unlock()
		if rt.status == domain.TaskStatusDoing && !rt.gone {
			return fmt.Errorf("%w: task %s is doing", domain.ErrInvalidTransition, task.ID)
		}
	}

	if err := m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return m.registry.TransitionTaskStatus(ctx, task.ID, domain.TaskStatusReview, domain.TaskStatusDone)
	}); err != nil {
		if rt != nil {
			m.dropIfMoved(rt, err)
		}
		return err
	}
	if rt != nil {
		m.forget(rt)
	}

	m.logDecision(ctx, task.ID, task.AssigneeRole, "review_accepted", "review passed", nil)
	m.publishChange(task.ID, task.AssigneeRole, domain.TaskStatusReview, domain.TaskStatusDone)
	telemetry.Inc(ctx, m.metrics.TasksCompleted, telemetry.AttrStatus.String(string(domain.TaskStatusDone)))
	m.logger.Info("review accepted", "task_id", task.ID, "role", task.AssigneeRole)
	return nil
}

// AbandonTask moves any non-terminal task to abandoned and releases its
// role. Abandoning a terminal task is a no-op. A step side effect in flight
// for the task is canceled first; the wait for it is bounded by ctx.
func (m *Manager) AbandonTask(ctx context.Context, taskID, reason string) (err error) {
	ctx, span := m.startSpan(ctx, "lifecycle.abandon_task", taskID)
	defer endSpan(span, &err)

	rt := m.interrupt(taskID)
	if rt != nil {
		defer m.settle(rt)
		if err := rt.lockContext(ctx); err != nil {
			return fmt.Errorf("abandon %s: waiting for in-flight step: %w", taskID, err)
		}
		defer rt.unlock()
	}

	task, err := m.readTask(ctx, taskID)
	if errors.Is(err, domain.ErrTaskTerminal) {
		if rt != nil {
			m.forget(rt)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return m.registry.TransitionTaskStatus(ctx, task.ID, task.Status, domain.TaskStatusAbandoned)
	}); err != nil {
		if errors.Is(err, domain.ErrTaskTerminal) {
			if rt != nil {
				m.forget(rt)
			}
			return nil
		}
		return err
	}
	if rt != nil {
		m.forget(rt)
	}

	m.logDecision(ctx, task.ID, task.AssigneeRole, "task_abandoned", reason, map[string]any{"from": task.Status})
	m.publishChange(task.ID, task.AssigneeRole, task.Status, domain.TaskStatusAbandoned)
	telemetry.Inc(ctx, m.metrics.TasksAbandoned, telemetry.AttrRole.String(task.AssigneeRole))
	m.logger.Info("task abandoned", "task_id", task.ID, "role", task.AssigneeRole, "reason", reason)
	return nil
}

// Checklist returns a snapshot of the checklist of a started task.
func (m *Manager) Checklist(taskID string) (domain.ChecklistSnapshot, bool) {
	m.mu.Lock()
	rt := m.tasks[taskID]
	m.mu.Unlock()
	if rt == nil {
		return domain.ChecklistSnapshot{}, false
	}
	rt.lock()
	defer rt.unlock()
	if rt.gone {
		return domain.ChecklistSnapshot{}, false
	}
	return rt.checklist.Snapshot(), true
}

// ActiveTask returns the id of the doing task of role, if any.
func (m *Manager) ActiveTask(roleID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRole[roleID]
	return id, ok
}

func (m *Manager) HasActiveTask(roleID string) bool {
	_, ok := m.ActiveTask(roleID)
	return ok
}

// ActiveTasks maps each busy role to its doing task.
func (m *Manager) ActiveTasks() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.byRole))
	for role, id := range m.byRole {
		out[role] = id
	}
	return out
}

// Tracked lists the ids of tasks the manager holds state for, sorted.
func (m *Manager) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// lockRuntime returns the locked runtime of a started task. Tasks without
// runtime state are reported from the registry.
func (m *Manager) lockRuntime(ctx context.Context, taskID string) (*taskRuntime, error) {
	m.mu.Lock()
	rt := m.tasks[taskID]
	m.mu.Unlock()
	if rt != nil {
		if err := rt.lockContext(ctx); err != nil {
			return nil, err
		}
		if !rt.gone {
			return rt, nil
		}
		rt.unlock()
	}

	task, err := m.readTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: task %s is %s and has no checklist", domain.ErrInvalidTransition, task.ID, task.Status)
}

// readTask re-reads a task from the registry. Terminal tasks are reported
// as domain.ErrTaskTerminal.
func (m *Manager) readTask(ctx context.Context, taskID string) (domain.Task, error) {
	tasks, err := retry.DoValue(ctx, m.cfg.Retry, func(ctx context.Context) ([]domain.Task, error) {
		return m.registry.FindTasks(ctx, domain.TaskFilter{TaskID: taskID, Limit: 1})
	})
	if err != nil {
		return domain.Task{}, err
	}
	if len(tasks) == 0 {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	task := tasks[0]
	if domain.IsTerminal(task.Status) {
		return task, fmt.Errorf("%w: %s is %s", domain.ErrTaskTerminal, taskID, task.Status)
	}
	return task, nil
}

// forget drops runtime state. The caller holds the runtime lock.
func (m *Manager) forget(rt *taskRuntime) {
	m.mu.Lock()
	if m.tasks[rt.anchor] == rt {
		delete(m.tasks, rt.anchor)
	}
	if m.byRole[rt.role.ID] == rt.anchor {
		delete(m.byRole, rt.role.ID)
	}
	rt.cancel(nil)
	m.mu.Unlock()
	rt.gone = true
}

// dropIfMoved forgets a runtime whose task the registry no longer holds in
// the state the runtime expected. Transient failures keep it.
func (m *Manager) dropIfMoved(rt *taskRuntime, err error) {
	if errors.Is(err, domain.ErrTaskNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
		m.forget(rt)
	}
}

// interrupt cancels the in-flight collaborator calls of a started task and
// holds the runtime canceled until settle.
func (m *Manager) interrupt(taskID string) *taskRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.tasks[taskID]
	if rt == nil {
		return nil
	}
	rt.abandoning++
	rt.cancel(errAbandoning)
	return rt
}

func (m *Manager) settle(rt *taskRuntime) {
	m.mu.Lock()
	rt.abandoning--
	m.mu.Unlock()
}

func (m *Manager) logDecision(ctx context.Context, taskID, actor, action, reason string, payload any) {
	if actor == "" {
		actor = managerActor
	}
	if err := m.registry.LogDecision(ctx, domain.DecisionLog{
		TaskID:  taskID,
		Actor:   actor,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	}); err != nil {
		m.logger.Warn("log decision failed", "task_id", taskID, "action", action, "err", err)
	}
}

func (m *Manager) publishStatus(rt *taskRuntime, from, to domain.TaskStatus) {
	m.publishChange(rt.anchor, rt.role.ID, from, to)
}

func (m *Manager) publishChange(taskID, role string, from, to domain.TaskStatus) {
	m.publish(domain.Event{
		Kind: domain.EventTaskStatusChanged,
		StatusChange: &domain.TaskStatusChange{
			TaskID:    taskID,
			Role:      role,
			OldStatus: from,
			NewStatus: to,
		},
		At: time.Now().UTC(),
	})
}

func (m *Manager) publishChecklist(rt *taskRuntime) {
	snap := rt.checklist.Snapshot()
	m.publish(domain.Event{Kind: domain.EventChecklistSnapshot, Checklist: &snap, At: time.Now().UTC()})
}

func (m *Manager) publish(evt domain.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(evt); err != nil {
		m.logger.Debug("event not delivered to every subscriber", "kind", evt.Kind, "err", err)
	}
}

func (m *Manager) onRetry(next func(int, error)) func(int, error) {
	return func(attempt int, err error) {
		m.logger.Warn("retrying registry call", "attempt", attempt, "err", err)
		telemetry.Inc(context.Background(), m.metrics.RegistryRetries)
		if next != nil {
			next(attempt, err)
		}
	}
}

func (m *Manager) startSpan(ctx context.Context, name, taskID string) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, m.tracer, name, telemetry.AttrTaskID.String(taskID))
}

func endSpan(span trace.Span, errp *error) {
	if errp != nil && *errp != nil {
		span.RecordError(*errp)
		span.SetStatus(codes.Error, (*errp).Error())
	}
	span.End()
}

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
