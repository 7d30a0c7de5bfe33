// Package scheduler orders todo tasks across roles and hands the single
// execution context from one role to the next.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"roledesk/internal/domain"
	"roledesk/internal/retry"
	"roledesk/internal/telemetry"
)

type Registry interface {
	FindTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
}

type Roles interface {
	Get(roleID string) (domain.Role, error)
}

// Activity reports whether a role has an in-flight task. The lifecycle
// manager implements it.
type Activity interface {
	HasActiveTask(roleID string) bool
}

type Publisher interface {
	Publish(evt domain.Event) error
}

type Scheduler struct {
	registry  Registry
	roles     Roles
	activity  Activity
	events    Publisher
	retry     retry.Policy
	logger    *slog.Logger
	telemetry *telemetry.Provider

	mu     sync.Mutex
	queue  taskQueue
	queued map[string]bool
	active string
}

func New(registry Registry, roles Roles, activity Activity, events Publisher, rp retry.Policy, tel *telemetry.Provider, logger *slog.Logger) *Scheduler {
	if rp.MaxAttempts <= 0 {
		rp = retry.Default()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry:  registry,
		roles:     roles,
		activity:  activity,
		events:    events,
		retry:     rp,
		logger:    logger.With("component", "scheduler"),
		telemetry: tel,
		queued:    make(map[string]bool),
	}
}

// Enqueue adds a todo task. Tasks already queued and tasks in any other
// status are ignored.
func (s *Scheduler) Enqueue(task domain.Task) {
	if task.Status != domain.TaskStatusTodo {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(task)
}

func (s *Scheduler) push(task domain.Task) bool {
	if s.queued[task.ID] {
		return false
	}
	s.queued[task.ID] = true
	heap.Push(&s.queue, task)
	return true
}

// Refill loads todo tasks from the registry into the queue and returns how
// many were new.
func (s *Scheduler) Refill(ctx context.Context) (int, error) {
	tasks, err := retry.DoValue(ctx, s.retry, func(ctx context.Context) ([]domain.Task, error) {
		return s.registry.FindTasks(ctx, domain.TaskFilter{Status: domain.TaskStatusTodo})
	})
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, task := range tasks {
		if s.push(task) {
			added++
		}
	}
	if added > 0 {
		s.logger.Debug("queue refilled", "added", added, "queued", s.queue.Len())
	}
	return added, nil
}

// NextTask pops the most urgent queued task.
func (s *Scheduler) NextTask() (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pop()
}

func (s *Scheduler) pop() (domain.Task, bool) {
	if s.queue.Len() == 0 {
		return domain.Task{}, false
	}
	task := heap.Pop(&s.queue).(domain.Task)
	delete(s.queued, task.ID)
	return task, true
}

func (s *Scheduler) Peek() (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return domain.Task{}, false
	}
	return s.queue[0], true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Queued returns the queued tasks in the order NextTask would return them.
func (s *Scheduler) Queued() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(taskQueue, len(s.queue))
	copy(out, s.queue)
	ordered := make([]domain.Task, 0, len(out))
	for out.Len() > 0 {
		ordered = append(ordered, heap.Pop(&out).(domain.Task))
	}
	return ordered
}

func (s *Scheduler) ActiveRole() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Disposition tells whether task can start now. It queues when the task's
// role already works a task, when the active role is busy with another
// task, or when a more urgent task for the same role waits ahead of it.
func (s *Scheduler) Disposition(task domain.Task) domain.Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy(task.AssigneeRole) {
		return domain.DispositionQueued
	}
	if s.active != "" && s.active != task.AssigneeRole && s.busy(s.active) {
		return domain.DispositionQueued
	}
	for _, other := range s.queue {
		if other.ID != task.ID && other.AssigneeRole == task.AssigneeRole && before(other, task) {
			return domain.DispositionQueued
		}
	}
	return domain.DispositionStartNow
}

func (s *Scheduler) busy(roleID string) bool {
	return s.activity != nil && s.activity.HasActiveTask(roleID)
}

// Switch makes toRole the active role and announces it. It fails while the
// current active role still has an in-flight task.
func (s *Scheduler) Switch(ctx context.Context, toRole string) error {
	role, err := s.roles.Get(toRole)
	if err != nil {
		return err
	}
	s.mu.Lock()
	from := s.active
	if from != "" && from != toRole && s.busy(from) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is still working, cannot switch to %s", domain.ErrAlreadyActive, from, toRole)
	}
	s.active = toRole
	s.mu.Unlock()

	if from != toRole {
		telemetry.Inc(ctx, s.telemetry.Metrics.RoleSwitches, telemetry.AttrRole.String(toRole))
		s.logger.Info("active role switched", "from", from, "to", toRole)
	}
	if s.events != nil {
		evt := domain.Event{
			Kind: domain.EventRoleAnnouncement,
			Announcement: &domain.RoleAnnouncement{
				Role:         role.ID,
				Label:        role.Label,
				Capabilities: append([]string(nil), role.Capabilities...),
			},
			At: time.Now().UTC(),
		}
		if err := s.events.Publish(evt); err != nil {
			s.logger.Warn("role announcement not delivered", "role", role.ID, "err", err)
		}
	}
	return nil
}

// Handoff pops the next task that is still todo in the registry, switches
// to its role and returns it. Tasks that left todo since they were queued
// are dropped. ok is false when nothing is queued.
func (s *Scheduler) Handoff(ctx context.Context) (domain.Task, bool, error) {
	for {
		queued, ok := s.NextTask()
		if !ok {
			return domain.Task{}, false, nil
		}
		current, err := s.reread(ctx, queued.ID)
		if errors.Is(err, domain.ErrTaskNotFound) {
			s.logger.Debug("dropping vanished task", "task_id", queued.ID)
			continue
		}
		if err != nil {
			s.Enqueue(queued)
			return domain.Task{}, false, err
		}
		if current.Status != domain.TaskStatusTodo {
			s.logger.Debug("dropping task no longer todo", "task_id", current.ID, "status", current.Status)
			continue
		}
		if err := s.Switch(ctx, current.AssigneeRole); err != nil {
			s.Enqueue(current)
			return domain.Task{}, false, err
		}
		return current, true, nil
	}
}

func (s *Scheduler) reread(ctx context.Context, taskID string) (domain.Task, error) {
	tasks, err := retry.DoValue(ctx, s.retry, func(ctx context.Context) ([]domain.Task, error) {
		return s.registry.FindTasks(ctx, domain.TaskFilter{TaskID: taskID, Limit: 1})
	})
	if err != nil {
		return domain.Task{}, err
	}
	if len(tasks) == 0 {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return tasks[0], nil
}

// before orders by priority descending, then creation time, then id.
func before(a, b domain.Task) bool {
	if a.PriorityOrder != b.PriorityOrder {
		return a.PriorityOrder > b.PriorityOrder
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

type taskQueue []domain.Task

func (q taskQueue) Len() int           { return len(q) }
func (q taskQueue) Less(i, j int) bool { return before(q[i], q[j]) }
func (q taskQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) {
	*q = append(*q, x.(domain.Task))
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
