// Package orchestrator ties capture, lifecycle, delegation and scheduling
// into the one engine the daemon and its clients talk to.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"roledesk/internal/capture"
	"roledesk/internal/delegation"
	"roledesk/internal/domain"
	"roledesk/internal/lifecycle"
	"roledesk/internal/scheduler"
)

const orchestratorActor = "orchestrator"

type Store interface {
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	FindTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	ListDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error)
	ListFileChanges(ctx context.Context, taskID string) ([]domain.FileChangeLog, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type RoleCatalog interface {
	Get(roleID string) (domain.Role, error)
	List() []domain.Role
}

// Background is a component with its own schedule, such as the stall
// supervisor.
type Background interface {
	Start(ctx context.Context) error
	Stop()
}

type Config struct {
	RefillInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefillInterval <= 0 {
		c.RefillInterval = 5 * time.Second
	}
	return c
}

// Components are the engine parts the service coordinates.
type Components struct {
	Store      Store
	Roles      RoleCatalog
	Capture    *capture.Handler
	Lifecycle  *lifecycle.Manager
	Delegation *delegation.Router
	Scheduler  *scheduler.Scheduler
	Supervisor Background
}

type Service struct {
	store      Store
	roles      RoleCatalog
	capture    *capture.Handler
	lifecycle  *lifecycle.Manager
	delegation *delegation.Router
	scheduler  *scheduler.Scheduler
	supervisor Background
	cfg        Config
	logger     *slog.Logger

	wg sync.WaitGroup
}

func New(c Components, cfg Config, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      c.Store,
		roles:      c.Roles,
		capture:    c.Capture,
		lifecycle:  c.Lifecycle,
		delegation: c.Delegation,
		scheduler:  c.Scheduler,
		supervisor: c.Supervisor,
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Start loads queued work from the registry and keeps the scheduler in
// sync with tasks created by other processes.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.scheduler.Refill(ctx); err != nil {
		return fmt.Errorf("initial queue refill: %w", err)
	}
	if s.supervisor != nil {
		if err := s.supervisor.Start(ctx); err != nil {
			return err
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.refillLoop(ctx)
	}()
	return nil
}

func (s *Service) Wait() {
	s.wg.Wait()
	if s.supervisor != nil {
		s.supervisor.Stop()
	}
}

func (s *Service) refillLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.scheduler.Refill(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("queue refill failed", "err", err)
			}
		}
	}
}

type CaptureInput struct {
	ProjectID     string `json:"project_id"`
	RequesterRole string `json:"requester_role"`
	Text          string `json:"text"`
}

func (s *Service) Capture(ctx context.Context, in CaptureInput) (capture.Result, error) {
	return s.capture.Capture(ctx, in.ProjectID, in.RequesterRole, in.Text)
}

func (s *Service) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *Service) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	return s.store.FindTasks(ctx, filter)
}

func (s *Service) ListTaskDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	return s.store.ListDecisions(ctx, taskID, limit)
}

func (s *Service) ListTaskFileChanges(ctx context.Context, taskID string) ([]domain.FileChangeLog, error) {
	return s.store.ListFileChanges(ctx, taskID)
}

func (s *Service) Roles() []domain.Role {
	return s.roles.List()
}

func (s *Service) StartTask(ctx context.Context, taskID string, steps []domain.StepSpec) (domain.ChecklistSnapshot, error) {
	return s.lifecycle.StartTask(ctx, taskID, steps)
}

type AdvanceResult struct {
	Completed domain.Step              `json:"completed"`
	Done      bool                     `json:"done"`
	Checklist domain.ChecklistSnapshot `json:"checklist"`
}

func (s *Service) AdvanceStep(ctx context.Context, taskID string) (AdvanceResult, error) {
	step, done, err := s.lifecycle.AdvanceStep(ctx, taskID)
	if err != nil {
		return AdvanceResult{}, err
	}
	snapshot, _ := s.lifecycle.Checklist(taskID)
	return AdvanceResult{Completed: step, Done: done, Checklist: snapshot}, nil
}

func (s *Service) CompleteTask(ctx context.Context, taskID string) (domain.TaskStatus, error) {
	return s.lifecycle.CompleteTask(ctx, taskID)
}

func (s *Service) AcceptReview(ctx context.Context, taskID string) error {
	return s.lifecycle.AcceptReview(ctx, taskID)
}

func (s *Service) RequestRework(ctx context.Context, taskID string, steps []domain.StepSpec) (domain.ChecklistSnapshot, error) {
	return s.lifecycle.RequestRework(ctx, taskID, steps)
}

func (s *Service) AbandonTask(ctx context.Context, taskID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "abandoned by operator"
	}
	return s.lifecycle.AbandonTask(ctx, taskID, reason)
}

func (s *Service) Checklist(taskID string) (domain.ChecklistSnapshot, bool) {
	return s.lifecycle.Checklist(taskID)
}

func (s *Service) Delegate(ctx context.Context, req delegation.Request) (string, error) {
	return s.delegation.Delegate(ctx, req)
}

func (s *Service) ListDelegations(ctx context.Context, taskID string) ([]domain.DelegationRecord, error) {
	return s.delegation.Children(ctx, taskID)
}

// Next hands the execution context to the most urgent queued task and
// returns it. ok is false when nothing is queued.
func (s *Service) Next(ctx context.Context) (domain.Task, bool, error) {
	task, ok, err := s.scheduler.Handoff(ctx)
	if err != nil || !ok {
		return task, ok, err
	}
	payload, _ := json.Marshal(map[string]any{"role": task.AssigneeRole, "priority": task.PriorityOrder})
	if err := s.store.LogDecision(ctx, domain.DecisionLog{
		TaskID:  task.ID,
		Actor:   orchestratorActor,
		Action:  "task_handed_off",
		Reason:  "highest priority todo task",
		Payload: payload,
	}); err != nil {
		s.logger.Warn("log decision failed", "task_id", task.ID, "err", err)
	}
	return task, true, nil
}

type SchedulerState struct {
	ActiveRole  string            `json:"active_role"`
	ActiveTasks map[string]string `json:"active_tasks"`
	Queued      []domain.Task     `json:"queued"`
}

func (s *Service) SchedulerState() SchedulerState {
	return SchedulerState{
		ActiveRole:  s.scheduler.ActiveRole(),
		ActiveTasks: s.lifecycle.ActiveTasks(),
		Queued:      s.scheduler.Queued(),
	}
}
