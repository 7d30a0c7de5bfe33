// Package capture turns every incoming request into a registry task before
// any work on it begins.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"roledesk/internal/domain"
	"roledesk/internal/retry"
	"roledesk/internal/telemetry"
)

type Registry interface {
	FindTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	CreateTask(ctx context.Context, req domain.NewTask) (string, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Roles interface {
	Get(roleID string) (domain.Role, error)
}

type Policy interface {
	DefaultCapturePriority() int
	TitleMaxRunes() int
}

// Scheduler queues captured tasks and decides whether they start now.
type Scheduler interface {
	Enqueue(task domain.Task)
	Disposition(task domain.Task) domain.Disposition
}

type Request struct {
	ProjectID    string
	Title        string
	SessionStart time.Time
}

type Decision struct {
	Reuse  bool
	TaskID string
}

func Reuse(taskID string) Decision { return Decision{Reuse: true, TaskID: taskID} }

func Create() Decision { return Decision{} }

// Decide reuses a todo task of the same project with the identical title
// created during the current session. The earliest such task wins.
func Decide(recent []domain.Task, req Request) Decision {
	var match *domain.Task
	for i := range recent {
		t := &recent[i]
		if t.Status != domain.TaskStatusTodo || t.ProjectID != req.ProjectID || t.Title != req.Title {
			continue
		}
		if t.CreatedAt.Before(req.SessionStart) {
			continue
		}
		if match == nil || t.CreatedAt.Before(match.CreatedAt) || (t.CreatedAt.Equal(match.CreatedAt) && t.ID < match.ID) {
			match = t
		}
	}
	if match == nil {
		return Create()
	}
	return Reuse(match.ID)
}

type Result struct {
	TaskID      string             `json:"task_id"`
	Reused      bool               `json:"reused"`
	Disposition domain.Disposition `json:"disposition"`
	Task        domain.Task        `json:"task"`
}

type Config struct {
	SessionID    string
	SessionStart time.Time
	Retry        retry.Policy
	Telemetry    *telemetry.Provider
}

type Handler struct {
	registry  Registry
	roles     Roles
	policy    Policy
	scheduler Scheduler
	cfg       Config
	logger    *slog.Logger
}

func NewHandler(registry Registry, roles Roles, policy Policy, scheduler Scheduler, cfg Config, logger *slog.Logger) *Handler {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Default()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Noop()
	}
	if cfg.SessionStart.IsZero() {
		cfg.SessionStart = time.Now().UTC()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = cfg.SessionStart.Format(time.RFC3339Nano)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:  registry,
		roles:     roles,
		policy:    policy,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger.With("component", "capture", "session_id", cfg.SessionID),
	}
}

func (h *Handler) SessionID() string { return h.cfg.SessionID }

// Capture records requestText as a todo task owned by requesterRole and
// reports whether the role can start it now. A repeated request within the
// session returns the task created the first time.
func (h *Handler) Capture(ctx context.Context, projectID, requesterRole, requestText string) (_ Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, h.cfg.Telemetry.Tracer, "capture.capture",
		telemetry.AttrProjectID.String(projectID),
		telemetry.AttrRole.String(requesterRole),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if _, err := h.roles.Get(requesterRole); err != nil {
		return Result{}, err
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return Result{}, fmt.Errorf("%w: project id is required", domain.ErrEmptyRequest)
	}
	title := domain.TitleFromText(requestText, h.policy.TitleMaxRunes())
	if title == "" {
		return Result{}, domain.ErrEmptyRequest
	}

	sessionStart := h.cfg.SessionStart
	recent, err := retry.DoValue(ctx, h.cfg.Retry, func(ctx context.Context) ([]domain.Task, error) {
		return h.registry.FindTasks(ctx, domain.TaskFilter{
			ProjectID:    projectID,
			Status:       domain.TaskStatusTodo,
			CreatedAfter: &sessionStart,
		})
	})
	if err != nil {
		return Result{}, err
	}

	var (
		task   domain.Task
		reused bool
	)
	if d := Decide(recent, Request{ProjectID: projectID, Title: title, SessionStart: sessionStart}); d.Reuse {
		task, err = h.read(ctx, d.TaskID)
		reused = true
	} else {
		task, reused, err = h.create(ctx, projectID, requesterRole, title, strings.TrimSpace(requestText))
	}
	if err != nil {
		return Result{}, err
	}

	h.scheduler.Enqueue(task)
	disposition := h.scheduler.Disposition(task)
	if !reused {
		telemetry.Inc(ctx, h.cfg.Telemetry.Metrics.TasksCaptured, telemetry.AttrRole.String(requesterRole))
		h.logDecision(ctx, task, disposition)
	}
	h.logger.Info("request captured",
		"task_id", task.ID,
		"project_id", projectID,
		"role", requesterRole,
		"reused", reused,
		"disposition", disposition,
	)
	return Result{TaskID: task.ID, Reused: reused, Disposition: disposition, Task: task}, nil
}

// create inserts the task under a key derived from the session, project and
// title, so that racing captures collapse onto one row. The registry rebinds
// a key whose task already left todo, so a recurring title gets a fresh task.
func (h *Handler) create(ctx context.Context, projectID, role, title, description string) (domain.Task, bool, error) {
	started := time.Now()
	id, err := retry.DoValue(ctx, h.cfg.Retry, func(ctx context.Context) (string, error) {
		return h.registry.CreateTask(ctx, domain.NewTask{
			ProjectID:     projectID,
			Title:         title,
			Description:   description,
			AssigneeRole:  role,
			PriorityOrder: h.policy.DefaultCapturePriority(),
			DedupKey:      dedupKey(h.cfg.SessionID, projectID, title),
		})
	})
	if err != nil {
		return domain.Task{}, false, err
	}
	task, err := h.read(ctx, id)
	if err != nil {
		return domain.Task{}, false, err
	}
	existed := task.CreatedAt.Before(started.Truncate(time.Millisecond))
	return task, existed, nil
}

func (h *Handler) read(ctx context.Context, taskID string) (domain.Task, error) {
	tasks, err := retry.DoValue(ctx, h.cfg.Retry, func(ctx context.Context) ([]domain.Task, error) {
		return h.registry.FindTasks(ctx, domain.TaskFilter{TaskID: taskID, Limit: 1})
	})
	if err != nil {
		return domain.Task{}, err
	}
	if len(tasks) == 0 {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return tasks[0], nil
}

func (h *Handler) logDecision(ctx context.Context, task domain.Task, disposition domain.Disposition) {
	payload, _ := json.Marshal(map[string]any{
		"project_id":  task.ProjectID,
		"disposition": disposition,
		"priority":    task.PriorityOrder,
	})
	if err := h.registry.LogDecision(ctx, domain.DecisionLog{
		TaskID:  task.ID,
		Actor:   task.AssigneeRole,
		Action:  "task_captured",
		Reason:  task.Title,
		Payload: payload,
	}); err != nil {
		h.logger.Warn("log decision failed", "task_id", task.ID, "err", err)
	}
}

func dedupKey(sessionID, projectID, title string) string {
	return "capture:" + sessionID + "|" + projectID + "|" + title
}
