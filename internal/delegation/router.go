// Package delegation hands sub-work from a doing task to another role as a
// new child task.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"roledesk/internal/domain"
	"roledesk/internal/retry"
	"roledesk/internal/telemetry"
)

type Registry interface {
	FindTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	// CreateDelegatedTask stores the child task and its delegation record
	// atomically and returns the child id.
	CreateDelegatedTask(ctx context.Context, req domain.NewTask, rec domain.DelegationRecord) (string, error)
	ListDelegations(ctx context.Context, sourceTaskID string) ([]domain.DelegationRecord, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Roles interface {
	Get(roleID string) (domain.Role, error)
}

type Policy interface {
	CanDelegate(source domain.Role, targetRole string) (bool, string, error)
	MaxDelegationDepth() int
	TitleMaxRunes() int
}

// Queue receives newly created child tasks. The scheduler implements it.
type Queue interface {
	Enqueue(task domain.Task)
}

type Request struct {
	SourceTaskID   string          `json:"source_task_id"`
	TargetRole     string          `json:"target_role"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	ContextPayload json.RawMessage `json:"context_payload,omitempty"`
	// Priority of the child task. Nil inherits the source priority.
	Priority *int `json:"priority,omitempty"`
}

type Router struct {
	registry  Registry
	roles     Roles
	policy    Policy
	queue     Queue
	retry     retry.Policy
	logger    *slog.Logger
	telemetry *telemetry.Provider
}

func NewRouter(registry Registry, roles Roles, policy Policy, queue Queue, rp retry.Policy, tel *telemetry.Provider, logger *slog.Logger) *Router {
	if rp.MaxAttempts <= 0 {
		rp = retry.Default()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		roles:     roles,
		policy:    policy,
		queue:     queue,
		retry:     rp,
		logger:    logger.With("component", "delegation"),
		telemetry: tel,
	}
}

// Delegate creates a todo child task for TargetRole under a doing source
// task and records the delegation. The source task and its checklist are
// left untouched.
func (r *Router) Delegate(ctx context.Context, req Request) (_ string, err error) {
	ctx, span := telemetry.StartSpan(ctx, r.telemetry.Tracer, "delegation.delegate",
		telemetry.AttrTaskID.String(req.SourceTaskID),
		telemetry.AttrTargetRole.String(req.TargetRole),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	source, err := r.readTask(ctx, req.SourceTaskID)
	if err != nil {
		return "", err
	}
	if domain.IsTerminal(source.Status) {
		return "", fmt.Errorf("%w: %s is %s", domain.ErrTaskTerminal, source.ID, source.Status)
	}
	if source.Status != domain.TaskStatusDoing {
		return "", fmt.Errorf("%w: source task %s is %s, delegation requires doing", domain.ErrInvalidTransition, source.ID, source.Status)
	}
	if req.TargetRole == source.AssigneeRole {
		return "", fmt.Errorf("%w: %s", domain.ErrSelfDelegation, req.TargetRole)
	}
	if _, err := r.roles.Get(req.TargetRole); err != nil {
		return "", err
	}
	sourceRole, err := r.roles.Get(source.AssigneeRole)
	if err != nil {
		return "", err
	}
	if ok, reason, err := r.policy.CanDelegate(sourceRole, req.TargetRole); !ok {
		if err == nil {
			err = domain.ErrDelegationNotPermitted
		}
		return "", fmt.Errorf("%w: %s", err, reason)
	}
	hops := source.HopCount + 1
	if limit := r.policy.MaxDelegationDepth(); limit > 0 && hops > limit {
		return "", fmt.Errorf("%w: depth %d exceeds %d", domain.ErrDelegationDepth, hops, limit)
	}
	if err := r.checkCycle(ctx, source, req.TargetRole); err != nil {
		return "", err
	}

	payload := req.ContextPayload
	if len(payload) > 0 && !json.Valid(payload) {
		return "", fmt.Errorf("delegate: context payload is not valid JSON")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = domain.TitleFromText(req.Description, r.policy.TitleMaxRunes())
	}
	if title == "" {
		return "", fmt.Errorf("delegate: title or description is required")
	}
	priority := source.PriorityOrder
	if req.Priority != nil {
		priority = *req.Priority
	}

	// A retried write that already landed collapses onto the same child
	// through the record's dedup key.
	recordID := uuid.NewString()
	parentID := source.ID
	child := domain.NewTask{
		ProjectID:     source.ProjectID,
		Title:         title,
		Description:   req.Description,
		AssigneeRole:  req.TargetRole,
		PriorityOrder: priority,
		ParentTaskID:  &parentID,
		HopCount:      hops,
		DedupKey:      "delegation:" + recordID,
	}
	rec := domain.DelegationRecord{
		ID:             recordID,
		SourceTaskID:   source.ID,
		TargetRole:     req.TargetRole,
		ContextPayload: payload,
	}
	childID, err := retry.DoValue(ctx, r.retry, func(ctx context.Context) (string, error) {
		return r.registry.CreateDelegatedTask(ctx, child, rec)
	})
	if err != nil {
		return "", err
	}

	if r.queue != nil {
		if child, err := r.readTask(ctx, childID); err == nil {
			r.queue.Enqueue(child)
		} else {
			r.logger.Warn("child task not queued", "task_id", childID, "err", err)
		}
	}

	if err := r.registry.LogDecision(ctx, domain.DecisionLog{
		TaskID:  source.ID,
		Actor:   source.AssigneeRole,
		Action:  "task_delegated",
		Reason:  title,
		Payload: mustJSON(map[string]any{"target_role": req.TargetRole, "target_task_id": childID, "hop_count": hops}),
	}); err != nil {
		r.logger.Warn("log decision failed", "task_id", source.ID, "err", err)
	}
	telemetry.Inc(ctx, r.telemetry.Metrics.TasksDelegated, telemetry.AttrTargetRole.String(req.TargetRole))
	r.logger.Info("task delegated",
		"source_task_id", source.ID,
		"source_role", source.AssigneeRole,
		"target_role", req.TargetRole,
		"target_task_id", childID,
		"hop_count", hops,
	)
	return childID, nil
}

// Children lists the delegation records created from taskID.
func (r *Router) Children(ctx context.Context, taskID string) ([]domain.DelegationRecord, error) {
	return retry.DoValue(ctx, r.retry, func(ctx context.Context) ([]domain.DelegationRecord, error) {
		return r.registry.ListDelegations(ctx, taskID)
	})
}

// checkCycle rejects a delegation whose target role already owns a
// non-terminal ancestor of the source task.
func (r *Router) checkCycle(ctx context.Context, source domain.Task, targetRole string) error {
	seen := map[string]bool{source.ID: true}
	current := source
	for current.ParentTaskID != nil {
		parentID := *current.ParentTaskID
		if seen[parentID] {
			return fmt.Errorf("%w: task %s is its own ancestor", domain.ErrDelegationCycle, parentID)
		}
		seen[parentID] = true

		parent, err := r.readTask(ctx, parentID)
		if err != nil {
			return fmt.Errorf("read ancestor %s: %w", parentID, err)
		}
		if parent.AssigneeRole == targetRole && !domain.IsTerminal(parent.Status) {
			return fmt.Errorf("%w: %s already owns ancestor task %s", domain.ErrDelegationCycle, targetRole, parent.ID)
		}
		current = parent
	}
	return nil
}

func (r *Router) readTask(ctx context.Context, taskID string) (domain.Task, error) {
	tasks, err := retry.DoValue(ctx, r.retry, func(ctx context.Context) ([]domain.Task, error) {
		return r.registry.FindTasks(ctx, domain.TaskFilter{TaskID: taskID, Limit: 1})
	})
	if err != nil {
		return domain.Task{}, err
	}
	if len(tasks) == 0 {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return tasks[0], nil
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
