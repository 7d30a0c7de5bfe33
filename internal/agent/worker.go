// Package agent runs the single logical worker: it takes the next task,
// works its checklist step by step and completes it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"roledesk/internal/domain"
	"roledesk/internal/orchestrator"
)

const workerActor = "worker"

type Engine interface {
	Next(ctx context.Context) (domain.Task, bool, error)
	StartTask(ctx context.Context, taskID string, steps []domain.StepSpec) (domain.ChecklistSnapshot, error)
	AdvanceStep(ctx context.Context, taskID string) (orchestrator.AdvanceResult, error)
	CompleteTask(ctx context.Context, taskID string) (domain.TaskStatus, error)
	AbandonTask(ctx context.Context, taskID, reason string) error
}

type Store interface {
	TouchTask(ctx context.Context, taskID string) error
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

// StepRunner performs the work behind one checklist step. The engine does
// not interpret the work; a nil runner treats every step as done.
type StepRunner interface {
	RunStep(ctx context.Context, task domain.Task, step domain.Step) error
}

type StepRunnerFunc func(ctx context.Context, task domain.Task, step domain.Step) error

func (f StepRunnerFunc) RunStep(ctx context.Context, task domain.Task, step domain.Step) error {
	return f(ctx, task, step)
}

type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

type Worker struct {
	engine Engine
	store  Store
	runner StepRunner
	cfg    Config
	logger *slog.Logger

	wg sync.WaitGroup
}

func NewWorker(engine Engine, store Store, runner StepRunner, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		store:  store,
		runner: runner,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "worker"),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			// Drain the queue before waiting for the next tick.
			for ctx.Err() == nil {
				task, ok, err := w.RunOnce(ctx)
				if err != nil {
					w.logger.Warn("task run failed", "task_id", task.ID, "err", err)
					break
				}
				if !ok {
					break
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

// RunOnce takes the next task and drives it to review or done. ok is false
// when nothing was queued. A task whose step fails is escalated by
// abandoning it, so the role is free for the next task.
func (w *Worker) RunOnce(ctx context.Context) (domain.Task, bool, error) {
	task, ok, err := w.engine.Next(ctx)
	if err != nil || !ok {
		return task, ok, err
	}

	steps := PlanSteps(task)
	snapshot, err := w.engine.StartTask(ctx, task.ID, steps)
	if err != nil {
		return task, true, err
	}
	w.logAction(ctx, task.ID, "plan_applied", "checklist planned from the task description", map[string]any{
		"user_steps": len(steps),
		"steps":      len(snapshot.Steps),
	})

	for i := 0; i < len(snapshot.Steps); i++ {
		step := snapshot.Steps[i]
		if step.Kind == domain.StepKindUser && w.runner != nil {
			if err := w.runStep(ctx, task, step); err != nil {
				w.logAction(ctx, task.ID, "step_failed", step.Description, map[string]any{"error": err.Error()})
				w.escalate(ctx, task, "step failed", err)
				return task, true, err
			}
		}
		res, err := w.engine.AdvanceStep(ctx, task.ID)
		if err != nil {
			w.escalate(ctx, task, "advance failed", err)
			return task, true, err
		}
		if res.Done {
			break
		}
	}

	status, err := w.engine.CompleteTask(ctx, task.ID)
	if err != nil {
		return task, true, err
	}
	task.Status = status
	w.logger.Info("task finished", "task_id", task.ID, "role", task.AssigneeRole, "status", status)
	return task, true, nil
}

func (w *Worker) escalate(ctx context.Context, task domain.Task, what string, cause error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return
	}
	reason := what + ": " + trim(cause.Error(), 200)
	if err := w.engine.AbandonTask(ctx, task.ID, reason); err != nil {
		w.logger.Error("escalation failed", "task_id", task.ID, "err", err)
		return
	}
	w.logger.Warn("task escalated", "task_id", task.ID, "role", task.AssigneeRole, "reason", reason)
}

func (w *Worker) runStep(ctx context.Context, task domain.Task, step domain.Step) error {
	stop := startProgressHeartbeat(ctx, w.cfg.HeartbeatInterval, func(elapsed time.Duration) {
		if w.store != nil {
			if err := w.store.TouchTask(ctx, task.ID); err != nil {
				w.logger.Debug("heartbeat touch failed", "task_id", task.ID, "err", err)
			}
		}
		w.logger.Info("step still running", "task_id", task.ID, "step", trim(step.Description, 80), "elapsed", elapsed.Round(time.Second))
	})
	defer stop()
	return w.runner.RunStep(ctx, task, step)
}

var bulletPattern = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.+)$`)

// PlanSteps turns the bullet or numbered lines of the task description into
// checklist steps. A description without such lines yields one step named
// after the task title.
func PlanSteps(task domain.Task) []domain.StepSpec {
	var steps []domain.StepSpec
	for _, line := range strings.Split(task.Description, "\n") {
		m := bulletPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if text := strings.Join(strings.Fields(m[1]), " "); text != "" {
			steps = append(steps, domain.StepSpec{Description: text})
		}
	}
	if len(steps) == 0 {
		steps = append(steps, domain.StepSpec{Description: task.Title})
	}
	return steps
}

func (w *Worker) logAction(ctx context.Context, taskID, action, reason string, payload any) {
	if w.store == nil || taskID == "" {
		return
	}
	raw := []byte("{}")
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	if err := w.store.LogDecision(ctx, domain.DecisionLog{
		TaskID:  taskID,
		Actor:   workerActor,
		Action:  action,
		Reason:  reason,
		Payload: raw,
	}); err != nil {
		w.logger.Debug("log decision failed", "task_id", taskID, "err", err)
	}
}

func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
	}
}

// trim shortens s to at most n runes, marking the cut with "...".
func trim(s string, n int) string {
	if n <= 3 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}
