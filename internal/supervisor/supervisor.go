// Package supervisor abandons tasks whose role stopped making progress.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"roledesk/internal/domain"
)

const (
	DefaultSchedule     = "@every 1m"
	DefaultStallTimeout = 30 * time.Minute
)

type Registry interface {
	ListStalledTasks(ctx context.Context, updatedBefore time.Time) ([]domain.Task, error)
}

type Abandoner interface {
	AbandonTask(ctx context.Context, taskID, reason string) error
}

type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 30s".
	Schedule     string
	StallTimeout time.Duration
	Now          func() time.Time
}

type Supervisor struct {
	registry  Registry
	abandoner Abandoner
	schedule  string
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cronlib.Cron
}

func New(registry Registry, abandoner Abandoner, cfg Config, logger *slog.Logger) (*Supervisor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if _, err := cronlib.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse supervisor schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		registry:  registry,
		abandoner: abandoner,
		schedule:  cfg.Schedule,
		timeout:   cfg.StallTimeout,
		now:       cfg.Now,
		logger:    logger.With("component", "supervisor"),
	}, nil
}

// Start runs Sweep on the configured schedule until ctx is done or Stop is
// called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cronlib.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("stall sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule stall sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("supervisor started", "schedule", s.schedule, "stall_timeout", s.timeout)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("supervisor stopped")
}

// Sweep abandons every doing task not updated within the stall timeout and
// returns how many it abandoned.
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.timeout)
	tasks, err := s.registry.ListStalledTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	abandoned := 0
	for _, task := range tasks {
		idle := s.now().Sub(task.UpdatedAt).Round(time.Second)
		reason := fmt.Sprintf("stalled: no progress for %s", idle)
		if err := s.abandoner.AbandonTask(ctx, task.ID, reason); err != nil {
			s.logger.Warn("abandon stalled task failed", "task_id", task.ID, "role", task.AssigneeRole, "err", err)
			continue
		}
		abandoned++
		s.logger.Info("stalled task abandoned", "task_id", task.ID, "role", task.AssigneeRole, "idle", idle)
	}
	return abandoned, nil
}
