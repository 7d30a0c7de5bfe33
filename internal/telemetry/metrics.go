package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	TasksCaptured   metric.Int64Counter
	TasksStarted    metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksAbandoned  metric.Int64Counter
	TasksDelegated  metric.Int64Counter
	StepsAdvanced   metric.Int64Counter
	RegistryRetries metric.Int64Counter
	RoleSwitches    metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TasksCaptured, err = meter.Int64Counter("roledesk.tasks.captured",
		metric.WithDescription("Requests captured into tasks, including reused ones"),
	); err != nil {
		return nil, err
	}
	if m.TasksStarted, err = meter.Int64Counter("roledesk.tasks.started",
		metric.WithDescription("Tasks moved to doing"),
	); err != nil {
		return nil, err
	}
	if m.TasksCompleted, err = meter.Int64Counter("roledesk.tasks.completed",
		metric.WithDescription("Tasks moved to review or done"),
	); err != nil {
		return nil, err
	}
	if m.TasksAbandoned, err = meter.Int64Counter("roledesk.tasks.abandoned",
		metric.WithDescription("Tasks abandoned"),
	); err != nil {
		return nil, err
	}
	if m.TasksDelegated, err = meter.Int64Counter("roledesk.tasks.delegated",
		metric.WithDescription("Child tasks created by delegation"),
	); err != nil {
		return nil, err
	}
	if m.StepsAdvanced, err = meter.Int64Counter("roledesk.checklist.steps",
		metric.WithDescription("Checklist steps completed"),
	); err != nil {
		return nil, err
	}
	if m.RegistryRetries, err = meter.Int64Counter("roledesk.registry.retries",
		metric.WithDescription("Registry calls retried after a transient failure"),
	); err != nil {
		return nil, err
	}
	if m.RoleSwitches, err = meter.Int64Counter("roledesk.scheduler.switches",
		metric.WithDescription("Active role switches"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Inc adds one to c with the given attributes. A nil counter is ignored.
func Inc(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
