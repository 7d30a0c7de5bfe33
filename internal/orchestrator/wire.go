package orchestrator

import (
	"log/slog"

	"roledesk/internal/capture"
	"roledesk/internal/delegation"
	"roledesk/internal/lifecycle"
	"roledesk/internal/messaging/inproc"
	"roledesk/internal/policy"
	"roledesk/internal/retry"
	"roledesk/internal/roles"
	"roledesk/internal/scheduler"
	sqlitestore "roledesk/internal/store/sqlite"
	"roledesk/internal/supervisor"
	"roledesk/internal/telemetry"
)

// Deps are the long-lived resources the engine is built from.
type Deps struct {
	Store     *sqlitestore.Store
	Roles     *roles.Registry
	Policy    *policy.Engine
	Committer lifecycle.Committer
	Events    *inproc.Bus
	Retry     retry.Policy
	SessionID string
	Telemetry *telemetry.Provider
	// Supervisor enables the stall sweep when set.
	Supervisor *supervisor.Config
}

// Build assembles every engine component and the service over them.
func Build(d Deps, cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.Noop()
	}
	manager := lifecycle.New(d.Store, d.Roles, d.Policy, d.Committer, d.Events, lifecycle.Config{
		Retry:     d.Retry,
		Telemetry: d.Telemetry,
	}, logger)
	sched := scheduler.New(d.Store, d.Roles, manager, d.Events, d.Retry, d.Telemetry, logger)
	handler := capture.NewHandler(d.Store, d.Roles, d.Policy, sched, capture.Config{
		SessionID: d.SessionID,
		Retry:     d.Retry,
		Telemetry: d.Telemetry,
	}, logger)
	router := delegation.NewRouter(d.Store, d.Roles, d.Policy, sched, d.Retry, d.Telemetry, logger)

	c := Components{
		Store:      d.Store,
		Roles:      d.Roles,
		Capture:    handler,
		Lifecycle:  manager,
		Delegation: router,
		Scheduler:  sched,
	}
	if d.Supervisor != nil {
		sup, err := supervisor.New(d.Store, manager, *d.Supervisor, logger)
		if err != nil {
			return nil, err
		}
		c.Supervisor = sup
	}
	return New(c, cfg, logger), nil
}
