package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"roledesk/internal/agent"
	"roledesk/internal/config"
	"roledesk/internal/fs"
	"roledesk/internal/httpapi"
	"roledesk/internal/messaging/inproc"
	"roledesk/internal/orchestrator"
	"roledesk/internal/policy"
	"roledesk/internal/retry"
	"roledesk/internal/roles"
	sqlitestore "roledesk/internal/store/sqlite"
	"roledesk/internal/supervisor"
	"roledesk/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "roledeskd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.roledesk/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	workspaceFlag := flag.String("workspace", "", "workspace root for commit records override")
	rolesFlag := flag.String("roles", "", "role catalog path override")
	worker := flag.Bool("worker", false, "run the built-in worker that drives queued tasks")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath != "" || !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.Default()
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	slog.SetDefault(logger)

	addr := firstNonEmpty(*addrFlag, cfg.Engine.Addr, ":8092")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Engine.DBPath, "data/roledesk.db"))
	workspaceRoot := filepath.Clean(firstNonEmpty(*workspaceFlag, cfg.Engine.WorkspaceRoot, "workspace"))
	rolesPath := firstNonEmpty(*rolesFlag, cfg.Engine.RolesPath, "roles.yaml")
	sessionID := firstNonEmpty(cfg.Engine.SessionID, uuid.NewString())

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	catalog, err := roles.Load(rolesPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tel, err := telemetry.Init(ctx, cfg.Telemetry, os.Stdout)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	gateway, err := fs.NewGateway(workspaceRoot, store)
	if err != nil {
		return fmt.Errorf("create workspace gateway: %w", err)
	}
	bus := inproc.New(intOrDefault(cfg.Engine.EventBuffer, 256))

	engine, err := orchestrator.Build(orchestrator.Deps{
		Store:     store,
		Roles:     catalog,
		Policy:    policy.New(cfg.Policy),
		Committer: gateway,
		Events:    bus,
		Retry:     retry.FromConfig(cfg.Engine.RegistryRetryAttempts, cfg.Engine.RegistryRetryInitialMS),
		SessionID: sessionID,
		Telemetry: tel,
		Supervisor: &supervisor.Config{
			Schedule:     firstNonEmpty(cfg.Engine.SupervisorSchedule, supervisor.DefaultSchedule),
			StallTimeout: durationMS(cfg.Engine.StallTimeoutMS, supervisor.DefaultStallTimeout),
		},
	}, orchestrator.Config{}, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var w *agent.Worker
	if *worker {
		w = agent.NewWorker(engine, store, nil, agent.Config{}, logger)
		w.Start(ctx)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           httpapi.New(cfg, engine, bus, tel, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("roledesk started",
		"addr", addr,
		"db", dbPath,
		"workspace", workspaceRoot,
		"roles", len(catalog.List()),
		"session", sessionID,
		"worker", *worker,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		return fmt.Errorf("http server failed: %w", err)
	}
	engine.Wait()
	if w != nil {
		w.Wait()
	}
	logger.Info("roledesk stopped")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
