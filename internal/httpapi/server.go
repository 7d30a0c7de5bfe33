// Package httpapi exposes the engine over HTTP and streams engine events
// over a WebSocket.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"roledesk/internal/config"
	"roledesk/internal/delegation"
	"roledesk/internal/domain"
	"roledesk/internal/orchestrator"
	"roledesk/internal/telemetry"
)

// Events is the subscription side of the event bus.
type Events interface {
	Register(subscriberID string) <-chan domain.Event
	Unregister(subscriberID string)
}

type Server struct {
	cfg       config.Config
	engine    *orchestrator.Service
	events    Events
	telemetry *telemetry.Provider
	logger    *slog.Logger
}

func New(cfg config.Config, engine *orchestrator.Service, events Events, tel *telemetry.Provider, logger *slog.Logger) *Server {
	if tel == nil {
		tel = telemetry.Noop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		engine:    engine,
		events:    events,
		telemetry: tel,
		logger:    logger.With("component", "http"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/roles", s.handleRoles)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/scheduler", s.handleScheduler)
	mux.HandleFunc("/scheduler/next", s.handleNext)
	mux.HandleFunc("/events", s.handleEvents)
	return s.loggingMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":   s.cfg.Path,
		"policy": s.cfg.Policy,
		"raw":    s.cfg.Raw,
	})
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Roles())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		filter := domain.TaskFilter{
			ProjectID:    strings.TrimSpace(q.Get("project_id")),
			AssigneeRole: strings.TrimSpace(q.Get("role")),
			Status:       domain.TaskStatus(strings.TrimSpace(q.Get("status"))),
			ParentTaskID: strings.TrimSpace(q.Get("parent_task_id")),
			Limit:        queryInt(r, "limit", 200),
		}
		if filter.Status != "" && !domain.ValidTaskStatus(filter.Status) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", filter.Status))
			return
		}
		tasks, err := s.engine.ListTasks(r.Context(), filter)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var req orchestrator.CaptureInput
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.RequesterRole) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("project_id and requester_role are required"))
			return
		}
		res, err := s.engine.Capture(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		code := http.StatusCreated
		if res.Reused {
			code = http.StatusOK
		}
		writeJSON(w, code, res)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type stepsRequest struct {
	Steps []string `json:"steps"`
}

func (req stepsRequest) specs() []domain.StepSpec {
	specs := make([]domain.StepSpec, 0, len(req.Steps))
	for _, step := range req.Steps {
		specs = append(specs, domain.StepSpec{Description: step})
	}
	return specs
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := s.engine.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	action := parts[1]
	want := http.MethodPost
	switch action {
	case "checklist", "decisions", "delegations", "file_changes":
		want = http.MethodGet
	}
	if r.Method != want {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	switch action {
	case "start":
		var req stepsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		snapshot, err := s.engine.StartTask(ctx, taskID, req.specs())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	case "advance":
		res, err := s.engine.AdvanceStep(ctx, taskID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "complete":
		status, err := s.engine.CompleteTask(ctx, taskID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": status})
	case "accept":
		if err := s.engine.AcceptReview(ctx, taskID); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": domain.TaskStatusDone})
	case "rework":
		var req stepsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		snapshot, err := s.engine.RequestRework(ctx, taskID, req.specs())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	case "abandon":
		var req struct {
			Reason string `json:"reason"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.engine.AbandonTask(ctx, taskID, req.Reason); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": domain.TaskStatusAbandoned})
	case "delegate":
		var req delegation.Request
		if !decodeBody(w, r, &req) {
			return
		}
		req.SourceTaskID = taskID
		if strings.TrimSpace(req.TargetRole) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("target_role is required"))
			return
		}
		childID, err := s.engine.Delegate(ctx, req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"task_id": childID, "parent_task_id": taskID})
	case "checklist":
		snapshot, ok := s.engine.Checklist(taskID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("task %s has no active checklist", taskID))
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	case "decisions":
		items, err := s.engine.ListTaskDecisions(ctx, taskID, queryInt(r, "limit", 300))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "delegations":
		items, err := s.engine.ListDelegations(ctx, taskID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "file_changes":
		items, err := s.engine.ListTaskFileChanges(ctx, taskID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.SchedulerState())
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	task, ok, err := s.engine.Next(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleEvents streams every bus event to the client as JSON until either
// side closes the connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("event stream is disabled"))
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	subscriberID := "ws-" + uuid.NewString()
	ch := s.events.Register(subscriberID)
	s.logger.Info("event stream opened", "subscriber", subscriberID)
	defer func() {
		s.events.Unregister(subscriberID)
		s.logger.Info("event stream closed", "subscriber", subscriberID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				s.logger.Debug("event write failed", "subscriber", subscriberID, "err", err)
				return
			}
		}
	}
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskTerminal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownRole),
		errors.Is(err, domain.ErrInvalidChecklist),
		errors.Is(err, domain.ErrEmptyRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyActive),
		errors.Is(err, domain.ErrChecklistIncomplete),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSelfDelegation),
		errors.Is(err, domain.ErrDelegationNotPermitted),
		errors.Is(err, domain.ErrDelegationCycle),
		errors.Is(err, domain.ErrDelegationDepth):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRegistryUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSideEffectCommit):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets the /events handler upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := telemetry.StartServerSpan(r.Context(), s.telemetry.Tracer, r.Method+" "+r.URL.Path,
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		)
		defer span.End()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
