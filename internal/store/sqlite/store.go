package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"roledesk/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	assignee_role TEXT NOT NULL,
	status TEXT NOT NULL,
	priority_order INTEGER NOT NULL DEFAULT 0,
	parent_task_id TEXT NULL,
	hop_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(parent_task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_role, status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

CREATE TABLE IF NOT EXISTS task_dedup_keys (
	key TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS delegations (
	id TEXT PRIMARY KEY,
	source_task_id TEXT NOT NULL,
	target_role TEXT NOT NULL,
	target_task_id TEXT NOT NULL,
	context_payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(source_task_id) REFERENCES tasks(id) ON DELETE CASCADE,
	FOREIGN KEY(target_task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_delegations_source ON delegations(source_task_id, created_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decision_log_task ON decision_log(task_id, created_at);

CREATE TABLE IF NOT EXISTS file_change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	operation TEXT NOT NULL,
	path TEXT NOT NULL,
	allowed INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_file_change_log_task ON file_change_log(task_id, created_at);
`

const taskColumns = `id, project_id, title, description, assignee_role, status, priority_order,
	parent_task_id, hop_count, created_at, updated_at`

// Store is the durable task registry. Timestamps are stored as unix
// milliseconds.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection; a single connection keeps them in force and
	// serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// CreateTask inserts a todo task and returns its id. When DedupKey is set
// and names a task that is still todo, no row is inserted and that task's
// id is returned instead. A key whose task has left todo is rebound to the
// new task.
func (s *Store) CreateTask(ctx context.Context, req domain.NewTask) (string, error) {
	if err := validateNewTask(req); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", classify("begin tx create task", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	id, err := s.createTaskTx(ctx, tx, req)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", classify("commit create task", err)
	}
	return id, nil
}

// CreateDelegatedTask creates the child task of a delegation and its
// delegation record in one transaction. rec.TargetTaskID is set to the
// child id.
func (s *Store) CreateDelegatedTask(ctx context.Context, req domain.NewTask, rec domain.DelegationRecord) (string, error) {
	if err := validateNewTask(req); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", classify("begin tx create delegated task", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	id, err := s.createTaskTx(ctx, tx, req)
	if err != nil {
		return "", err
	}
	rec.TargetTaskID = id
	if err := s.insertDelegation(ctx, tx, rec); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", classify("commit create delegated task", err)
	}
	return id, nil
}

func validateNewTask(req domain.NewTask) error {
	if strings.TrimSpace(req.AssigneeRole) == "" {
		return fmt.Errorf("create task: assignee role is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return fmt.Errorf("create task: title is required")
	}
	return nil
}

func (s *Store) createTaskTx(ctx context.Context, tx *sql.Tx, req domain.NewTask) (string, error) {
	id := uuid.NewString()
	now := s.now().UnixMilli()

	if req.DedupKey != "" {
		// The key row goes first so that racing creators serialize on it.
		res, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO task_dedup_keys(key, task_id, created_at) VALUES(?, ?, ?)`,
			req.DedupKey, id, now,
		)
		if err != nil {
			return "", classify("insert dedup key", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return "", classify("dedup key rows affected", err)
		}
		if affected == 0 {
			var existing string
			var status sql.NullString
			err := tx.QueryRowContext(
				ctx,
				`SELECT k.task_id, t.status FROM task_dedup_keys k
				LEFT JOIN tasks t ON t.id = k.task_id
				WHERE k.key = ?`,
				req.DedupKey,
			).Scan(&existing, &status)
			if err != nil {
				return "", classify("read dedup key", err)
			}
			if status.Valid && domain.TaskStatus(status.String) == domain.TaskStatusTodo {
				return existing, nil
			}
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE task_dedup_keys SET task_id = ?, created_at = ? WHERE key = ? AND task_id = ?`,
				id, now, req.DedupKey, existing,
			); err != nil {
				return "", classify("rebind dedup key", err)
			}
		}
	}

	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.ProjectID, req.Title, req.Description, req.AssigneeRole, string(domain.TaskStatusTodo),
		req.PriorityOrder, nullableString(req.ParentTaskID), req.HopCount, now, now,
	)
	if err != nil {
		return "", classify("create task", err)
	}
	return id, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	if !domain.ValidTaskStatus(status) {
		return fmt.Errorf("update task status: unknown status %q", status)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().UnixMilli(), taskID,
	)
	if err != nil {
		return classify("update task status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("update task status rows affected", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return nil
}

// TransitionTaskStatus writes to only while the task is still in from.
// A task that has since moved is reported as domain.ErrTaskTerminal when
// it ended, or domain.ErrInvalidTransition otherwise. A task already in to
// is accepted, so a retried write that landed is not an error.
func (s *Store) TransitionTaskStatus(ctx context.Context, taskID string, from, to domain.TaskStatus) error {
	if !domain.ValidTaskStatus(to) {
		return fmt.Errorf("transition task status: unknown status %q", to)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), s.now().UnixMilli(), taskID, string(from),
	)
	if err != nil {
		return classify("transition task status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("transition task status rows affected", err)
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return classify("read task status", err)
	}
	status := domain.TaskStatus(current)
	switch {
	case status == to:
		return nil
	case domain.IsTerminal(status):
		return fmt.Errorf("%w: %s is %s", domain.ErrTaskTerminal, taskID, status)
	default:
		return fmt.Errorf("%w: %s is %s, not %s", domain.ErrInvalidTransition, taskID, status, from)
	}
}

// GetTask returns domain.ErrTaskNotFound when no task has the given id.
func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return domain.Task{}, classify("get task", err)
	}
	return t, nil
}

// FindTasks returns tasks matching every set field of filter, newest first.
func (s *Store) FindTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	var where []string
	var args []any
	if filter.TaskID != "" {
		where = append(where, "id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.AssigneeRole != "" {
		where = append(where, "assignee_role = ?")
		args = append(args, filter.AssigneeRole)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ParentTaskID != "" {
		where = append(where, "parent_task_id = ?")
		args = append(args, filter.ParentTaskID)
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.CreatedAfter.UnixMilli())
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("find tasks", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, classify("scan task", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate tasks", err)
	}
	return result, nil
}

// ListStalledTasks returns doing tasks whose last update is older than the
// given time, oldest first.
func (s *Store) ListStalledTasks(ctx context.Context, updatedBefore time.Time) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC`,
		string(domain.TaskStatusDoing), updatedBefore.UnixMilli(),
	)
	if err != nil {
		return nil, classify("list stalled tasks", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, classify("scan stalled task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate stalled tasks", err)
	}
	return tasks, nil
}

// TouchTask bumps updated_at so the supervisor sees progress.
func (s *Store) TouchTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, s.now().UnixMilli(), taskID)
	if err != nil {
		return classify("touch task", err)
	}
	return nil
}

func (s *Store) CreateDelegation(ctx context.Context, rec domain.DelegationRecord) error {
	return s.insertDelegation(ctx, s.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertDelegation(ctx context.Context, db execer, rec domain.DelegationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	payload := string(rec.ContextPayload)
	if payload == "" {
		payload = "{}"
	}
	_, err := db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO delegations(id, source_task_id, target_role, target_task_id, context_payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SourceTaskID, rec.TargetRole, rec.TargetTaskID, payload, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return classify("create delegation", err)
	}
	return nil
}

func (s *Store) ListDelegations(ctx context.Context, sourceTaskID string) ([]domain.DelegationRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, source_task_id, target_role, target_task_id, context_payload, created_at
		FROM delegations
		WHERE source_task_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		sourceTaskID,
	)
	if err != nil {
		return nil, classify("list delegations", err)
	}
	defer rows.Close()

	result := make([]domain.DelegationRecord, 0)
	for rows.Next() {
		var rec domain.DelegationRecord
		var payload string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.SourceTaskID, &rec.TargetRole, &rec.TargetTaskID, &payload, &created); err != nil {
			return nil, classify("scan delegation", err)
		}
		rec.ContextPayload = []byte(payload)
		rec.CreatedAt = unixMilliToTime(created)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate delegations", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(task_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Actor, entry.Action, entry.Reason, payload, s.now().UnixMilli(),
	)
	if err != nil {
		return classify("log decision", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE task_id = ?
		ORDER BY id ASC
		LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, classify("list decisions", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, classify("scan decision", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixMilliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate decisions", err)
	}
	return result, nil
}

func (s *Store) LogFileChange(ctx context.Context, entry domain.FileChangeLog) error {
	allowed := 0
	if entry.Allowed {
		allowed = 1
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO file_change_log(task_id, actor, operation, path, allowed, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Actor, entry.Operation, entry.Path, allowed, entry.Reason, s.now().UnixMilli(),
	)
	if err != nil {
		return classify("log file change", err)
	}
	return nil
}

func (s *Store) ListFileChanges(ctx context.Context, taskID string) ([]domain.FileChangeLog, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, actor, operation, path, allowed, reason, created_at
		FROM file_change_log
		WHERE task_id = ?
		ORDER BY id ASC`,
		taskID,
	)
	if err != nil {
		return nil, classify("list file changes", err)
	}
	defer rows.Close()

	result := make([]domain.FileChangeLog, 0)
	for rows.Next() {
		var item domain.FileChangeLog
		var allowed int
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Actor, &item.Operation, &item.Path, &allowed, &item.Reason, &createdAt); err != nil {
			return nil, classify("scan file change", err)
		}
		item.Allowed = allowed == 1
		item.CreatedAt = unixMilliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate file changes", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status string
	var parent sql.NullString
	var created, updated int64
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.AssigneeRole, &status, &t.PriorityOrder,
		&parent, &t.HopCount, &created, &updated,
	); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	if parent.Valid && parent.String != "" {
		p := parent.String
		t.ParentTaskID = &p
	}
	t.CreatedAt = unixMilliToTime(created)
	t.UpdatedAt = unixMilliToTime(updated)
	return t, nil
}

// classify marks lock contention and lost connections as transient so that
// callers retry them.
func classify(op string, err error) error {
	if isTransient(err) {
		return domain.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

func unixMilliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullableString(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
