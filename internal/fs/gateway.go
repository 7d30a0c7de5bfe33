package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"roledesk/internal/domain"
)

var ErrForbiddenFileOperation = errors.New("file operation escapes the workspace root")

const commitOperation = "commit"

type ChangeLogger interface {
	LogFileChange(ctx context.Context, entry domain.FileChangeLog) error
}

// CommitRecord is the work product written for a task when its commit step
// completes.
type CommitRecord struct {
	TaskID      string    `json:"task_id"`
	Description string    `json:"description"`
	CommittedAt time.Time `json:"committed_at"`
}

// Gateway persists task work products under a confined workspace root.
type Gateway struct {
	root   string
	logger ChangeLogger
	now    func() time.Time
}

func NewGateway(root string, logger ChangeLogger) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{
		root:   absRoot,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// CommitSideEffects writes the commit record for taskID. Writing the same
// task twice replaces the record, so a retried commit leaves one file.
func (g *Gateway) CommitSideEffects(ctx context.Context, taskID, description string) error {
	relPath := filepath.ToSlash(filepath.Join("commits", taskID+".json"))
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		g.logChange(ctx, taskID, relPath, false, err.Error())
		return fmt.Errorf("%w: %v", domain.ErrSideEffectCommit, err)
	}

	content, err := json.MarshalIndent(CommitRecord{
		TaskID:      taskID,
		Description: description,
		CommittedAt: g.now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode commit record: %v", domain.ErrSideEffectCommit, err)
	}
	if err := writeAtomic(absPath, content); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSideEffectCommit, err)
	}
	if err := g.logger.LogFileChange(ctx, domain.FileChangeLog{
		TaskID:    taskID,
		Actor:     "gateway",
		Operation: commitOperation,
		Path:      normalized,
		Allowed:   true,
		Reason:    "committed",
		CreatedAt: g.now(),
	}); err != nil {
		return fmt.Errorf("log commit: %w", err)
	}
	return nil
}

// ReadCommit returns the commit record of taskID.
func (g *Gateway) ReadCommit(taskID string) (CommitRecord, error) {
	absPath, _, err := g.resolve(filepath.ToSlash(filepath.Join("commits", taskID+".json")))
	if err != nil {
		return CommitRecord{}, err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return CommitRecord{}, fmt.Errorf("read commit record: %w", err)
	}
	var rec CommitRecord
	if err := json.Unmarshal(content, &rec); err != nil {
		return CommitRecord{}, fmt.Errorf("decode commit record: %w", err)
	}
	return rec, nil
}

func (g *Gateway) logChange(ctx context.Context, taskID, path string, allowed bool, reason string) {
	_ = g.logger.LogFileChange(ctx, domain.FileChangeLog{
		TaskID:    taskID,
		Actor:     "gateway",
		Operation: commitOperation,
		Path:      path,
		Allowed:   allowed,
		Reason:    reason,
		CreatedAt: g.now(),
	})
}

func writeAtomic(absPath string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(absPath), ".commit-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), absPath); err != nil {
		return fmt.Errorf("rename commit record: %w", err)
	}
	return nil
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	absClean := filepath.Clean(filepath.Join(g.root, filepath.FromSlash(normalized)))
	absRoot := filepath.Clean(g.root)

	rel, err := filepath.Rel(absRoot, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrForbiddenFileOperation, relPath)
	}
	return absClean, strings.ReplaceAll(rel, "\\", "/"), nil
}
