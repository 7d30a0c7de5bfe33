package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"roledesk/internal/domain"
)

type testLogger struct {
	entries []domain.FileChangeLog
}

func (l *testLogger) LogFileChange(_ context.Context, entry domain.FileChangeLog) error {
	entry.CreatedAt = time.Now().UTC()
	l.entries = append(l.entries, entry)
	return nil
}

func TestCommitSideEffectsWritesRecord(t *testing.T) {
	logger := &testLogger{}
	root := t.TempDir()
	gw, err := NewGateway(root, logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	if err := gw.CommitSideEffects(context.Background(), "task-1", "orders API"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	rec, err := gw.ReadCommit("task-1")
	if err != nil {
		t.Fatalf("read commit: %v", err)
	}
	if rec.TaskID != "task-1" || rec.Description != "orders API" {
		t.Fatalf("unexpected commit record: %+v", rec)
	}
	if len(logger.entries) != 1 || !logger.entries[0].Allowed || logger.entries[0].Path != "commits/task-1.json" {
		t.Fatalf("unexpected change log: %+v", logger.entries)
	}

	if err := gw.CommitSideEffects(context.Background(), "task-1", "orders API v2"); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "commits"))
	if err != nil {
		t.Fatalf("read commits dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one commit file, got %d", len(entries))
	}
}

func TestCommitSideEffectsRejectsEscape(t *testing.T) {
	logger := &testLogger{}
	gw, err := NewGateway(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	err = gw.CommitSideEffects(context.Background(), "../../etc/passwd", "escape")
	if !errors.Is(err, domain.ErrSideEffectCommit) {
		t.Fatalf("expected ErrSideEffectCommit, got %v", err)
	}
	if len(logger.entries) != 1 || logger.entries[0].Allowed {
		t.Fatalf("expected denied log entry, got %+v", logger.entries)
	}
}
