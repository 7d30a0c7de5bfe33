package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"roledesk/internal/domain"
)

func fastPolicy(attempts int) Policy {
	p := Default()
	p.MaxAttempts = attempts
	p.InitialDelay = time.Millisecond
	p.Jitter = 0
	return p
}

func TestDoRetriesUnavailable(t *testing.T) {
	calls := 0
	retries := 0
	p := fastPolicy(3)
	p.OnRetry = func(int, error) { retries++ }
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return domain.Unavailable("update_task_status", errors.New("database is locked"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 || retries != 2 {
		t.Fatalf("calls=%d retries=%d", calls, retries)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return domain.ErrTaskNotFound
	})
	if !errors.Is(err, domain.ErrTaskNotFound) || calls != 1 {
		t.Fatalf("expected one call with ErrTaskNotFound, calls=%d err=%v", calls, err)
	}
}

func TestDoSurfacesExhaustion(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return domain.Unavailable("find_tasks", nil)
	})
	if !errors.Is(err, domain.ErrRegistryUnavailable) || calls != 3 {
		t.Fatalf("expected exhaustion after 3 calls, calls=%d err=%v", calls, err)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(10)
	p.InitialDelay = time.Hour
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return domain.Unavailable("create_task", nil)
	})
	if !errors.Is(err, domain.ErrRegistryUnavailable) || calls != 1 {
		t.Fatalf("expected canceled retry, calls=%d err=%v", calls, err)
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	id, err := DoValue(context.Background(), fastPolicy(2), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", domain.Unavailable("create_task", nil)
		}
		return "task-1", nil
	})
	if err != nil || id != "task-1" {
		t.Fatalf("id=%q err=%v", id, err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	if d := p.backoff(1); d != 100*time.Millisecond {
		t.Fatalf("first backoff=%s", d)
	}
	if d := p.backoff(2); d != 200*time.Millisecond {
		t.Fatalf("second backoff=%s", d)
	}
	if d := p.backoff(5); d != 300*time.Millisecond {
		t.Fatalf("capped backoff=%s", d)
	}
}
