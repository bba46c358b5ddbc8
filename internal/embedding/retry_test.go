package embedding

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestWithRetry_SuccessFirstAttempt(t *testing.T) {
	result, attempts, err := withRetry(context.Background(), fastRetry, func() (string, error) {
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected 'ok', got %q", result)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestWithRetry_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	result, attempts, err := withRetry(context.Background(), fastRetry, func() (string, error) {
		callCount++
		if callCount < 3 {
			return "", fmt.Errorf("fail-%d", callCount)
		}
		return "recovered", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "recovered" {
		t.Errorf("expected 'recovered', got %q", result)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetry_AllFail(t *testing.T) {
	callCount := 0
	_, attempts, err := withRetry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() (int, error) {
		callCount++
		return 0, fmt.Errorf("always-fail")
	})

	if err == nil || err.Error() != "always-fail" {
		t.Fatalf("expected always-fail, got %v", err)
	}
	if callCount != 2 || attempts != 2 {
		t.Errorf("expected 2 calls, got %d (attempts %d)", callCount, attempts)
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, attempts, err := withRetry(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}, func() (int, error) {
		return 0, fmt.Errorf("fail")
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second
	for attempt := 0; attempt < 6; attempt++ {
		want := base << uint(attempt)
		if want > max {
			want = max
		}
		got := backoffWithJitter(base, max, attempt)
		if got < want*3/4 || got > want*5/4 {
			t.Errorf("attempt %d: delay %v outside ±25%% of %v", attempt, got, want)
		}
	}
}
