package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pscheid92/mqttbridge/internal/platform/retry"
)

var fastPolicy = retry.Policy{
	MaxAttempts:      3,
	InitialBackoff:   1 * time.Millisecond,
	RateLimitBackoff: 5 * time.Millisecond,
}

var errRefused = errors.New("connection refused")

func TestDo_SuccessFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.DoVoid(context.Background(), fastPolicy, alwaysRetry, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ReturnsValueAfterRetries(t *testing.T) {
	calls := 0
	val, err := retry.Do(context.Background(), fastPolicy, alwaysRetry, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errRefused
		}
		return "connected", nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if val != "connected" || calls != 3 {
		t.Fatalf("expected connected after 3 calls, got %q after %d", val, calls)
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	err := retry.DoVoid(context.Background(), fastPolicy, alwaysStop, func() error {
		calls++
		return errRefused
	})
	var permErr *retry.PermanentError
	if !errors.As(err, &permErr) {
		t.Fatalf("expected PermanentError, got %T: %v", err, err)
	}
	if !errors.Is(err, errRefused) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ExhaustedRetries(t *testing.T) {
	calls := 0
	err := retry.DoVoid(context.Background(), fastPolicy, alwaysRetry, func() error {
		calls++
		return errRefused
	})
	if !errors.Is(err, errRefused) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if calls != fastPolicy.MaxAttempts {
		t.Fatalf("expected %d calls, got %d", fastPolicy.MaxAttempts, calls)
	}
}

func TestDo_BackoffDoublesAndCaps(t *testing.T) {
	var observed []time.Duration
	p := retry.Policy{
		MaxAttempts:    6,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		OnRetry: func(_ int, _ error, backoff time.Duration) {
			observed = append(observed, backoff)
		},
	}

	_ = retry.DoVoid(context.Background(), p, alwaysRetry, func() error { return errRefused })

	expected := []time.Duration{1 * time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond}
	if len(observed) != len(expected) {
		t.Fatalf("expected %d retries, got %d", len(expected), len(observed))
	}
	for i := range expected {
		if observed[i] != expected[i] {
			t.Fatalf("retry %d: expected backoff %v, got %v", i, expected[i], observed[i])
		}
	}
}

func TestDo_RateLimitBackoff(t *testing.T) {
	var observed time.Duration
	p := fastPolicy
	p.MaxAttempts = 2
	p.OnRetry = func(_ int, _ error, backoff time.Duration) { observed = backoff }

	_ = retry.DoVoid(context.Background(), p, func(error) retry.Action { return retry.After }, func() error {
		return errRefused
	})
	if observed != p.RateLimitBackoff {
		t.Fatalf("expected rate limit backoff %v, got %v", p.RateLimitBackoff, observed)
	}
}

func TestDo_UnlimitedUntilSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := retry.Policy{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	calls := 0
	err := retry.DoVoid(ctx, p, alwaysRetry, func() error {
		calls++
		if calls < 20 {
			return errRefused
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 20 {
		t.Fatalf("expected 20 calls, got %d", calls)
	}
}

func TestDo_UnlimitedRequiresCancellableContext(t *testing.T) {
	calls := 0
	err := retry.DoVoid(context.Background(), retry.Policy{InitialBackoff: time.Millisecond}, alwaysRetry, func() error {
		calls++
		return errRefused
	})
	if err == nil {
		t.Fatal("expected error for unbounded retry on background context")
	}
	if calls != 0 {
		t.Fatalf("expected no calls, got %d", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{
		InitialBackoff: time.Hour,
		OnRetry:        func(int, error, time.Duration) { cancel() },
	}

	err := retry.DoVoid(ctx, p, alwaysRetry, func() error { return errRefused })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func alwaysRetry(error) retry.Action { return retry.Retry }
func alwaysStop(error) retry.Action  { return retry.Stop }
