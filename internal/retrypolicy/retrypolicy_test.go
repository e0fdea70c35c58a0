package retrypolicy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbkchat/convhub/internal/apierr"
)

func TestDoSucceedsAfterTransientRetries(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Millisecond, Factor: 1.5, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, func(n int) Outcome {
		calls++
		if n < 2 {
			return Outcome{Err: errors.New("boom"), Kind: apierr.Transient}
		}
		return Outcome{}
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryableKind(t *testing.T) {
	cfg := Default503()
	calls := 0
	err := Do(context.Background(), cfg, func(n int) Outcome {
		calls++
		return Outcome{Err: errors.New("forbidden"), Kind: apierr.GatewayBlocked}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call (no retry), got %d", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 1, MaxDelay: time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, func(n int) Outcome {
		calls++
		return Outcome{Err: errors.New("still 503"), Kind: apierr.Transient}
	})
	if err == nil {
		t.Fatal("expected error after exhausting budget")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoHonorsRetryAfter(t *testing.T) {
	cfg := Default429()
	start := time.Now()
	calls := 0
	_ = Do(context.Background(), cfg, func(n int) Outcome {
		calls++
		if n == 0 {
			return Outcome{Err: errors.New("rate limited"), Kind: apierr.RateLimited, RetryAfter: 10 * time.Millisecond}
		}
		return Outcome{}
	})
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("expected to wait at least 10ms, waited %v", elapsed)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	cfg := Config{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, Factor: 1, MaxDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func(n int) Outcome {
		calls++
		return Outcome{Err: errors.New("still failing"), Kind: apierr.Transient}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
