// Package retrypolicy implements the exponential-backoff-with-jitter retry
// loop shared by the CRM client and the transport gateway clients.
// Each caller's attempt func reports an Outcome: the attempt's error, its
// apierr.Kind, and an optional server-suggested delay (Retry-After).
package retrypolicy

import (
	"context"
	"math/rand"
	"time"

	"github.com/mbkchat/convhub/internal/apierr"
)

// Config bounds one retry budget. Distinct budgets exist for 503 (up to 20
// attempts) and 429 (up to 8 attempts) per spec — the caller picks the
// budget that matches the classified kind.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Jitter      time.Duration // +/- jitter applied to each computed delay
}

// Default503 is the CRM client's 503 budget: up to 20 retries, 0.5s base,
// factor 1.5, capped at 15s, +/-200ms jitter.
func Default503() Config {
	return Config{MaxAttempts: 20, BaseDelay: 500 * time.Millisecond, Factor: 1.5, MaxDelay: 15 * time.Second, Jitter: 200 * time.Millisecond}
}

// Default429 is the CRM client's 429 budget: up to 8 retries, same curve,
// but honors Retry-After when present (see Outcome.RetryAfter).
func Default429() Config {
	return Config{MaxAttempts: 8, BaseDelay: 500 * time.Millisecond, Factor: 1.5, MaxDelay: 15 * time.Second, Jitter: 200 * time.Millisecond}
}

// Outcome is returned by the attempt func to tell Do what happened.
type Outcome struct {
	Err        error
	Kind       apierr.Kind // classification of Err; ignored if Err is nil
	RetryAfter time.Duration // server-suggested delay, 0 = none
}

// Do runs attempt until it succeeds (Outcome.Err == nil), its kind is not
// retryable, or the budget is exhausted. It returns the final error (nil on
// success).
func Do(ctx context.Context, cfg Config, attempt func(attemptNum int) Outcome) error {
	var lastErr error
	delay := cfg.BaseDelay

	for i := 0; i < cfg.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		out := attempt(i)
		if out.Err == nil {
			return nil
		}
		lastErr = out.Err

		if !apierr.Retryable(out.Kind) {
			return lastErr
		}
		if i == cfg.MaxAttempts-1 {
			break
		}

		wait := delay
		if out.RetryAfter > 0 {
			wait = out.RetryAfter
		} else {
			wait = jitter(wait, cfg.Jitter)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

// DoSwitching runs attempt like Do, but selects the retry budget per
// classified error kind via budgetFor rather than fixing one Config up
// front. Each kind accumulates its own independent attempt count and
// backoff curve in kindState, so a run that alternates between kinds (a
// 503 storm interrupted by a 429) exhausts each kind's own budget rather
// than sharing a single counter — e.g. the CRM client's 429 budget (8) is
// never inflated by 503 retries already spent (20).
func DoSwitching(ctx context.Context, budgetFor func(kind apierr.Kind) Config, attempt func(attemptNum int) Outcome) error {
	state := make(map[apierr.Kind]*kindState)
	var lastErr error

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		out := attempt(n)
		if out.Err == nil {
			return nil
		}
		lastErr = out.Err

		if !apierr.Retryable(out.Kind) {
			return lastErr
		}

		cfg := budgetFor(out.Kind)
		st, ok := state[out.Kind]
		if !ok {
			st = &kindState{delay: cfg.BaseDelay}
			state[out.Kind] = st
		}
		st.count++
		if st.count >= cfg.MaxAttempts {
			return lastErr
		}

		wait := st.delay
		if out.RetryAfter > 0 {
			wait = out.RetryAfter
		} else {
			wait = jitter(wait, cfg.Jitter)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		st.delay = time.Duration(float64(st.delay) * cfg.Factor)
		if st.delay > cfg.MaxDelay {
			st.delay = cfg.MaxDelay
		}
	}
}

// kindState tracks one classified kind's progress through its own budget
// inside DoSwitching.
type kindState struct {
	count int
	delay time.Duration
}

func jitter(d, spread time.Duration) time.Duration {
	if spread <= 0 {
		return d
	}
	offset := time.Duration(rand.Int63n(int64(2*spread+1))) - spread
	d += offset
	if d < 0 {
		return 0
	}
	return d
}
