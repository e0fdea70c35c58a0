// Package eventmutex gives webhook handlers cross-process exclusion keyed by
// an event code, so two replayed or concurrently-delivered webhooks for the
// same deal/event never run their side effects at once.
package eventmutex

import (
	"context"
	"database/sql"
	"time"
)

// Store backs event locks with a single row per event code.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Acquire attempts to take the lock for eventCode. It returns true if the
// caller now owns the lock, false if another runner already holds it.
func (s *Store) Acquire(ctx context.Context, eventCode string) (bool, error) {
	now := time.Now()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO event_lock (event_code, is_running, updated_at, error)
		 VALUES ($1, true, $2, NULL)
		 ON CONFLICT (event_code) DO UPDATE
		 SET is_running = true, updated_at = $2, error = NULL
		 WHERE event_lock.is_running = false
		 RETURNING is_running`,
		eventCode, now,
	)
	var acquired bool
	err := row.Scan(&acquired)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Release clears the lock for eventCode, optionally recording the error that
// ended the run (a nil runErr clears any prior error).
func (s *Store) Release(ctx context.Context, eventCode string, runErr error) error {
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE event_lock SET is_running = false, updated_at = $1, error = $2 WHERE event_code = $3`,
		time.Now(), errText, eventCode,
	)
	return err
}

// WithLock runs fn only if eventCode's lock can be acquired, releasing it
// afterward and recording fn's error (if any) on the row. Returns
// (ran=false, nil) when the lock was already held, matching the upstream
// "acquire failed -> skip" behavior at webhook call sites.
func (s *Store) WithLock(ctx context.Context, eventCode string, fn func(ctx context.Context) error) (bool, error) {
	ok, err := s.Acquire(ctx, eventCode)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	runErr := fn(ctx)
	if relErr := s.Release(ctx, eventCode, runErr); relErr != nil {
		if runErr != nil {
			return true, runErr
		}
		return true, relErr
	}
	return true, runErr
}
