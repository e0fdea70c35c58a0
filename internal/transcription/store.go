// Package transcription runs the durable call-transcription queue: a
// dispatcher loop claims due jobs under Postgres row locks, transcribes
// each deal's new calls through an STT backend, and writes the result
// back onto the CRM timeline.
package transcription

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Job mirrors one row of the transcription_job table.
type Job struct {
	ID       int
	Portal   string
	DealBxID int
	Status   string
	Attempt  int
}

const (
	statusNew     = "new"
	statusRetry   = "retry"
	statusRunning = "running"
	statusDone    = "done"
)

const leaseDuration = 1500 * time.Second

// JobStore backs the durable transcription queue.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// PickPending selects up to limit due job ids (status new/retry, due
// next_run_at), skipping rows already locked by another dispatcher
// instance. The locks are released immediately on commit — claiming the
// job for real happens per-id in Claim, matching the original's
// momentary SELECT ... FOR UPDATE SKIP LOCKED followed by independent
// per-job transactions.
func (s *JobStore) PickPending(ctx context.Context, limit int) ([]int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM transcription_job
		 WHERE status IN ('new', 'retry') AND next_run_at <= now()
		 ORDER BY priority ASC, created_at ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	return ids, tx.Commit()
}

// CountActive returns the number of jobs currently in new/running/retry
// state, used by the dispatcher's health-check heartbeat to log queue
// depth.
func (s *JobStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM transcription_job WHERE status IN ('new', 'running', 'retry')`,
	).Scan(&n)
	return n, err
}

// Claim loads job id FOR UPDATE, bumps its attempt count, and marks it
// running with a fresh lease. Returns ok=false if the job vanished or
// another worker already moved it past new/retry/running.
func (s *JobStore) Claim(ctx context.Context, id int) (Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, err
	}
	defer tx.Rollback()

	var j Job
	err = tx.QueryRowContext(ctx,
		`SELECT id, portal, deal_bx_id, status, attempt FROM transcription_job WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&j.ID, &j.Portal, &j.DealBxID, &j.Status, &j.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	if j.Status != statusNew && j.Status != statusRetry && j.Status != statusRunning {
		return Job{}, false, nil
	}

	j.Attempt++
	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE transcription_job SET status = $1, attempt = $2, locked_until = $3, updated_at = $3 WHERE id = $4`,
		statusRunning, j.Attempt, now.Add(leaseDuration), id,
	); err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, err
	}
	j.Status = statusRunning
	return j, true, nil
}

func (s *JobStore) MarkDone(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE transcription_job SET status = $1, locked_until = NULL, last_error = NULL, updated_at = $2 WHERE id = $3`,
		statusDone, time.Now(), id,
	)
	return err
}

// MarkRetry schedules a retry with exponential backoff capped at 60
// minutes: min(60, 2^min(attempt,6)).
func (s *JobStore) MarkRetry(ctx context.Context, id, attempt int, runErr error) error {
	msg := runErr.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	next := time.Now().Add(time.Duration(backoffMinutes(attempt)) * time.Minute)
	_, err := s.db.ExecContext(ctx,
		`UPDATE transcription_job SET status = $1, last_error = $2, next_run_at = $3, locked_until = NULL, updated_at = $3 WHERE id = $4`,
		statusRetry, msg, next, id,
	)
	return err
}

func backoffMinutes(attempt int) int {
	e := attempt
	if e > 6 {
		e = 6
	}
	if e < 0 {
		e = 0
	}
	minutes := 1 << uint(e)
	if minutes > 60 {
		minutes = 60
	}
	return minutes
}

// ProcessedCall mirrors one row of the bx_processed_call table: one
// transcription attempt's result for a (portal, call_id) pair, reused on
// re-delivery so the same call is never billed to the STT backend twice.
type ProcessedCall struct {
	Portal        string
	DealBxID      int
	CallID        string
	Transcription string
	Error         string
	SentToBx      bool
}

type ProcessedCallStore struct {
	db *sql.DB
}

func NewProcessedCallStore(db *sql.DB) *ProcessedCallStore {
	return &ProcessedCallStore{db: db}
}

func (s *ProcessedCallStore) Get(ctx context.Context, portal, callID string) (ProcessedCall, bool, error) {
	var pc ProcessedCall
	var transcription, procErr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT portal, deal_bx_id, call_id, transcribation, error, sent_to_bx
		 FROM bx_processed_call WHERE portal = $1 AND call_id = $2`,
		portal, callID,
	).Scan(&pc.Portal, &pc.DealBxID, &pc.CallID, &transcription, &procErr, &pc.SentToBx)
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessedCall{}, false, nil
	}
	if err != nil {
		return ProcessedCall{}, false, err
	}
	pc.Transcription = transcription.String
	pc.Error = procErr.String
	return pc, true, nil
}

// Upsert inserts or updates the transcription/error for (portal, call_id),
// matching the unique constraint on bx_processed_call.
func (s *ProcessedCallStore) Upsert(ctx context.Context, pc ProcessedCall) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bx_processed_call (portal, deal_bx_id, call_id, transcribation, error, sent_to_bx, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (portal, call_id) DO UPDATE
		 SET transcribation = EXCLUDED.transcribation, error = EXCLUDED.error`,
		pc.Portal, pc.DealBxID, pc.CallID, nullIfEmpty(pc.Transcription), nullIfEmpty(pc.Error), pc.SentToBx, time.Now(),
	)
	return err
}

func (s *ProcessedCallStore) MarkSent(ctx context.Context, portal, callID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bx_processed_call SET sent_to_bx = true WHERE portal = $1 AND call_id = $2`,
		portal, callID,
	)
	return err
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
