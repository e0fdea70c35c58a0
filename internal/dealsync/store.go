package dealsync

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Deal mirrors one row of the deal table this hub owns (CRM tables
// themselves are external; this is only the cross-reference state).
type Deal struct {
	ID                  int
	Portal              string
	BxID                int
	FunnelID            string
	ContactID           int
	StageID             string
	LastSyncCommentID   int
	LastTranscribedCall *time.Time
}

// DealStore persists deal cross-reference state and enqueues
// transcription work.
type DealStore struct {
	db *sql.DB
}

func NewDealStore(db *sql.DB) *DealStore {
	return &DealStore{db: db}
}

// UpsertDeal loads the deal row for (portal, bxID), creating it from the
// caller-supplied CRM snapshot if it doesn't exist yet. An existing row's
// stage/funnel/contact are NOT overwritten here — stage changes flow
// through SaveStage so the "previous stage" comparison always sees the
// last-synced value.
func (s *DealStore) UpsertDeal(ctx context.Context, portal string, bxID int, funnelID string, contactID int, stageID string) (Deal, error) {
	if d, ok, err := s.GetDeal(ctx, portal, bxID); err != nil {
		return Deal{}, err
	} else if ok {
		return d, nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deal (bx_id, bx_portal, bx_funnel_id, bx_contact_id, stage_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bx_id, bx_portal) DO NOTHING`,
		bxID, portal, funnelID, contactID, stageID,
	)
	if err != nil {
		return Deal{}, err
	}
	d, ok, err := s.GetDeal(ctx, portal, bxID)
	if err != nil {
		return Deal{}, err
	}
	if !ok {
		return Deal{}, errors.New("dealsync: deal row missing immediately after insert")
	}
	return d, nil
}

func (s *DealStore) GetDeal(ctx context.Context, portal string, bxID int) (Deal, bool, error) {
	var d Deal
	var stageID, funnelID sql.NullString
	var contactID, lastCommentID sql.NullInt64
	var lastTranscribed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, bx_id, bx_portal, bx_funnel_id, bx_contact_id, stage_id, last_sync_comment_id, last_transcribed_call
		 FROM deal WHERE bx_portal = $1 AND bx_id = $2`,
		portal, bxID,
	).Scan(&d.ID, &d.BxID, &d.Portal, &funnelID, &contactID, &stageID, &lastCommentID, &lastTranscribed)
	if errors.Is(err, sql.ErrNoRows) {
		return Deal{}, false, nil
	}
	if err != nil {
		return Deal{}, false, err
	}
	d.FunnelID = funnelID.String
	d.ContactID = int(contactID.Int64)
	d.StageID = stageID.String
	d.LastSyncCommentID = int(lastCommentID.Int64)
	if lastTranscribed.Valid {
		t := lastTranscribed.Time
		d.LastTranscribedCall = &t
	}
	return d, true, nil
}

// SaveStage persists a new stage_id unconditionally (the caller has already
// decided whether this is a change worth notifying about).
func (s *DealStore) SaveStage(ctx context.Context, portal string, bxID int, stageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deal SET stage_id = $1 WHERE bx_portal = $2 AND bx_id = $3`,
		stageID, portal, bxID,
	)
	return err
}

// SaveMaxLastSyncCommentID bumps last_sync_comment_id only if maxID is
// strictly greater than the stored value (monotonic-upward invariant).
func (s *DealStore) SaveMaxLastSyncCommentID(ctx context.Context, portal string, bxID, maxID int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deal SET last_sync_comment_id = $1
		 WHERE bx_portal = $2 AND bx_id = $3
		 AND (last_sync_comment_id IS NULL OR last_sync_comment_id < $1)`,
		maxID, portal, bxID,
	)
	return err
}

// SaveMaxLastTranscribedCall bumps last_transcribed_call only if t is
// strictly greater than the stored value.
func (s *DealStore) SaveMaxLastTranscribedCall(ctx context.Context, portal string, bxID int, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deal SET last_transcribed_call = $1
		 WHERE bx_portal = $2 AND bx_id = $3
		 AND (last_transcribed_call IS NULL OR last_transcribed_call < $1)`,
		t, portal, bxID,
	)
	return err
}

// EnqueueTranscriptionJob inserts a new job unless an active one
// (status IN new/running/retry) already exists for the pair, matching the
// partial-unique-index invariant on transcription_job.
func (s *DealStore) EnqueueTranscriptionJob(ctx context.Context, portal string, bxID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcription_job (portal, deal_bx_id, status, attempt, priority, next_run_at, created_at, updated_at)
		 SELECT $1, $2, 'new', 0, 0, $3, $3, $3
		 WHERE NOT EXISTS (
		   SELECT 1 FROM transcription_job
		   WHERE portal = $1 AND deal_bx_id = $2 AND status IN ('new', 'running', 'retry')
		 )`,
		portal, bxID, time.Now(),
	)
	return err
}
