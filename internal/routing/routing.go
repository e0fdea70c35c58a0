// Package routing implements sticky per-contact round-robin selection of an
// active transport inbox for a given (agent_code, kind), linearized across
// processes by a Postgres advisory lock.
package routing

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/mbkchat/convhub/internal/apierr"
)

// ErrNoCandidates is returned when no active inbox exists for the bucket.
var ErrNoCandidates = errors.New("routing: no active transport for agent/kind")

const (
	lockMaxAttempts = 25
	lockRetryDelay  = 200 * time.Millisecond
)

// Store resolves and persists routing decisions.
type Store struct {
	db       *sql.DB
	log      *slog.Logger
	onDecide func(agentCode, kind, phone string, chosen int, candidates []int)
}

func New(db *sql.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

// OnDecision registers a callback invoked after every persisted routing
// decision (new or sticky), used by the composition root to fan decisions
// out to the optional ops debug stream. Never required for correctness —
// a nil or unset callback is simply skipped.
func (s *Store) OnDecision(fn func(agentCode, kind, phone string, chosen int, candidates []int)) {
	s.onDecide = fn
}

// BootstrapActivation inserts a row per configured inbox id if one doesn't
// already exist, defaulting to active. Existing rows are left untouched so
// a restart never clobbers a gateway-reported inactive state.
func (s *Store) BootstrapActivation(ctx context.Context, inboxIDs []int) error {
	for _, id := range inboxIDs {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO transport_activation (inbox_id, is_active, updated_at)
			 VALUES ($1, true, $2) ON CONFLICT (inbox_id) DO NOTHING`,
			id, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("bootstrap activation for inbox %d: %w", id, err)
		}
	}
	return nil
}

// SetActive mutates a single inbox's activation state, driven by a
// gateway-state webhook.
func (s *Store) SetActive(ctx context.Context, inboxID int, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transport_activation (inbox_id, is_active, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (inbox_id) DO UPDATE SET is_active = $2, updated_at = $3`,
		inboxID, active, time.Now(),
	)
	return err
}

// ActiveInboxIDs filters candidateInboxIDs (the statically-configured set
// for one agent+kind bucket, in configuration order) down to the ones
// currently marked active.
func (s *Store) ActiveInboxIDs(ctx context.Context, candidateInboxIDs []int) ([]int, error) {
	if len(candidateInboxIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT inbox_id FROM transport_activation WHERE inbox_id = ANY($1) AND is_active = true`,
		pq.Array(candidateInboxIDs),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	active := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		active[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]int, 0, len(candidateInboxIDs))
	for _, id := range candidateInboxIDs {
		if active[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// PickInboxID resolves the inbox a contact should be routed through for
// (agentCode, kind), given the caller's current active-candidate set in
// configuration order. It is sticky: once a contact is pinned to an inbox
// that remains in candidates, the same inbox is returned on every call.
func (s *Store) PickInboxID(ctx context.Context, agentCode, kind, phone string, candidates []int) (int, error) {
	if len(candidates) == 0 {
		return 0, apierr.New("routing.PickInboxID", apierr.NotFound, 0, ErrNoCandidates)
	}

	if existing, ok, err := s.lookupContactRouting(ctx, s.db, phone, agentCode, kind); err != nil {
		return 0, err
	} else if ok && containsInt(candidates, existing) {
		s.logDecision(ctx, agentCode, kind, phone, existing, candidates)
		return existing, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	lockKey := bucketLockKey(agentCode, kind)
	if err := acquireAdvisoryLock(ctx, conn, lockKey); err != nil {
		return 0, err
	}
	defer releaseAdvisoryLock(context.Background(), conn, lockKey)

	// Another worker may have pinned the contact while we waited for the lock.
	if existing, ok, err := s.lookupContactRouting(ctx, conn, phone, agentCode, kind); err != nil {
		return 0, err
	} else if ok && containsInt(candidates, existing) {
		s.logDecision(ctx, agentCode, kind, phone, existing, candidates)
		return existing, nil
	}

	index, err := s.advanceCursor(ctx, conn, agentCode, kind, len(candidates))
	if err != nil {
		return 0, err
	}
	chosen := candidates[index]

	if _, err := conn.ExecContext(ctx,
		`INSERT INTO contact_routing (phone, agent_code, kind, inbox_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (phone, agent_code, kind) DO UPDATE SET inbox_id = $4, updated_at = $5`,
		phone, agentCode, kind, chosen, time.Now(),
	); err != nil {
		return 0, err
	}

	s.logDecision(ctx, agentCode, kind, phone, chosen, candidates)
	return chosen, nil
}

// PinArrivalInbox records inboxID as the sticky routing for (agentCode,
// kind, phone) if no ContactRouting row exists yet — called from the
// inbound pipeline when a message physically arrives on a known
// inbox, so a later outbound reply sticks to the same transport the
// client already knows about rather than being freshly RR-rotated.
// A contact who already has a sticky assignment keeps it even if it
// differs from the inbox this particular message arrived on (e.g. the
// client wrote to a second number): stickiness is about outbound "first
// send", and silently repinning on every inbound message would make it
// meaningless.
func (s *Store) PinArrivalInbox(ctx context.Context, agentCode, kind, phone string, inboxID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contact_routing (phone, agent_code, kind, inbox_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (phone, agent_code, kind) DO NOTHING`,
		phone, agentCode, kind, inboxID, time.Now(),
	)
	return err
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) lookupContactRouting(ctx context.Context, q execQueryer, phone, agentCode, kind string) (int, bool, error) {
	var inboxID int
	err := q.QueryRowContext(ctx,
		`SELECT inbox_id FROM contact_routing WHERE phone = $1 AND agent_code = $2 AND kind = $3`,
		phone, agentCode, kind,
	).Scan(&inboxID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return inboxID, true, nil
}

// advanceCursor rotates the RRCursor for (agentCode, kind) and returns the
// new index into a candidates slice of length n.
func (s *Store) advanceCursor(ctx context.Context, q execQueryer, agentCode, kind string, n int) (int, error) {
	bucket := agentCode + ":" + kind
	var last int
	err := q.QueryRowContext(ctx,
		`SELECT last_index FROM rr_cursor WHERE agent_code_and_kind = $1`,
		bucket,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		last = -1
	} else if err != nil {
		return 0, err
	}

	next := (last + 1) % n
	_, err = q.ExecContext(ctx,
		`INSERT INTO rr_cursor (agent_code_and_kind, last_index, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (agent_code_and_kind) DO UPDATE SET last_index = $2, updated_at = $3`,
		bucket, next, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) logDecision(ctx context.Context, agentCode, kind, phone string, chosen int, candidates []int) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_decision_log (agent_code, kind, phone, chosen_inbox_id, candidate_inboxes, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		agentCode, kind, phone, chosen, pq.Array(candidates), time.Now(),
	)
	if err != nil {
		s.log.Warn("routing decision log insert failed", "agent_code", agentCode, "kind", kind, "error", err)
	}
	if s.onDecide != nil {
		s.onDecide(agentCode, kind, phone, chosen, candidates)
	}
}

// Decision is one persisted routing resolution from the decision log.
type Decision struct {
	AgentCode  string
	Kind       string
	Phone      string
	InboxID    int
	Candidates []int
	DecidedAt  time.Time
}

// DecisionHistory returns the most recent limit decisions recorded for
// phone, newest first.
func (s *Store) DecisionHistory(ctx context.Context, phone string, limit int) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_code, kind, phone, chosen_inbox_id, candidate_inboxes, decided_at
		 FROM routing_decision_log WHERE phone = $1 ORDER BY decided_at DESC LIMIT $2`,
		phone, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var cands pq.Int64Array
		if err := rows.Scan(&d.AgentCode, &d.Kind, &d.Phone, &d.InboxID, &cands, &d.DecidedAt); err != nil {
			return nil, err
		}
		d.Candidates = make([]int, len(cands))
		for i, c := range cands {
			d.Candidates[i] = int(c)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Assignment is one sticky contact_routing row.
type Assignment struct {
	AgentCode string
	Kind      string
	InboxID   int
	UpdatedAt time.Time
}

// AssignmentsFor lists every sticky assignment currently pinned for phone.
func (s *Store) AssignmentsFor(ctx context.Context, phone string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_code, kind, inbox_id, updated_at
		 FROM contact_routing WHERE phone = $1 ORDER BY agent_code, kind`,
		phone,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.AgentCode, &a.Kind, &a.InboxID, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResetContact deletes every sticky assignment for phone, forcing the
// next send to re-rotate. Returns the number of rows removed.
func (s *Store) ResetContact(ctx context.Context, phone string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contact_routing WHERE phone = $1`, phone)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// bucketLockKey derives the advisory-lock key shared across processes for a
// routing bucket: the first 8 bytes of sha1("agent_code:kind") read as a
// big-endian signed int64. This derivation is part of the wire contract —
// any process computing it differently would never contend on the same key.
func bucketLockKey(agentCode, kind string) int64 {
	sum := sha1.Sum([]byte(agentCode + ":" + kind))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func acquireAdvisoryLock(ctx context.Context, conn *sql.Conn, key int64) error {
	for attempt := 0; attempt < lockMaxAttempts; attempt++ {
		var acquired bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
			return err
		}
		if acquired {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
	return apierr.New("routing.acquireAdvisoryLock", apierr.ContentionTimeout, 0,
		fmt.Errorf("could not acquire routing lock %d after %d attempts", key, lockMaxAttempts))
}

func releaseAdvisoryLock(ctx context.Context, conn *sql.Conn, key int64) {
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
		slog.Default().Warn("routing advisory unlock failed", "key", key, "error", err)
	}
}
