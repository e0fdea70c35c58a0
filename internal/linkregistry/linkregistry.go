// Package linkregistry tracks which helpdesk conversations are linked to
// which CRM deals, including which linked conversation is the deal's
// primary (selected) one.
package linkregistry

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Link is one (deal, conversation) association.
type Link struct {
	ID             int
	Portal         string
	DealID         int
	ConversationID int
	InboxID        int
	ContactID      int
	IsPrimary      bool
	CreatedAt      time.Time
}

// Store backs the deal<->conversation link table.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// LinkDealWithConversation creates the association, idempotently: a repeat
// call for the same (portal, deal, conversation) tuple is a no-op.
func (s *Store) LinkDealWithConversation(ctx context.Context, portal string, dealID, conversationID, inboxID, contactID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deal_link (bx_portal, bx_deal_id, cw_conversation_id, cw_inbox_id, cw_contact_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (bx_portal, bx_deal_id, cw_conversation_id) DO NOTHING`,
		portal, dealID, conversationID, inboxID, contactID, time.Now(),
	)
	return err
}

// SetPrimary clears any other primary link for the deal and marks
// conversationID as primary. Returns false if no such link exists.
func (s *Store) SetPrimary(ctx context.Context, portal string, dealID, conversationID int) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM deal_link WHERE bx_portal = $1 AND bx_deal_id = $2 AND cw_conversation_id = $3)`,
		portal, dealID, conversationID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE deal_link SET is_primary = false WHERE bx_portal = $1 AND bx_deal_id = $2 AND is_primary = true`,
		portal, dealID,
	); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE deal_link SET is_primary = true WHERE bx_portal = $1 AND bx_deal_id = $2 AND cw_conversation_id = $3`,
		portal, dealID, conversationID,
	); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetLinksForDeal returns every link for the deal, primary first then most
// recently created.
func (s *Store) GetLinksForDeal(ctx context.Context, portal string, dealID int) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bx_portal, bx_deal_id, cw_conversation_id, cw_inbox_id, cw_contact_id, is_primary, created_at
		 FROM deal_link WHERE bx_portal = $1 AND bx_deal_id = $2
		 ORDER BY is_primary DESC, created_at DESC`,
		portal, dealID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLinks(rows)
}

// GetDealsForConversation returns every link for a conversation, primary
// first then most recently created — the inverse lookup of
// GetLinksForDeal, used when a helpdesk conversation needs to find which
// deal(s) reference it.
func (s *Store) GetDealsForConversation(ctx context.Context, portal string, conversationID int) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bx_portal, bx_deal_id, cw_conversation_id, cw_inbox_id, cw_contact_id, is_primary, created_at
		 FROM deal_link WHERE bx_portal = $1 AND cw_conversation_id = $2
		 ORDER BY is_primary DESC, created_at DESC`,
		portal, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLinks(rows)
}

// GetDealsForConversationAnyPortal is GetDealsForConversation without a
// portal filter, for call sites (like the marker-notification path) that
// only know a helpdesk conversation id and need to find every deal linked
// to it regardless of which CRM portal owns that deal.
func (s *Store) GetDealsForConversationAnyPortal(ctx context.Context, conversationID int) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bx_portal, bx_deal_id, cw_conversation_id, cw_inbox_id, cw_contact_id, is_primary, created_at
		 FROM deal_link WHERE cw_conversation_id = $1
		 ORDER BY is_primary DESC, created_at DESC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLinks(rows)
}

// GetSelectedConversationId returns the primary conversation for the deal,
// falling back to the most recently linked one if no primary is set.
func (s *Store) GetSelectedConversationId(ctx context.Context, portal string, dealID int) (int, bool, error) {
	var conv int
	err := s.db.QueryRowContext(ctx,
		`SELECT cw_conversation_id FROM deal_link WHERE bx_portal = $1 AND bx_deal_id = $2 AND is_primary = true LIMIT 1`,
		portal, dealID,
	).Scan(&conv)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT cw_conversation_id FROM deal_link WHERE bx_portal = $1 AND bx_deal_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		portal, dealID,
	).Scan(&conv)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return conv, true, nil
}

// DistinctConversationIDs returns every helpdesk conversation id that has
// at least one deal link, used by the warmup sweep to enumerate
// conversations worth checking for stalled communication.
func (s *Store) DistinctConversationIDs(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT cw_conversation_id FROM deal_link`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanLinks(rows *sql.Rows) ([]Link, error) {
	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.ID, &l.Portal, &l.DealID, &l.ConversationID, &l.InboxID, &l.ContactID, &l.IsPrimary, &l.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
