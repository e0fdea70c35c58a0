// Package agentorch is the agent orchestrator: it turns a helpdesk
// "message_created" event into a router→specialist LLM handoff, paces the
// reply with a typing delay, and guards delivery with a last-message-id
// idempotency check so a message superseded mid-flight never gets two
// replies.
package agentorch

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Conversation mirrors one row of the helpdesk_conversation table: this
// hub's own bookkeeping about a helpdesk conversation, keyed by the
// helpdesk's own conversation id. Everything else about the conversation
// (messages, contact, inbox) is owned by the helpdesk itself; this table
// only carries state the orchestrator and deal-sync sweep need to persist.
type Conversation struct {
	ChatwootID            int
	LastMessageID         int
	LastClientMessageDate *time.Time
	AgentContactSent      bool
	NextMeetingDatetime   *time.Time
	WarmupNumber          int
	LastWarmupDate        *time.Time
}

// ConversationStore backs the helpdesk_conversation table.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// Get loads a conversation's bookkeeping row, returning ok=false if none
// exists yet (a conversation this hub has never touched).
func (s *ConversationStore) Get(ctx context.Context, chatwootID int) (Conversation, bool, error) {
	var c Conversation
	var lastMessageID sql.NullInt64
	var lastClientMsg, nextMeeting, lastWarmup sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT chatwoot_id, last_message_id, last_client_message_date, agent_contact_sent,
		        next_meeting_datetime, warmup_number, last_warmup_date
		 FROM helpdesk_conversation WHERE chatwoot_id = $1`,
		chatwootID,
	).Scan(&c.ChatwootID, &lastMessageID, &lastClientMsg, &c.AgentContactSent,
		&nextMeeting, &c.WarmupNumber, &lastWarmup)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	c.LastMessageID = int(lastMessageID.Int64)
	if lastClientMsg.Valid {
		c.LastClientMessageDate = &lastClientMsg.Time
	}
	if nextMeeting.Valid {
		c.NextMeetingDatetime = &nextMeeting.Time
	}
	if lastWarmup.Valid {
		c.LastWarmupDate = &lastWarmup.Time
	}
	return c, true, nil
}

// SetLastMessageID upserts the idempotency marker ahead of running the
// router (spec step 2, "idempotency pre-set"). A conversation with no row
// yet is created with the remaining fields at their zero value.
func (s *ConversationStore) SetLastMessageID(ctx context.Context, chatwootID, messageID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO helpdesk_conversation (chatwoot_id, last_message_id, agent_contact_sent, warmup_number)
		 VALUES ($1, $2, false, 0)
		 ON CONFLICT (chatwoot_id) DO UPDATE SET last_message_id = $2`,
		chatwootID, messageID,
	)
	return err
}

// LastMessageID reloads just the idempotency marker (spec step 6,
// "idempotency post-check"). ok=false means no row exists, which can only
// happen if the pre-set in step 2 never ran — callers should treat that as
// a stale/dropped reply rather than erroring.
func (s *ConversationStore) LastMessageID(ctx context.Context, chatwootID int) (int, bool, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_message_id FROM helpdesk_conversation WHERE chatwoot_id = $1`,
		chatwootID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return int(id.Int64), true, nil
}

// MarkAgentContactSent records that the agent's own business-card reply
// ("[Мой контакт]") has been sent for this conversation, so later logic
// that gates on "has the agent already introduced itself" can read it back.
func (s *ConversationStore) MarkAgentContactSent(ctx context.Context, chatwootID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO helpdesk_conversation (chatwoot_id, agent_contact_sent, warmup_number)
		 VALUES ($1, true, 0)
		 ON CONFLICT (chatwoot_id) DO UPDATE SET agent_contact_sent = true`,
		chatwootID,
	)
	return err
}

// BumpWarmup increments warmup_number and stamps last_warmup_date.
// Driven by the orchestrator's handoff to the Warmup specialist.
func (s *ConversationStore) BumpWarmup(ctx context.Context, chatwootID int) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO helpdesk_conversation (chatwoot_id, warmup_number, last_warmup_date, agent_contact_sent)
		 VALUES ($1, 1, $2, false)
		 ON CONFLICT (chatwoot_id) DO UPDATE
		 SET warmup_number = helpdesk_conversation.warmup_number + 1, last_warmup_date = $2`,
		chatwootID, now,
	)
	return err
}

// SetNextMeeting stamps or clears the reminder-sweep target time.
func (s *ConversationStore) SetNextMeeting(ctx context.Context, chatwootID int, at *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO helpdesk_conversation (chatwoot_id, next_meeting_datetime, agent_contact_sent, warmup_number)
		 VALUES ($1, $2, false, 0)
		 ON CONFLICT (chatwoot_id) DO UPDATE SET next_meeting_datetime = $2`,
		chatwootID, at,
	)
	return err
}

// DueMeetingReminders returns conversations whose next_meeting_datetime
// falls within the next hour, for the meeting-reminder sweep.
func (s *ConversationStore) DueMeetingReminders(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chatwoot_id, next_meeting_datetime FROM helpdesk_conversation
		 WHERE next_meeting_datetime IS NOT NULL
		   AND next_meeting_datetime <= now() + interval '1 hour'`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var at sql.NullTime
		if err := rows.Scan(&c.ChatwootID, &at); err != nil {
			return nil, err
		}
		if at.Valid {
			c.NextMeetingDatetime = &at.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
