package helpdesk

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Message is the subset of the helpdesk's message shape this hub cares
// about. MessageType follows the helpdesk's convention: 0 = incoming
// (client), 1 = outgoing (operator/agent), 2 = system/activity.
type Message struct {
	ID          int    `json:"id"`
	Content     string `json:"content"`
	MessageType int    `json:"message_type"`
	Private     bool   `json:"private"`
	CreatedAt   any    `json:"created_at"`
}

type listMessagesResponse struct {
	Payload []Message `json:"payload"`
}

// Messages returns the most recent page of messages in a conversation (the
// helpdesk returns the latest ~20 on an unparameterized request).
func (c *Client) Messages(ctx context.Context, conversationID int) ([]Message, error) {
	var resp listMessagesResponse
	if err := c.request(ctx, "GET", c.accountPath("/conversations/"+itoa(conversationID)+"/messages"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// GetAllMessages walks the conversation's full history backward via the
// "before" cursor, dedupes by message id (a message can appear on two
// adjacent pages if new messages arrive mid-walk), and returns the result
// in ascending id order.
func (c *Client) GetAllMessages(ctx context.Context, conversationID int) ([]Message, error) {
	var all []Message
	var before int

	for {
		query := map[string]string{}
		if before != 0 {
			query["before"] = strconv.Itoa(before)
		}

		var resp listMessagesResponse
		if err := c.request(ctx, "GET", c.accountPath("/conversations/"+itoa(conversationID)+"/messages"), query, nil, &resp); err != nil {
			return nil, err
		}
		if len(resp.Payload) == 0 {
			break
		}
		all = append(all, resp.Payload...)

		oldest := resp.Payload[0].ID
		for _, m := range resp.Payload {
			if m.ID < oldest {
				oldest = m.ID
			}
		}
		before = oldest
	}

	dedup := make(map[int]Message, len(all))
	for _, m := range all {
		dedup[m.ID] = m
	}
	ids := make([]int, 0, len(dedup))
	for id := range dedup {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, dedup[id])
	}
	return out, nil
}

// LastMessage returns the most recent message in the conversation, or the
// zero value and ok=false if the conversation has none.
func (c *Client) LastMessage(ctx context.Context, conversationID int) (Message, bool, error) {
	msgs, err := c.Messages(ctx, conversationID)
	if err != nil {
		return Message{}, false, err
	}
	if len(msgs) == 0 {
		return Message{}, false, nil
	}
	return msgs[len(msgs)-1], true, nil
}

// SendMessage posts a message into the conversation. messageType follows
// the helpdesk convention (1 = operator, 0 = client echo, 2 = system). When
// the posted content carries an intent marker and is neither private nor a
// system message, the configured MarkerNotifier is invoked — mirroring the
// original's "notify responsible" side effect on outbound marker messages.
func (c *Client) SendMessage(ctx context.Context, conversationID int, content string, messageType int, private bool) (Message, error) {
	var msg Message
	payload := map[string]any{
		"content":      content,
		"message_type": messageType,
		"private":      private,
	}
	if err := c.request(ctx, "POST", c.accountPath("/conversations/"+itoa(conversationID)+"/messages"), nil, payload, &msg); err != nil {
		return Message{}, err
	}

	if marker := detectMarker(content); marker != "" && !private && messageType != 2 && c.notifier != nil {
		if err := c.notifier.NotifyMarker(ctx, conversationID, marker); err != nil {
			c.log.Error("helpdesk.marker_notify_failed", "conversation_id", conversationID, "marker", marker, "error", err)
		}
	}

	return msg, nil
}

// IsActiveConversation reports whether a conversation has at least one
// non-private, non-system message.
func (c *Client) IsActiveConversation(ctx context.Context, conversationID int) (bool, error) {
	msgs, err := c.GetAllMessages(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if !m.Private && m.MessageType != 2 {
			return true, nil
		}
	}
	return false, nil
}

// HasClientMessage reports whether the conversation's recent message page
// contains at least one incoming (client) message.
func (c *Client) HasClientMessage(ctx context.Context, conversationID int) (bool, error) {
	msgs, err := c.Messages(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.MessageType == 0 {
			return true, nil
		}
	}
	return false, nil
}

// IsStoppedCommunication reports whether a conversation has had no
// non-private, non-system messages within the last `days` days.
func (c *Client) IsStoppedCommunication(ctx context.Context, conversationID int, days int) (bool, error) {
	msgs, err := c.Messages(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}

	threshold := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Private || m.MessageType == 2 {
			continue
		}
		ts, ok := messageTimestamp(m)
		if !ok {
			continue
		}
		return ts.Before(threshold), nil
	}
	return false, nil
}

// messageTimestamp normalizes a message's created_at field, which the
// helpdesk renders inconsistently across endpoints: epoch seconds, epoch
// milliseconds, or an ISO-8601 string.
func messageTimestamp(m Message) (time.Time, bool) {
	switch v := m.CreatedAt.(type) {
	case float64:
		ts := v
		if ts > 1e12 {
			ts /= 1000
		}
		return time.Unix(int64(ts), 0).UTC(), true
	case string:
		s := strings.Replace(v, "Z", "+00:00", 1)
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}
