package helpdesk

import "context"

// Conversation is the subset of the helpdesk's conversation shape this hub
// cares about.
type Conversation struct {
	ID      int `json:"id"`
	InboxID int `json:"inbox_id"`
}

type listConversationsResponse struct {
	Payload []Conversation `json:"payload"`
}

type createConversationResponse struct {
	ID int `json:"id"`
}

// Conversations lists every conversation the helpdesk has with contactID.
func (c *Client) Conversations(ctx context.Context, contactID int) ([]Conversation, error) {
	var resp listConversationsResponse
	if err := c.request(ctx, "GET", c.accountPath("/contacts/"+itoa(contactID)+"/conversations"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// ConversationInboxIDs returns the inbox ids of every conversation the
// helpdesk has with contactID — used to decide whether a contact already
// has a presence in a given transport's inbox.
func (c *Client) ConversationInboxIDs(ctx context.Context, contactID int) ([]int, error) {
	convs, err := c.Conversations(ctx, contactID)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(convs))
	for _, conv := range convs {
		ids = append(ids, conv.InboxID)
	}
	return ids, nil
}

// ConversationID returns the id of the conversation with contactID in
// inboxID, or 0 if none exists.
func (c *Client) ConversationID(ctx context.Context, contactID, inboxID int) (int, error) {
	convs, err := c.Conversations(ctx, contactID)
	if err != nil {
		return 0, err
	}
	for _, conv := range convs {
		if conv.InboxID == inboxID {
			return conv.ID, nil
		}
	}
	return 0, nil
}

// CreateConversation opens a new conversation with contactID in inboxID and
// puts it in the "open" status (the helpdesk creates conversations in a
// pending state by default).
func (c *Client) CreateConversation(ctx context.Context, contactID, inboxID int, sourceID, assigneeID string) (int, error) {
	payload := map[string]any{"inbox_id": inboxID, "contact_id": contactID}
	if sourceID != "" {
		payload["source_id"] = sourceID
	}
	if assigneeID != "" {
		payload["assignee_id"] = assigneeID
	}

	var resp createConversationResponse
	if err := c.request(ctx, "POST", c.accountPath("/conversations"), nil, payload, &resp); err != nil {
		return 0, err
	}

	if !c.OpenConversation(ctx, resp.ID) {
		c.log.Error("helpdesk.conversation.open_failed", "conversation_id", resp.ID)
	}
	return resp.ID, nil
}

// GetOrCreateConversation finds an existing conversation with contactID in
// inboxID, creating one if none exists. The bool reports whether a new
// conversation was created.
func (c *Client) GetOrCreateConversation(ctx context.Context, contactID, inboxID int, sourceID, assigneeID string) (int, bool, error) {
	id, err := c.ConversationID(ctx, contactID, inboxID)
	if err != nil {
		return 0, false, err
	}
	if id != 0 {
		return id, false, nil
	}
	newID, err := c.CreateConversation(ctx, contactID, inboxID, sourceID, assigneeID)
	if err != nil {
		return 0, false, err
	}
	return newID, true, nil
}

func (c *Client) toggleStatus(ctx context.Context, conversationID int, status string) bool {
	var resp struct {
		Payload struct {
			CurrentStatus string `json:"current_status"`
		} `json:"payload"`
	}
	if err := c.request(ctx, "POST", c.accountPath("/conversations/"+itoa(conversationID)+"/toggle_status"), nil, map[string]any{"status": status}, &resp, 200); err != nil {
		c.log.Error("helpdesk.toggle_status", "conversation_id", conversationID, "status", status, "error", err)
		return false
	}
	return resp.Payload.CurrentStatus == status
}

// OpenConversation sets a conversation's status to open.
func (c *Client) OpenConversation(ctx context.Context, conversationID int) bool {
	return c.toggleStatus(ctx, conversationID, "open")
}

// CloseConversation sets a conversation's status to resolved.
func (c *Client) CloseConversation(ctx context.Context, conversationID int) bool {
	return c.toggleStatus(ctx, conversationID, "resolved")
}

// SnoozeConversation sets a conversation's status to snoozed.
func (c *Client) SnoozeConversation(ctx context.Context, conversationID int) bool {
	return c.toggleStatus(ctx, conversationID, "snoozed")
}

// CloseIfInactive closes conversationID if it has no non-private,
// non-system messages, returning whether it closed the conversation. A
// conversation that no longer exists (or whose messages can't be fetched)
// is treated as "nothing to close" rather than an error.
func (c *Client) CloseIfInactive(ctx context.Context, conversationID int) bool {
	active, err := c.IsActiveConversation(ctx, conversationID)
	if err != nil {
		c.log.Warn("helpdesk.close_if_inactive.check_failed", "conversation_id", conversationID, "error", err)
		return false
	}
	if active {
		return false
	}
	return c.CloseConversation(ctx, conversationID)
}

// SetCustomAttribute merges attrs into a conversation's custom attributes
// (add or overwrite, never clears existing keys not present in attrs).
func (c *Client) SetCustomAttribute(ctx context.Context, conversationID int, attrs map[string]any) error {
	return c.request(ctx, "POST", c.accountPath("/conversations/"+itoa(conversationID)+"/custom_attributes"), nil, map[string]any{"custom_attributes": attrs}, nil)
}

// ListOpenConversationIds returns every open conversation id, optionally
// scoped to one inbox, walking the helpdesk's page-by-page listing until an
// empty page is returned.
func (c *Client) ListOpenConversationIds(ctx context.Context, inboxID int) ([]int, error) {
	var ids []int
	page := 1
	for {
		query := map[string]string{"status": "open", "page": itoa(page), "assignee_type": "all"}
		if inboxID != 0 {
			query["inbox_id"] = itoa(inboxID)
		}

		var resp struct {
			Data struct {
				Payload []struct {
					ID int `json:"id"`
				} `json:"payload"`
			} `json:"data"`
		}
		if err := c.request(ctx, "GET", c.accountPath("/conversations"), query, nil, &resp); err != nil {
			return ids, err
		}
		if len(resp.Data.Payload) == 0 {
			return ids, nil
		}
		for _, conv := range resp.Data.Payload {
			ids = append(ids, conv.ID)
		}
		page++
	}
}

// InboxIDByConversation returns the inbox id a conversation belongs to.
func (c *Client) InboxIDByConversation(ctx context.Context, conversationID int) (int, error) {
	var resp struct {
		InboxID  int `json:"inbox_id"`
		Messages []struct {
			InboxID int `json:"inbox_id"`
		} `json:"messages"`
	}
	if err := c.request(ctx, "GET", c.accountPath("/conversations/"+itoa(conversationID)), nil, nil, &resp); err != nil {
		return 0, err
	}
	if resp.InboxID != 0 {
		return resp.InboxID, nil
	}
	for _, msg := range resp.Messages {
		if msg.InboxID != 0 {
			return msg.InboxID, nil
		}
	}
	return 0, nil
}

// ContactPhoneByConversation resolves a contact's phone through its
// conversation — the helpdesk has no direct conversation→phone index, so
// this hops conversation → contact → phone.
func (c *Client) ContactPhoneByConversation(ctx context.Context, conversationID int) (string, error) {
	// Conversation detail embeds the contact under "meta.sender.id".
	var full struct {
		Meta struct {
			Sender struct {
				ID int `json:"id"`
			} `json:"sender"`
		} `json:"meta"`
	}
	if err := c.request(ctx, "GET", c.accountPath("/conversations/"+itoa(conversationID)), nil, nil, &full); err != nil {
		return "", err
	}
	if full.Meta.Sender.ID == 0 {
		return "", nil
	}
	return c.ContactPhone(ctx, full.Meta.Sender.ID)
}
