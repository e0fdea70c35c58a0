package helpdesk

import (
	"context"
	"strings"
)

// Contact is the subset of the helpdesk's contact shape this hub cares
// about.
type Contact struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Identifier  string `json:"identifier"`
	PhoneNumber string `json:"phone_number"`
}

type searchContactsResponse struct {
	Payload []Contact `json:"payload"`
}

type createContactResponse struct {
	Payload struct {
		Contact Contact `json:"contact"`
	} `json:"payload"`
}

// SearchContacts looks up contacts by identifier (typically a normalized
// phone digit string).
func (c *Client) SearchContacts(ctx context.Context, identifier string) ([]Contact, error) {
	var resp searchContactsResponse
	if err := c.request(ctx, "GET", c.accountPath("/contacts/search"), map[string]string{"q": identifier}, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// ContactID returns the id of the first contact matching identifier, or 0
// if none exists. The original treats more-than-one match as a (logged)
// anomaly but still picks the first.
func (c *Client) ContactID(ctx context.Context, identifier string) (int, error) {
	contacts, err := c.SearchContacts(ctx, identifier)
	if err != nil {
		return 0, err
	}
	if len(contacts) == 0 {
		return 0, nil
	}
	if len(contacts) > 1 {
		c.log.Warn("helpdesk.contact.ambiguous", "identifier", identifier, "matches", len(contacts))
	}
	return contacts[0].ID, nil
}

// CreateContact creates a new contact and returns its id.
func (c *Client) CreateContact(ctx context.Context, name, identifier, phone string) (int, error) {
	payload := map[string]any{"name": name, "identifier": identifier}
	if phone != "" {
		payload["phone_number"] = phone
	}
	var resp createContactResponse
	if err := c.request(ctx, "POST", c.accountPath("/contacts"), nil, payload, &resp); err != nil {
		return 0, err
	}
	return resp.Payload.Contact.ID, nil
}

// GetOrCreateContact finds an existing contact by identifier, creating one
// if none exists. The bool return reports whether a new contact was
// created.
func (c *Client) GetOrCreateContact(ctx context.Context, name, identifier, phone string) (int, bool, error) {
	id, err := c.ContactID(ctx, identifier)
	if err != nil {
		return 0, false, err
	}
	if id != 0 {
		return id, false, nil
	}
	newID, err := c.CreateContact(ctx, name, identifier, phone)
	if err != nil {
		return 0, false, err
	}
	return newID, newID != 0, nil
}

// ContactPhone returns a contact's normalized phone number (no leading
// '+'), or "" if the contact has none set.
func (c *Client) ContactPhone(ctx context.Context, contactID int) (string, error) {
	var full struct {
		Payload struct {
			Phone string `json:"phone_number"`
		} `json:"payload"`
	}
	if err := c.request(ctx, "GET", c.accountPath("/contacts/"+itoa(contactID)), nil, nil, &full); err != nil {
		return "", err
	}
	return strings.TrimPrefix(full.Payload.Phone, "+"), nil
}
