package tg

import (
	"encoding/json"

	"github.com/mbkchat/convhub/internal/phoneutil"
)

// WebhookEventKind classifies a decoded inbound webhook payload.
type WebhookEventKind string

const (
	EventIncomingText  WebhookEventKind = "incoming_text"
	EventIncomingMedia WebhookEventKind = "incoming_media"
	EventIgnored       WebhookEventKind = "ignored"
)

// MediaKind enumerates the fetchable-attachment sub-types this gateway
// reports on an incoming_message notification.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVoice    MediaKind = "ptt"
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
)

// WebhookEvent is the normalized shape the inbound pipeline consumes.
type WebhookEvent struct {
	Kind       WebhookEventKind
	Phone      string // normalized sender phone, resolved from the wappi contact lookup by the caller
	Identifier string // raw "from" field as reported by the gateway, before contact resolution
	Text       string
	Caption    string
	Media      MediaKind
	MediaURL   string
	MessageID  string
}

type inboundPayload struct {
	Messages []struct {
		WhType    string `json:"wh_type"`
		Type      string `json:"type"`
		Body      string `json:"body"`
		Caption   string `json:"caption"`
		From      string `json:"from"`
		FileLink  string `json:"file_link"`
		MessageID string `json:"id"`
	} `json:"messages"`
}

// DecodeWebhook parses a TG gateway webhook body into zero or more
// normalized events — the gateway batches notifications into a single
// "messages" array per request.
func DecodeWebhook(body []byte) ([]WebhookEvent, error) {
	var p inboundPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}

	events := make([]WebhookEvent, 0, len(p.Messages))
	for _, m := range p.Messages {
		if m.WhType != "incoming_message" || m.From == "" {
			events = append(events, WebhookEvent{Kind: EventIgnored})
			continue
		}

		base := WebhookEvent{
			Identifier: m.From,
			Phone:      phoneutil.Normalize(m.From),
			MessageID:  m.MessageID,
		}

		switch m.Type {
		case "":
			base.Kind = EventIncomingText
			base.Text = m.Body
			if base.Text == "" {
				base.Kind = EventIgnored
			}
		case string(MediaImage):
			base.Kind = EventIncomingMedia
			base.Media = MediaImage
			base.MediaURL = m.FileLink
			base.Caption = m.Caption
		case string(MediaVoice):
			base.Kind = EventIncomingMedia
			base.Media = MediaVoice
			base.MediaURL = m.FileLink
		case string(MediaDocument):
			base.Kind = EventIncomingMedia
			base.Media = MediaDocument
			base.MediaURL = m.FileLink
			base.Caption = m.Caption
		case string(MediaVideo):
			base.Kind = EventIncomingMedia
			base.Media = MediaVideo
			base.MediaURL = m.FileLink
		default:
			base.Kind = EventIgnored
		}

		events = append(events, base)
	}
	return events, nil
}
