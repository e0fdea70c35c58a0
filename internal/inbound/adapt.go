package inbound

import (
	"github.com/mbkchat/convhub/internal/transport"
	"github.com/mbkchat/convhub/internal/transport/tg"
	"github.com/mbkchat/convhub/internal/transport/wa"
)

// FromWA adapts a decoded WA webhook event into a canonical Message. The
// caller supplies agentCode/inboxID since neither is recoverable from the
// gateway payload itself — they identify which configured transport
// received the webhook.
func FromWA(agentCode string, inboxID int, ev wa.WebhookEvent) (Message, bool) {
	if ev.Kind != wa.EventIncomingText && ev.Kind != wa.EventIncomingMedia {
		return Message{}, false
	}
	msg := Message{
		AgentCode:  agentCode,
		Kind:       transport.KindWA,
		InboxID:    inboxID,
		Phone:      ev.Phone,
		SenderName: ev.SenderName,
		Text:       ev.Text,
		MediaURL:   ev.MediaURL,
		FileName:   ev.FileName,
	}
	switch ev.Media {
	case wa.MediaImage:
		msg.Media = MediaImage
	case wa.MediaDocument:
		msg.Media = MediaDocument
	case wa.MediaAudio:
		msg.Media = MediaVoice
	case wa.MediaVideo, wa.MediaContact, wa.MediaLocation, wa.MediaSticker, wa.MediaPoll:
		msg.Media = MediaOther
	default:
		msg.Media = MediaNone
	}
	return msg, true
}

// FromTG adapts a decoded TG webhook event into a canonical Message. phone
// is the contact's resolved phone (the gateway's "from" field is an
// internal identifier, not a phone — the caller resolves it via the TG
// client's contact lookup before calling this).
func FromTG(agentCode string, inboxID int, phone string, ev tg.WebhookEvent) (Message, bool) {
	if ev.Kind != tg.EventIncomingText && ev.Kind != tg.EventIncomingMedia {
		return Message{}, false
	}
	msg := Message{
		AgentCode: agentCode,
		Kind:      transport.KindTG,
		InboxID:   inboxID,
		Phone:     phone,
		Text:      ev.Text,
		MediaURL:  ev.MediaURL,
	}
	if msg.Text == "" {
		msg.Text = ev.Caption
	}
	switch ev.Media {
	case tg.MediaImage:
		msg.Media = MediaImage
	case tg.MediaDocument:
		msg.Media = MediaDocument
	case tg.MediaVoice:
		msg.Media = MediaVoice
	case tg.MediaVideo:
		msg.Media = MediaOther
	default:
		msg.Media = MediaNone
	}
	return msg, true
}
