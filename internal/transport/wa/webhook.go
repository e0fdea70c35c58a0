package wa

import (
	"encoding/json"
	"strings"

	"github.com/mbkchat/convhub/internal/phoneutil"
)

// WebhookEventKind classifies a decoded inbound webhook payload.
type WebhookEventKind string

const (
	EventStateChanged  WebhookEventKind = "state_changed"
	EventIncomingCall  WebhookEventKind = "incoming_call"
	EventIncomingText  WebhookEventKind = "incoming_text"
	EventIncomingMedia WebhookEventKind = "incoming_media"
	EventIgnored       WebhookEventKind = "ignored"
)

// MediaKind enumerates the fetchable-attachment sub-types of
// incomingMessageReceived (text-bearing sub-types collapse into
// EventIncomingText instead).
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaContact  MediaKind = "contact"
	MediaLocation MediaKind = "location"
	MediaSticker  MediaKind = "sticker"
	MediaPoll     MediaKind = "poll"
)

// WebhookEvent is the normalized shape the inbound pipeline consumes,
// regardless of which incomingMessageReceived sub-type (or the
// stateInstanceChanged / incomingCall variants) produced it.
type WebhookEvent struct {
	Kind          WebhookEventKind
	Phone         string // normalized sender phone, when applicable
	SenderName    string
	Text          string
	Media         MediaKind
	MediaURL      string // download URL for the attachment, when Kind == EventIncomingMedia
	FileName      string
	MessageID     string
	ChatID        string
	StateInstance string // populated for EventStateChanged: authorized/notAuthorized/blocked
}

type inboundPayload struct {
	TypeWebhook   string `json:"typeWebhook"`
	StateInstance string `json:"stateInstance"`
	Status        string `json:"status"`
	From          string `json:"from"`
	IDMessage     string `json:"idMessage"`
	SenderData    struct {
		SenderName string `json:"senderName"`
		ChatID     string `json:"chatId"`
		Sender     string `json:"sender"`
	} `json:"senderData"`
	MessageData struct {
		TypeMessage         string `json:"typeMessage"`
		TextMessageData     struct {
			TextMessage string `json:"textMessage"`
		} `json:"textMessageData"`
		ExtendedTextMessageData struct {
			Text string `json:"text"`
		} `json:"extendedTextMessageData"`
		QuotedMessage struct {
			TextMessage string `json:"textMessage"`
		} `json:"quotedMessage"`
		FileMessageData struct {
			Caption     string `json:"caption"`
			DownloadURL string `json:"downloadUrl"`
			FileName    string `json:"fileName"`
		} `json:"fileMessageData"`
	} `json:"messageData"`
}

// DecodeWebhook parses a WA gateway webhook body into a normalized event.
func DecodeWebhook(body []byte) (WebhookEvent, error) {
	var p inboundPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return WebhookEvent{}, err
	}

	switch p.TypeWebhook {
	case "stateInstanceChanged":
		return WebhookEvent{Kind: EventStateChanged, StateInstance: p.StateInstance}, nil

	case "incomingCall":
		if p.Status != "offer" {
			return WebhookEvent{Kind: EventIgnored}, nil
		}
		phone := phoneutil.Normalize(strings.TrimSuffix(p.From, "@c.us"))
		return WebhookEvent{Kind: EventIncomingCall, Phone: phone}, nil

	case "incomingMessageReceived":
		return decodeIncomingMessage(p), nil

	default:
		return WebhookEvent{Kind: EventIgnored}, nil
	}
}

func decodeIncomingMessage(p inboundPayload) WebhookEvent {
	phone := phoneutil.Normalize(strings.TrimSuffix(p.SenderData.Sender, "@c.us"))
	base := WebhookEvent{
		Phone:      phone,
		SenderName: firstNonEmpty(p.SenderData.SenderName, "WhatsApp"),
		MessageID:  p.IDMessage,
		ChatID:     p.SenderData.ChatID,
	}
	if phone == "" {
		base.Kind = EventIgnored
		return base
	}

	switch p.MessageData.TypeMessage {
	case "textMessage":
		base.Kind = EventIncomingText
		base.Text = p.MessageData.TextMessageData.TextMessage
	case "extendedTextMessage":
		base.Kind = EventIncomingText
		base.Text = p.MessageData.ExtendedTextMessageData.Text
	case "quotedMessage":
		base.Kind = EventIncomingText
		reply := p.MessageData.ExtendedTextMessageData.Text
		original := p.MessageData.QuotedMessage.TextMessage
		base.Text = "Ответ на сообщение:\n«" + original + "»\n\n" + reply
	case "imageMessage":
		base.Kind = EventIncomingMedia
		base.Media = MediaImage
		base.Text = p.MessageData.FileMessageData.Caption
		base.MediaURL = p.MessageData.FileMessageData.DownloadURL
		base.FileName = p.MessageData.FileMessageData.FileName
	case "videoMessage":
		base.Kind = EventIncomingMedia
		base.Media = MediaVideo
		base.MediaURL = p.MessageData.FileMessageData.DownloadURL
		base.FileName = p.MessageData.FileMessageData.FileName
	case "documentMessage":
		base.Kind = EventIncomingMedia
		base.Media = MediaDocument
		base.MediaURL = p.MessageData.FileMessageData.DownloadURL
		base.FileName = p.MessageData.FileMessageData.FileName
	case "audioMessage":
		base.Kind = EventIncomingMedia
		base.Media = MediaAudio
		base.MediaURL = p.MessageData.FileMessageData.DownloadURL
		base.FileName = p.MessageData.FileMessageData.FileName
	case "contactMessage":
		base.Kind = EventIncomingMedia
		base.Media = MediaContact
	case "locationMessage":
		base.Kind = EventIncomingMedia
		base.Media = MediaLocation
	case "stickerMessage":
		base.Kind = EventIncomingMedia
		base.Media = MediaSticker
	case "pollMessage", "pollUpdateMessage":
		base.Kind = EventIncomingMedia
		base.Media = MediaPoll
	default:
		base.Kind = EventIgnored
	}

	if base.Text == "" && base.Kind == EventIncomingText {
		base.Kind = EventIgnored
	}
	return base
}

func firstNonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
