// Package inbound turns a decoded gateway webhook event into a helpdesk
// conversation message: contact/conversation resolution, sticky-inbox
// pinning, and media enrichment (image/document summarization, voice
// transcription) ahead of the LLM-facing text.
package inbound

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"github.com/mbkchat/convhub/internal/helpdesk"
	"github.com/mbkchat/convhub/internal/phoneutil"
	"github.com/mbkchat/convhub/internal/routing"
	"github.com/mbkchat/convhub/internal/transport"
)

// maxInboundImageBytes bounds the sniff download below to the same 30
// MiB the HTTP layer enforces: an image the gateway would have rejected
// outright is never worth handing to the vision model either.
const maxInboundImageBytes = 30 << 20

// imageSniffTimeout bounds the sniff download independently of the
// caller's context, so a slow media host degrades to a link note instead
// of stalling the whole enrichment call.
const imageSniffTimeout = 10 * time.Second

// MediaKind is the pipeline's own transport-agnostic attachment
// classification, collapsed from whichever gateway-specific kind decoded
// the webhook.
type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaImage    MediaKind = "image"
	MediaDocument MediaKind = "document"
	MediaVoice    MediaKind = "voice"
	MediaOther    MediaKind = "other" // video/contact/location/sticker/poll: forwarded as a bare link note, never enriched
)

// Message is the canonical inbound event the pipeline acts on, already
// decoded from whichever gateway produced it.
type Message struct {
	AgentCode  string
	Kind       transport.Kind
	InboxID    int
	Phone      string
	SenderName string
	Text       string
	Media      MediaKind
	MediaURL   string
	FileName   string
}

// ImageSummarizer produces a Russian-language description of an image
// reachable at url. Implementations own the LLM call; the converter for
// anything the vision model can't ingest directly is their concern.
type ImageSummarizer interface {
	SummarizeImageURL(ctx context.Context, url string) (string, error)
}

// DocumentSummarizer produces a Russian-language 3-4 paragraph summary of
// the document reachable at url. DOCX/XLSX -> HTML -> PDF conversion ahead
// of the LLM call is an external collaborator of the implementation, not a
// concern of this package.
type DocumentSummarizer interface {
	SummarizeDocumentURL(ctx context.Context, url string) (string, error)
}

// Transcriber converts the audio reachable at url to Russian text.
// ffmpeg/codec conversion ahead of the STT call is the implementation's
// concern, not this package's.
type Transcriber interface {
	TranscribeURL(ctx context.Context, url string) (string, error)
}

// Pipeline wires contact/conversation resolution and media enrichment
// together for one hub instance.
type Pipeline struct {
	Helpdesk *helpdesk.Client
	Routing  *routing.Store
	Images   ImageSummarizer
	Docs     DocumentSummarizer
	Audio    Transcriber
	Log      *slog.Logger

	// ImageSniff, if set, gates enrichImage: it must succeed before an
	// image URL is handed to Images. Optional like Images/Docs/Audio — a
	// nil value (the zero value of a literal Pipeline{}, as used in tests)
	// skips the sniff and summarizes directly. New wires the real
	// disintegration/imaging-backed sniffImage here.
	ImageSniff func(ctx context.Context, url string) error
}

// New builds a Pipeline. Images, Docs, and Audio may be nil, in which case
// the corresponding media kind falls back to a bare link note instead of
// an enriched summary.
func New(hd *helpdesk.Client, rt *routing.Store, images ImageSummarizer, docs DocumentSummarizer, audio Transcriber, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{Helpdesk: hd, Routing: rt, Images: images, Docs: docs, Audio: audio, Log: log, ImageSniff: sniffImage}
}

// Handle resolves the helpdesk contact and conversation for msg, enriches
// its body according to its media kind, pins the contact's sticky routing
// to the inbox it arrived on, and posts the resulting text as an incoming
// helpdesk message. It mirrors safe_send_to_chatwoot's resolve-then-send
// shape: contact/conversation lookup failures are returned, enrichment
// failures degrade to a link note rather than aborting the send.
func (p *Pipeline) Handle(ctx context.Context, msg Message) error {
	if msg.Phone == "" {
		return fmt.Errorf("inbound: message has no phone")
	}

	body := p.enrich(ctx, msg)

	identifier := phoneutil.Identifier(msg.Phone)
	contactID, _, err := p.Helpdesk.GetOrCreateContact(ctx, msg.SenderName, identifier, msg.Phone)
	if err != nil {
		return fmt.Errorf("inbound: resolve contact: %w", err)
	}

	conversationID, _, err := p.Helpdesk.GetOrCreateConversation(ctx, contactID, msg.InboxID, "", "")
	if err != nil {
		return fmt.Errorf("inbound: resolve conversation: %w", err)
	}

	if p.Routing != nil {
		if err := p.Routing.PinArrivalInbox(ctx, msg.AgentCode, string(msg.Kind), msg.Phone, msg.InboxID); err != nil {
			p.Log.Warn("inbound: pin arrival inbox failed", "phone", msg.Phone, "error", err)
		}
	}

	if _, err := p.Helpdesk.SendMessage(ctx, conversationID, body, 0, false); err != nil {
		return fmt.Errorf("inbound: send message: %w", err)
	}
	return nil
}

// enrich builds the final message body for msg, applying the media-kind
// specific templates. It never returns an error: enrichment failures are
// logged and the body degrades to a bare link note so the message is
// never silently dropped.
func (p *Pipeline) enrich(ctx context.Context, msg Message) string {
	switch msg.Media {
	case MediaImage:
		return p.enrichImage(ctx, msg)
	case MediaDocument:
		return p.enrichDocument(ctx, msg)
	case MediaVoice:
		return p.enrichVoice(ctx, msg)
	case MediaOther:
		return linkNote(msg)
	default:
		return msg.Text
	}
}

func (p *Pipeline) enrichImage(ctx context.Context, msg Message) string {
	if p.Images == nil || msg.MediaURL == "" {
		return linkNote(msg)
	}
	if p.ImageSniff != nil {
		if err := p.ImageSniff(ctx, msg.MediaURL); err != nil {
			p.Log.Warn("inbound: image failed format sniff, skipping LLM summary", "url", msg.MediaURL, "error", err)
			return linkNote(msg)
		}
	}
	summary, err := p.Images.SummarizeImageURL(ctx, msg.MediaURL)
	if err != nil {
		p.Log.Warn("inbound: image summarize failed", "url", msg.MediaURL, "error", err)
		return linkNote(msg)
	}
	return fmt.Sprintf(
		"[СООБЩЕНИЕ С ИЗОБРАЖЕНИЕМ]\n\nТекст сообщения: %s\nСсылка на изображение: %s\n\n[Summary прикрепленной картинки]:\n\n%s",
		msg.Text, msg.MediaURL, summary,
	)
}

func (p *Pipeline) enrichDocument(ctx context.Context, msg Message) string {
	if p.Docs == nil || msg.MediaURL == "" {
		return linkNote(msg)
	}
	summary, err := p.Docs.SummarizeDocumentURL(ctx, msg.MediaURL)
	if err != nil {
		p.Log.Warn("inbound: document summarize failed", "url", msg.MediaURL, "error", err)
		return linkNote(msg)
	}
	return fmt.Sprintf(
		"[СООБЩЕНИЕ С ДОКУМЕНТОМ]\n\nТекст сообщения: %s\nСсылка на документ: %s\n\n[Summary прикрепленного документа]:\n\n%s",
		msg.Text, msg.MediaURL, summary,
	)
}

// enrichVoice transcribes msg and formats the fixed voice template. On
// transcription failure it falls back to "{file_name}: {url}" rather than
// the link-note helper.
func (p *Pipeline) enrichVoice(ctx context.Context, msg Message) string {
	if p.Audio == nil || msg.MediaURL == "" {
		return fmt.Sprintf("%s: %s", msg.FileName, msg.MediaURL)
	}
	text, err := p.Audio.TranscribeURL(ctx, msg.MediaURL)
	if err != nil || text == "" {
		if err != nil {
			p.Log.Warn("inbound: transcribe failed", "url", msg.MediaURL, "error", err)
		}
		return fmt.Sprintf("%s: %s", msg.FileName, msg.MediaURL)
	}
	return fmt.Sprintf("🎤 Голосовое сообщение:\nСсылка на файл c аудио: %s\n\n[Транскрибация]:\n%s", msg.MediaURL, text)
}

// sniffImage downloads url (bounded by maxInboundImageBytes and
// imageSniffTimeout) and decodes it with disintegration/imaging. A decode
// failure means the attachment is corrupt or not actually an image —
// either way, not worth the vision model's attention.
func sniffImage(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, imageSniffTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build sniff request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch for sniff: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInboundImageBytes+1))
	if err != nil {
		return fmt.Errorf("read for sniff: %w", err)
	}
	if len(data) > maxInboundImageBytes {
		return fmt.Errorf("image exceeds %d bytes", maxInboundImageBytes)
	}
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	return nil
}

func linkNote(msg Message) string {
	name := msg.FileName
	if name == "" {
		name = string(msg.Media)
	}
	if msg.MediaURL == "" {
		return msg.Text
	}
	return fmt.Sprintf("%s: %s", name, msg.MediaURL)
}
