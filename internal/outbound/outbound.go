// Package outbound dispatches a helpdesk outgoing message_created event
// onto the originating transport, including the "[Мой контакт]" /
// "[Менеджер по строительству]" contact-card hand-offs and file-link
// splitting for plain replies.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mbkchat/convhub/internal/phoneutil"
	"github.com/mbkchat/convhub/internal/transport"
)

const (
	prefixAgentContact   = "[Мой контакт]"
	prefixManagerContact = "[Менеджер по строительству]"

	agentContactNote = "Сохраните мой контакт — вернемся к разговору, когда будете готовы"
)

// fileLinkPattern matches a URL ending in one of the file extensions the
// outbound pipeline forwards as a file-by-url send rather than inline text.
var fileLinkPattern = regexp.MustCompile(`(https?://[^\s]+?\.(?:pdf|jpe?g|png|docx?|xlsx?|pptx?|txt|csv|gif|webp|mp4|avi|zip|rar))`)

// Event is a decoded helpdesk outgoing message_created notification.
type Event struct {
	EventType      string
	Private        bool
	MessageType    string
	Content        string
	InboxID        int
	ConversationID int
	SenderPhone    string // conversation.meta.sender.phone_number
}

// AgentIdentity names the business-card details sent for the
// "[Мой контакт]" / "[Менеджер по строительству]" hand-offs.
type AgentIdentity struct {
	FirstName string
	LastName  string
}

// Pipeline dispatches outgoing helpdesk events onto the transport client
// bound to the event's inbox.
type Pipeline struct {
	transports map[int]transport.Client
	identity   AgentIdentity
	log        *slog.Logger
}

// New builds a Pipeline. transports maps inbox id to the transport client
// that owns it.
func New(transports map[int]transport.Client, identity AgentIdentity, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{transports: transports, identity: identity, log: log}
}

// Handle dispatches ev. Non-outgoing, private, or otherwise-typed events
// are silently ignored.
func (p *Pipeline) Handle(ctx context.Context, ev Event) error {
	if ev.EventType != "message_created" || ev.Private || ev.MessageType != "outgoing" {
		return nil
	}

	client, ok := p.transports[ev.InboxID]
	if !ok {
		return fmt.Errorf("outbound: no transport bound to inbox %d", ev.InboxID)
	}
	phone := phoneutil.Normalize(ev.SenderPhone)
	if phone == "" {
		return fmt.Errorf("outbound: event for conversation %d has no sender phone", ev.ConversationID)
	}

	content := ev.Content
	switch {
	case strings.HasPrefix(content, prefixAgentContact):
		return p.sendAgentContact(ctx, client, phone)
	case strings.HasPrefix(content, prefixManagerContact):
		return p.sendManagerContact(ctx, client, phone, content)
	default:
		return p.sendSplitMessage(ctx, client, phone, content)
	}
}

// sendAgentContact sends the hub's own business card: a preceding note
// followed by a contact card built from the transport's own instance
// phone, for both WA and TG, matching send_agent_contact.py.
func (p *Pipeline) sendAgentContact(ctx context.Context, client transport.Client, phone string) error {
	ownPhone, err := client.GetInstancePhone(ctx)
	if err != nil {
		return fmt.Errorf("outbound: get instance phone: %w", err)
	}
	if err := client.SendText(ctx, phone, agentContactNote); err != nil {
		return fmt.Errorf("outbound: send agent contact note: %w", err)
	}
	if err := client.SendContact(ctx, phone, ownPhone, p.identity.FirstName, p.identity.LastName); err != nil {
		return fmt.Errorf("outbound: send agent contact card: %w", err)
	}
	return nil
}

// sendManagerContact parses the 3-line {Имя, Фамилия, Телефон} payload
// and sends the manager's contact card. Only WA-like transports send the
// preceding text note — TG sends just the card.
func (p *Pipeline) sendManagerContact(ctx context.Context, client transport.Client, phone, content string) error {
	firstName, lastName, managerPhone, err := parseManagerContact(content)
	if err != nil {
		return fmt.Errorf("outbound: parse manager contact payload: %w", err)
	}

	if client.Kind() == transport.KindWA {
		note := fmt.Sprintf("Ваш менеджер по строительству %s %s.\nТелефон: %s", lastName, firstName, managerPhone)
		if err := client.SendText(ctx, phone, note); err != nil {
			return fmt.Errorf("outbound: send manager contact note: %w", err)
		}
	}
	if err := client.SendContact(ctx, phone, managerPhone, firstName, lastName); err != nil {
		return fmt.Errorf("outbound: send manager contact card: %w", err)
	}
	return nil
}

// parseManagerContact splits a 4-line "[Менеджер по строительству]" payload
// into its Имя/Фамилия/Телефон fields. The first line carries the prefix
// and is discarded.
func parseManagerContact(content string) (firstName, lastName, phone string, err error) {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) < 4 {
		return "", "", "", fmt.Errorf("expected 4 lines (prefix + name/lastname/phone), got %d", len(lines))
	}
	firstName = strings.TrimSpace(lines[1])
	lastName = strings.TrimSpace(lines[2])
	phone = strings.TrimSpace(lines[3])
	if firstName == "" || lastName == "" || phone == "" {
		return "", "", "", fmt.Errorf("manager contact payload has an empty field")
	}
	return firstName, lastName, phone, nil
}

// sendSplitMessage splits content on file-link URLs and sends each text
// segment with SendText and each link with SendFileByURL, in document
// order.
func (p *Pipeline) sendSplitMessage(ctx context.Context, client transport.Client, phone, content string) error {
	for _, seg := range splitMessage(content) {
		if seg.isFile {
			if err := client.SendFileByURL(ctx, phone, seg.text, "", ""); err != nil {
				return fmt.Errorf("outbound: send file %q: %w", seg.text, err)
			}
			continue
		}
		if strings.TrimSpace(seg.text) == "" {
			continue
		}
		if err := client.SendText(ctx, phone, seg.text); err != nil {
			return fmt.Errorf("outbound: send text: %w", err)
		}
	}
	return nil
}

type segment struct {
	text   string
	isFile bool
}

// splitMessage breaks content into alternating text/file-link segments,
// preserving order. A pure-text message returns a single text segment.
func splitMessage(content string) []segment {
	matches := fileLinkPattern.FindAllStringIndex(content, -1)
	if len(matches) == 0 {
		return []segment{{text: content}}
	}

	var out []segment
	last := 0
	for _, m := range matches {
		if text := strings.TrimSpace(content[last:m[0]]); text != "" {
			out = append(out, segment{text: text})
		}
		out = append(out, segment{text: content[m[0]:m[1]], isFile: true})
		last = m[1]
	}
	if text := strings.TrimSpace(content[last:]); text != "" {
		out = append(out, segment{text: text})
	}
	return out
}
