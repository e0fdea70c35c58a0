package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/mbkchat/convhub/internal/inbound"
	"github.com/mbkchat/convhub/internal/phoneutil"
	"github.com/mbkchat/convhub/internal/routing"
	"github.com/mbkchat/convhub/internal/transport"
	"github.com/mbkchat/convhub/internal/transport/tg"
)

// websiteV3Payload is the site form ingest body.
type websiteV3Payload struct {
	Title         string `json:"title"`
	Comment       string `json:"comment"`
	Phone         string `json:"phone"`
	AgentName     string `json:"agent_name"`
	ContactMethod string `json:"contact_method"`
	Name          string `json:"name"`
}

var (
	nameFromCommentRe = regexp.MustCompile(`(?i)Имя\s*:\s*(.+)`)
	formTypeRe         = regexp.MustCompile(`(?i)Форма\s*:\s*([^\n\r]+)`)
)

// handleWebsiteV3 ingests a site form submission: a free-text comment that
// may carry a "Имя:"/"Форма:" pair, a contact phone, and the agent the lead
// should be routed to.
func (s *Server) handleWebsiteV3(w http.ResponseWriter, r *http.Request) {
	var payload websiteV3Payload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body")
		return
	}

	phone := phoneutil.Normalize(payload.Phone)
	if payload.AgentName == "" {
		writeError(w, http.StatusBadRequest, "agent_name is required")
		return
	}
	if phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}

	name := ""
	if m := nameFromCommentRe.FindStringSubmatch(payload.Comment); m != nil {
		name = strings.TrimSpace(m[1])
	}
	if name == "" {
		name = payload.Name
	}
	if name == "" {
		name = fmt.Sprintf("Заявка с сайта! %s", phone)
	}

	formType := "quiz"
	if m := formTypeRe.FindStringSubmatch(payload.Comment); m != nil {
		formType = strings.TrimSpace(m[1])
	}
	message := messageFromComment(payload.Comment, formType)

	kind := "wa"
	if strings.EqualFold(payload.ContactMethod, "Telegram") {
		kind = "tg"
	}

	if err := s.routeWebsiteLead(r, payload.AgentName, kind, phone, name, message); err != nil {
		s.logger().Error("website v3: route lead failed", "agent_code", payload.AgentName, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// messageFromComment derives the opening message from a quiz/form comment
// body. The original also keys a per-domain "house material" phrase off the
// site the form was submitted from; this hub has no notion of a
// per-domain material map, so the phrase is dropped and only the floors/area
// detail (quiz forms) or project name (presentation forms) survives.
func messageFromComment(comment, formType string) string {
	switch {
	case formType == "quiz":
		floors := submatch(comment, `(?i)Сколько этажей вы хотите в доме\?\s*:?\s*([^\n]+)`)
		area := submatch(comment, `(?i)Какой площади хотели бы дом\?\s*:?\s*([^\n]+)`)
		return fmt.Sprintf("Здравствуйте, я верно понимаю, что вы хотели получить подборку проектов \"этажей: %s, площадь: %s\"?", floors, area)
	case strings.HasPrefix(formType, "Презентация проекта"):
		project := submatch(formType, `«([^»]+)»`)
		return fmt.Sprintf("Здравствуйте, я верно понимаю, что вы хотели получить презентацию проекта %s?", project)
	default:
		return "Здравствуйте, я верно понимаю, что хотели бы посмотреть каталог проектов?"
	}
}

func submatch(s, pattern string) string {
	m := regexp.MustCompile(pattern).FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// websiteLeadonPayload is the minimal site-lead ingest body.
type websiteLeadonPayload struct {
	Phone     string `json:"phone"`
	AgentName string `json:"agent_name"`
}

const leadonMessage = "Здраствуйте, правильно понимаю, что хотели бы получить каталог проектов?"

// handleWebsiteLeadon ingests the minimal "lead on site" form: always a WA
// lead with a fixed greeting, no comment parsing.
func (s *Server) handleWebsiteLeadon(w http.ResponseWriter, r *http.Request) {
	var payload websiteLeadonPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body")
		return
	}

	phone := phoneutil.Normalize(payload.Phone)
	if payload.AgentName == "" || phone == "" {
		writeError(w, http.StatusBadRequest, "agent_name and phone are required")
		return
	}

	name := fmt.Sprintf("LEADON %s", phone)
	if err := s.routeWebsiteLead(r, payload.AgentName, "wa", phone, name, leadonMessage); err != nil {
		s.logger().Error("website leadon: route lead failed", "agent_code", payload.AgentName, "error", err)
		writeError(w, http.StatusInternalServerError, "no valid transport")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// routeWebsiteLead resolves the inbox PickTransport would pick for
// (agentCode, kind, phone), pre-creates the TG contact when applicable, and
// delivers the opening message through the inbound pipeline so it lands in
// the helpdesk exactly like a reply would.
func (s *Server) routeWebsiteLead(r *http.Request, agentCode, kind, phone, name, message string) error {
	ctx := r.Context()

	if _, ok := s.Config.Agent(agentCode); !ok {
		return fmt.Errorf("httpapi: unknown agent_code %q", agentCode)
	}

	candidates := s.Config.TransportsOf(agentCode, kind)
	active, err := s.Routing.ActiveInboxIDs(ctx, candidates)
	if err != nil {
		return fmt.Errorf("httpapi: active inboxes: %w", err)
	}
	inboxID, err := s.Routing.PickInboxID(ctx, agentCode, kind, phone, active)
	if err != nil {
		if errors.Is(err, routing.ErrNoCandidates) {
			return fmt.Errorf("httpapi: no valid transport for %s/%s: %w", agentCode, kind, err)
		}
		return fmt.Errorf("httpapi: pick transport: %w", err)
	}

	if kind == "tg" {
		if tgClient, ok := s.Transports[inboxID].(*tg.Client); ok {
			if _, _, err := tgClient.GetOrCreateContact(ctx, phone, name); err != nil {
				s.logger().Warn("website lead: tg contact pre-create failed", "phone", phone, "error", err)
			}
		}
	}

	return s.Inbound.Handle(ctx, inbound.Message{
		AgentCode:  agentCode,
		Kind:       transport.Kind(kind),
		InboxID:    inboxID,
		Phone:      phone,
		SenderName: name,
		Text:       message,
	})
}
