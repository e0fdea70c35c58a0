// Per-(agent, transport) gateway bridge, mounted once for every
// configured (agent_code, kind, inbox_id) triple — ".../to/chatwoot/..."
// carries inbound gateway webhooks into the inbound pipeline,
// ".../from/chatwoot/..." carries outgoing helpdesk events out through
// the outbound pipeline.
package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mbkchat/convhub/internal/inbound"
	"github.com/mbkchat/convhub/internal/outbound"
	"github.com/mbkchat/convhub/internal/transport"
	"github.com/mbkchat/convhub/internal/transport/tg"
	"github.com/mbkchat/convhub/internal/transport/wa"
)

// handleToChatwoot decodes an inbound gateway webhook (WA or TG) and feeds
// it into the inbound enrichment pipeline, landing it in the helpdesk
// conversation bound to this inbox.
func (s *Server) handleToChatwoot(w http.ResponseWriter, r *http.Request) {
	agentCode := r.PathValue("agent_code")
	kind := r.PathValue("kind")
	inboxID, err := strconv.Atoi(r.PathValue("inbox_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "inbox_id must be numeric")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	ctx := r.Context()

	switch kind {
	case string(transport.KindWA):
		ev, err := wa.DecodeWebhook(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed wa webhook body")
			return
		}
		switch ev.Kind {
		case wa.EventStateChanged:
			active := ev.StateInstance == string(transport.StateAuthorized)
			if err := s.Routing.SetActive(ctx, inboxID, active); err != nil {
				s.logger().Error("to-chatwoot: set active failed", "inbox_id", inboxID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to record transport state")
				return
			}
			s.logger().Info("to-chatwoot: wa instance state changed", "inbox_id", inboxID, "state", ev.StateInstance)
		case wa.EventIncomingCall:
			s.logger().Info("to-chatwoot: wa incoming call", "inbox_id", inboxID, "phone", ev.Phone)
		case wa.EventIncomingText, wa.EventIncomingMedia:
			msg, ok := inbound.FromWA(agentCode, inboxID, ev)
			if ok {
				if err := s.Inbound.Handle(ctx, msg); err != nil {
					s.logger().Error("to-chatwoot: inbound handle failed", "inbox_id", inboxID, "error", err)
					writeError(w, http.StatusInternalServerError, "failed to deliver message")
					return
				}
			}
		}

	case string(transport.KindTG):
		events, err := tg.DecodeWebhook(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed tg webhook body")
			return
		}
		for _, ev := range events {
			if ev.Kind != tg.EventIncomingText && ev.Kind != tg.EventIncomingMedia {
				continue
			}
			msg, ok := inbound.FromTG(agentCode, inboxID, ev.Phone, ev)
			if !ok {
				continue
			}
			if err := s.Inbound.Handle(ctx, msg); err != nil {
				s.logger().Error("to-chatwoot: inbound handle failed", "inbox_id", inboxID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to deliver message")
				return
			}
		}

	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unsupported kind %q", kind))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fromChatwootPayload is a helpdesk "message_created" outbound delivery,
// decoded down to what C10's outbound.Event needs.
type fromChatwootPayload struct {
	Event       string `json:"event"`
	Private     bool   `json:"private"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	Conversation struct {
		ID   int `json:"id"`
		Meta struct {
			Sender struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"sender"`
		} `json:"meta"`
	} `json:"conversation"`
}

// handleFromChatwoot dispatches an outgoing helpdesk message onto the
// transport client bound to this inbox.
func (s *Server) handleFromChatwoot(w http.ResponseWriter, r *http.Request) {
	inboxID, err := strconv.Atoi(r.PathValue("inbox_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "inbox_id must be numeric")
		return
	}

	var payload fromChatwootPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body")
		return
	}

	if payload.Private || payload.Event != "message_created" || payload.MessageType != "outgoing" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	err = s.Outbound.Handle(r.Context(), outbound.Event{
		EventType:      payload.Event,
		Private:        payload.Private,
		MessageType:    payload.MessageType,
		Content:        payload.Content,
		InboxID:        inboxID,
		ConversationID: payload.Conversation.ID,
		SenderPhone:    payload.Conversation.Meta.Sender.PhoneNumber,
	})
	if err != nil {
		s.logger().Error("from-chatwoot: outbound handle failed", "inbox_id", inboxID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
