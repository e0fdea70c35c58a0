package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// handleDealUpdate is CRM's "deal updated" outbound notification (form
// body `data[FIELDS][ID]`/`auth[domain]`). The event-mutex guards against
// the portal's own at-least-once delivery retrying mid-sync.
func (s *Server) handleDealUpdate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	dealIDStr := r.FormValue("data[FIELDS][ID]")
	domain := r.FormValue("auth[domain]")
	if dealIDStr == "" || domain == "" {
		writeError(w, http.StatusBadRequest, "data[FIELDS][ID] and auth[domain] are required")
		return
	}
	dealID, err := strconv.Atoi(dealIDStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "data[FIELDS][ID] must be numeric")
		return
	}

	portal, _, ok := s.CRM.ClientByDomain(domain)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown CRM domain %q", domain))
		return
	}

	eventCode := fmt.Sprintf("%s:DEAL:%d", portal, dealID)
	ran, err := s.Events.WithLock(r.Context(), eventCode, func(ctx context.Context) error {
		return s.Deals.SyncDeal(ctx, portal, dealID)
	})
	if err != nil {
		s.logger().Error("deal update: sync failed", "portal", portal, "deal_id", dealID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}
	if !ran {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already processing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// mbkchatDialogView is the data the deal's custom-field page renders.
// The page itself (HTML/templating) lives elsewhere; this handler only
// assembles the JSON it would be templated onto.
type mbkchatDialogView struct {
	ConversationID int                 `json:"conversation_id"`
	Links          []mbkchatLinkView   `json:"links"`
	SelectedConvID int                 `json:"selected_conv_id,omitempty"`
	EmptyReason    string              `json:"empty_reason,omitempty"`
	Messages       []json.RawMessage   `json:"messages"`
}

type mbkchatLinkView struct {
	ConversationID int    `json:"cw_conversation_id"`
	InboxID        int    `json:"cw_inbox_id"`
	IsPrimary      bool   `json:"is_primary"`
}

// handleMbkchatPage backs the deal's embedded "mbk-chat" custom-field page:
// it lists every conversation linked to the deal and the messages of
// whichever one is currently primary.
func (s *Server) handleMbkchatPage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	domain := r.URL.Query().Get("DOMAIN")
	portal, _, _ := s.CRM.ClientByDomain(domain)
	if portal == "" {
		portal = domain
	}

	var placement struct {
		EntityData struct {
			EntityID string `json:"entityId"`
		} `json:"ENTITY_DATA"`
	}
	_ = json.Unmarshal([]byte(r.FormValue("PLACEMENT_OPTIONS")), &placement)
	dealID, _ := strconv.Atoi(placement.EntityData.EntityID)

	ctx := r.Context()
	links, err := s.Links.GetLinksForDeal(ctx, portal, dealID)
	if err != nil {
		s.logger().Error("mbkchat page: get links failed", "portal", portal, "deal_id", dealID, "error", err)
		writeJSON(w, http.StatusOK, mbkchatDialogView{EmptyReason: "Ошибка при загрузке диалога."})
		return
	}
	if len(links) == 0 {
		writeJSON(w, http.StatusOK, mbkchatDialogView{EmptyReason: "Сделка не связана с диалогами mbk-chat"})
		return
	}

	view := mbkchatDialogView{Links: make([]mbkchatLinkView, len(links))}
	for i, l := range links {
		view.Links[i] = mbkchatLinkView{ConversationID: l.ConversationID, InboxID: l.InboxID, IsPrimary: l.IsPrimary}
	}

	selectedConvID, ok, err := s.Links.GetSelectedConversationId(ctx, portal, dealID)
	if err != nil {
		s.logger().Warn("mbkchat page: get selected conversation failed", "portal", portal, "deal_id", dealID, "error", err)
	}
	if ok {
		view.ConversationID = selectedConvID
		view.SelectedConvID = selectedConvID
		msgs, err := s.Helpdesk.GetAllMessages(ctx, selectedConvID)
		if err != nil {
			s.logger().Warn("mbkchat page: get messages failed", "conversation_id", selectedConvID, "error", err)
		}
		view.Messages = make([]json.RawMessage, 0, len(msgs))
		for _, m := range msgs {
			b, err := json.Marshal(m)
			if err == nil {
				view.Messages = append(view.Messages, b)
			}
		}
	}
	if len(view.Messages) == 0 {
		view.EmptyReason = "Нет сообщений в выбранном диалоге"
	}
	writeJSON(w, http.StatusOK, view)
}

// selectDialogPayload is the body of /bx24/mbkchat/select_dialog.
type selectDialogPayload struct {
	PortalDomain   string `json:"portal_domain"`
	DealID         int    `json:"deal_id"`
	ConversationID int    `json:"conversation_id"`
}

type mbkchatResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// handleSelectDialog lets an operator pick which of a deal's linked
// conversations is the one the "mbk-chat" page and send-contact action
// act on.
func (s *Server) handleSelectDialog(w http.ResponseWriter, r *http.Request) {
	var payload selectDialogPayload
	if err := decodeJSON(r, &payload); err != nil || payload.PortalDomain == "" || payload.DealID == 0 || payload.ConversationID == 0 {
		writeJSON(w, http.StatusOK, mbkchatResult{false, "Некорректные параметры"})
		return
	}

	ok, err := s.Links.SetPrimary(r.Context(), payload.PortalDomain, payload.DealID, payload.ConversationID)
	if err != nil {
		s.logger().Error("select dialog: set primary failed", "portal", payload.PortalDomain, "deal_id", payload.DealID, "error", err)
		writeJSON(w, http.StatusOK, mbkchatResult{false, "Ошибка при выборе диалога"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, mbkchatResult{false, "Диалог не принадлежит этой сделке"})
		return
	}
	writeJSON(w, http.StatusOK, mbkchatResult{true, "Диалог выбран"})
}

// sendContactPayload is the body of /bx24/mbkchat/send_contact.
type sendContactPayload struct {
	DealID       int    `json:"deal_id"`
	PortalDomain string `json:"portal_domain"`
}

// managerContactPrefix must match outbound.Pipeline's trigger string
// exactly; posting a message with this prefix into the primary conversation
// is how a manager's contact card is handed off to the client.
const managerContactPrefix = "[Менеджер по строительству]"

type bxDealGet struct {
	AssignedByID string `json:"ASSIGNED_BY_ID"`
}

type bxUserGet struct {
	Name      string `json:"NAME"`
	LastName  string `json:"LAST_NAME"`
	WorkPhone string `json:"WORK_PHONE"`
}

// handleSendContact posts the deal's assigned manager's contact card into
// the deal's primary linked conversation, for the outbound pipeline to pick
// up and forward as a transport contact-card send.
func (s *Server) handleSendContact(w http.ResponseWriter, r *http.Request) {
	var payload sendContactPayload
	if err := decodeJSON(r, &payload); err != nil || payload.PortalDomain == "" || payload.DealID == 0 {
		writeJSON(w, http.StatusOK, mbkchatResult{false, "Некорректные параметры"})
		return
	}
	ctx := r.Context()

	conversationID, ok, err := s.Links.GetSelectedConversationId(ctx, payload.PortalDomain, payload.DealID)
	if err != nil {
		s.logger().Error("send contact: get selected conversation failed", "error", err)
		writeJSON(w, http.StatusOK, mbkchatResult{false, "Ошибка при отправке контакта"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, mbkchatResult{false, "Сделка не связана с диалогом в mbk-chat!"})
		return
	}

	crm, ok := s.CRM.Client(payload.PortalDomain)
	if !ok {
		_, crm, ok = s.CRM.ClientByDomain(payload.PortalDomain)
	}
	if !ok {
		writeJSON(w, http.StatusOK, mbkchatResult{false, "Портал не найден"})
		return
	}

	rawDeal, err := crm.Call(ctx, "crm.deal.get", map[string]any{"id": payload.DealID})
	var deal bxDealGet
	if err != nil || json.Unmarshal(rawDeal, &deal) != nil || deal.AssignedByID == "" {
		s.logger().Error("send contact: crm.deal.get failed", "deal_id", payload.DealID, "error", err)
		writeJSON(w, http.StatusOK, mbkchatResult{false, "Сделка не найдена"})
		return
	}

	rawUsers, err := crm.Call(ctx, "user.get", map[string]any{"ID": deal.AssignedByID})
	var users []bxUserGet
	if err != nil || json.Unmarshal(rawUsers, &users) != nil || len(users) == 0 || users[0].WorkPhone == "" {
		writeJSON(w, http.StatusOK, mbkchatResult{false, "У ответственного не заполнен рабочий номер телефона!"})
		return
	}
	u := users[0]

	hasClientMsg, err := s.Helpdesk.HasClientMessage(ctx, conversationID)
	if err != nil {
		s.logger().Error("send contact: has client message failed", "conversation_id", conversationID, "error", err)
		writeJSON(w, http.StatusOK, mbkchatResult{false, "Ошибка при отправке контакта"})
		return
	}
	if !hasClientMsg {
		writeJSON(w, http.StatusOK, mbkchatResult{false, "Не было сообщения от клиента!"})
		return
	}

	content := fmt.Sprintf("%s\n%s\n%s\n%s", managerContactPrefix, u.Name, u.LastName, u.WorkPhone)
	if _, err := s.Helpdesk.SendMessage(ctx, conversationID, content, 0, false); err != nil {
		s.logger().Error("send contact: send message failed", "conversation_id", conversationID, "error", err)
		writeJSON(w, http.StatusOK, mbkchatResult{false, "Контакт не отправлен (ошибка сервера)"})
		return
	}
	writeJSON(w, http.StatusOK, mbkchatResult{true, "Контакт отправлен."})
}
