package httpapi

import (
	"net/http"

	"github.com/mbkchat/convhub/internal/agentorch"
)

// sdkAgentWebhookPayload is a helpdesk "message_created" delivery,
// decoded down to the fields the orchestrator needs.
type sdkAgentWebhookPayload struct {
	Event          string `json:"event"`
	MessageType    string `json:"message_type"`
	ID             int    `json:"id"`
	Conversation   struct {
		ID         int `json:"id"`
		AssigneeID int `json:"assignee_id"`
	} `json:"conversation"`
}

// handleSDKAgentWebhook runs the agent orchestrator's router→specialist
// pipeline for one inbound helpdesk message. The reply
// itself, if any, is already sent to the helpdesk by the time this returns;
// the response body only reports whether the event was handled.
func (s *Server) handleSDKAgentWebhook(w http.ResponseWriter, r *http.Request) {
	agentCode := r.PathValue("agent_code")

	var payload sdkAgentWebhookPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body")
		return
	}

	_, err := s.Orchestrator.Handle(r.Context(), agentorch.Event{
		Type:           payload.Event,
		MessageType:    payload.MessageType,
		MessageID:      payload.ID,
		ConversationID: payload.Conversation.ID,
		AssigneeID:     payload.Conversation.AssigneeID,
		AgentCode:      agentCode,
	})
	if err != nil {
		s.logger().Error("sdk agent webhook: handle failed", "agent_code", agentCode, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
