package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/mbkchat/convhub/internal/phoneutil"
)

var leadsDigitsRe = regexp.MustCompile(`\D`)

// handleTransportLeads is "POST /bx24/transport/leads": a
// querystring-encoded outbound webhook from an upstream ad/landing
// platform, resolved to a CRM portal via the immutable source->portal map
// and turned into a CRM contact (find-or-create by phone) plus a freshly
// created deal.
func (s *Server) handleTransportLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")
	phone := q.Get("phone")
	source := q.Get("source")
	leadID := q.Get("id")

	if name == "" || phone == "" || source == "" {
		writeError(w, http.StatusBadRequest, "name, phone and source are required")
		return
	}

	portalName, ok := s.Config.PortalForSource(source)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown lead source %q", source))
		return
	}
	crm, ok := s.CRM.Client(portalName)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("no CRM client configured for portal %q", portalName))
		return
	}

	ctx := r.Context()
	normPhone := phoneutil.Normalize(phone)

	contactID, err := s.findOrCreateCRMContact(ctx, crm, name, normPhone)
	if err != nil {
		s.logger().Error("transport leads: resolve contact failed", "source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve CRM contact")
		return
	}

	dealTitle := fmt.Sprintf("%s [%s]", name, source)
	dealFields := map[string]any{
		"CONTACT_ID": contactID,
		"TITLE":      dealTitle,
	}
	if leadID != "" {
		dealFields["SOURCE_DESCRIPTION"] = leadsDigitsRe.ReplaceAllString(leadID, "")
	}
	rawDeal, err := crm.Call(ctx, "crm.deal.add", map[string]any{"fields": dealFields})
	if err != nil {
		s.logger().Error("transport leads: create deal failed", "source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create CRM deal")
		return
	}
	var dealID int
	_ = json.Unmarshal(rawDeal, &dealID)

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "portal": portalName, "contact_id": contactID, "deal_id": dealID})
}

// findOrCreateCRMContact mirrors crm.duplicate.findbycomm + crm.contact.add
// from handle_artcontext_leads.py: look the phone up first, and only
// create a new contact when no duplicate is found.
func (s *Server) findOrCreateCRMContact(ctx context.Context, crm crmCaller, name, phone string) (int, error) {
	raw, err := crm.Call(ctx, "crm.duplicate.findbycomm", map[string]any{
		"entity_type": "CONTACT",
		"type":        "PHONE",
		"values":      []string{phone},
	})
	if err == nil {
		var dup struct {
			CONTACT []int `json:"CONTACT"`
		}
		if json.Unmarshal(raw, &dup) == nil && len(dup.CONTACT) > 0 {
			min := dup.CONTACT[0]
			for _, id := range dup.CONTACT[1:] {
				if id < min {
					min = id
				}
			}
			return min, nil
		}
	}

	rawID, err := crm.Call(ctx, "crm.contact.add", map[string]any{
		"fields": map[string]any{
			"NAME":  name,
			"PHONE": []map[string]string{{"VALUE": phone, "VALUE_TYPE": "WORK"}},
		},
	})
	if err != nil {
		return 0, err
	}
	var contactID int
	if err := json.Unmarshal(rawID, &contactID); err != nil {
		return 0, fmt.Errorf("httpapi: decode contact id: %w", err)
	}
	return contactID, nil
}

// crmCaller is the minimal CRM surface this handler needs, declared locally
// so it can be satisfied by *crmclient.Client without importing the
// concrete type into the signature.
type crmCaller interface {
	Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
}
