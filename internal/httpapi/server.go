// Package httpapi wires the hub's HTTP surface onto its component
// packages: the two site-form webhook ingests, the CRM
// outbound-notification handlers, the per-(agent,transport) Chatwoot
// bridge endpoints, and the helpdesk agent webhook. One http.ServeMux
// built once at startup, method-prefixed patterns, a fixed body-size cap
// applied uniformly.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/mbkchat/convhub/internal/agentorch"
	"github.com/mbkchat/convhub/internal/config"
	"github.com/mbkchat/convhub/internal/crmclient"
	"github.com/mbkchat/convhub/internal/dealsync"
	"github.com/mbkchat/convhub/internal/eventmutex"
	"github.com/mbkchat/convhub/internal/helpdesk"
	"github.com/mbkchat/convhub/internal/inbound"
	"github.com/mbkchat/convhub/internal/linkregistry"
	"github.com/mbkchat/convhub/internal/opsws"
	"github.com/mbkchat/convhub/internal/outbound"
	"github.com/mbkchat/convhub/internal/routing"
	"github.com/mbkchat/convhub/internal/transport"
)

// clientMaxBodyBytes caps every inbound request body.
const clientMaxBodyBytes = config.ClientMaxBodyBytes

// CRMRegistry resolves a CRM client either by portal name (config key) or
// by the domain the portal reports in its own webhook payloads.
type CRMRegistry interface {
	Client(portal string) (*crmclient.Client, bool)
	ClientByDomain(domain string) (portal string, client *crmclient.Client, ok bool)
}

// Server bundles every collaborator a route handler needs. It holds no
// mutable state itself — all persistence lives in the *sql.DB-backed
// stores the collaborators wrap.
type Server struct {
	Config        *config.Config
	Helpdesk      *helpdesk.Client
	CRM           CRMRegistry
	Routing       *routing.Store
	Links         *linkregistry.Store
	Deals         *dealsync.Engine
	DealStore     *dealsync.DealStore
	Events        *eventmutex.Store
	Inbound       *inbound.Pipeline
	Outbound      *outbound.Pipeline
	Orchestrator  *agentorch.Orchestrator
	Transports    map[int]transport.Client // inbox id -> client, mirrors config.InboxToTransport
	OpsWS         *opsws.Hub               // optional; nil disables the /internal/ops/ws debug stream
	Log           *slog.Logger
}

// Routes builds the full route table.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook/v3/website", s.handleWebsiteV3)
	mux.HandleFunc("POST /webhook/leadon/website", s.handleWebsiteLeadon)

	mux.HandleFunc("POST /bx24/deal/update", s.handleDealUpdate)
	mux.HandleFunc("POST /bx24/mbkchat/chat", s.handleMbkchatPage)
	mux.HandleFunc("POST /bx24/mbkchat/send_contact", s.handleSendContact)
	mux.HandleFunc("POST /bx24/mbkchat/select_dialog", s.handleSelectDialog)
	mux.HandleFunc("POST /bx24/transport/leads", s.handleTransportLeads)

	mux.HandleFunc("POST /sdk_agent_webhook/{agent_code}", s.handleSDKAgentWebhook)

	mux.HandleFunc("POST /{agent_code}/{kind}/to/chatwoot/{inbox_id}", s.handleToChatwoot)
	mux.HandleFunc("POST /{agent_code}/{kind}/from/chatwoot/{inbox_id}", s.handleFromChatwoot)

	if s.OpsWS != nil {
		mux.HandleFunc("GET /internal/ops/ws", s.OpsWS.ServeHTTP)
	}

	return s.withRequestID(s.withBodyLimit(mux))
}

func (s *Server) withBodyLimit(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, clientMaxBodyBytes)
		h.ServeHTTP(w, r)
	})
}

// withRequestID tags every request with an id for log correlation. An
// inbound X-Request-Id is kept so gateway-side webhook retries stay
// traceable end to end.
func (s *Server) withRequestID(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		s.logger().Debug("http request", "request_id", id, "method", r.Method, "path", r.URL.Path)
		h.ServeHTTP(w, r)
	})
}

func (s *Server) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = encodeJSON(w, v)
}
