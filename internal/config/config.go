// Package config defines convhub's immutable, process-lifetime
// configuration: agents, their transports, the CRM portals they talk to,
// and the ambient database/provider/telemetry settings.
//
// A root Config struct is loaded once at startup (JSON5 file + env
// overlay) and never mutated after load: agents own transports, transports
// map 1:1 to helpdesk inboxes, and several CRM portals are configured
// independently of any one agent.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// AIOperatorHelpdeskIDs is the immutable set of helpdesk assignee ids that
// mark a conversation as AI-handled.
var AIOperatorHelpdeskIDs = map[int]bool{13: true, 14: true}

// ClientMaxBodyBytes caps inbound webhook/media body size at 30 MiB.
const ClientMaxBodyBytes = 30 << 20

// NotifyResponsibleOperatorIDs are the literal CRM user ids always added
// to a deal's internal chat when NotifyResponsible opens or reuses it.
// These are real ids in the upstream portal, not config.
var NotifyResponsibleOperatorIDs = []int{182, 6784, 6014}

// Config is the root, process-lifetime configuration. It is built once at
// startup by Load and never mutated afterward, so concurrent readers
// across goroutines are safe.
type Config struct {
	Database  DatabaseConfig           `json:"database,omitempty"`
	Helpdesk  HelpdeskConfig           `json:"helpdesk"`
	OpenAI    OpenAIConfig             `json:"openai,omitempty"`
	HTTP      HTTPConfig               `json:"http,omitempty"`
	OpsLog     OpsLogConfig             `json:"ops_log,omitempty"`
	Telemetry  TelemetryConfig          `json:"telemetry,omitempty"`
	Scheduling SchedulingConfig         `json:"scheduling,omitempty"`
	Sources    map[string]string        `json:"lead_sources,omitempty"` // source name -> CRM portal domain, immutable
	Agents    map[string]AgentSpec     `json:"agents"`
	Portals   map[string]CRMPortalSpec `json:"crm_portals"`

	mu sync.RWMutex // read-locked by every accessor; nothing write-locks it, since Config is never mutated after Load
}

// DatabaseConfig configures the Postgres connection. DSN is never read from
// the config file (secret) — only from CONVHUB_POSTGRES_DSN.
type DatabaseConfig struct {
	DSN             string `json:"-"`
	MaxOpenConns    int    `json:"max_open_conns,omitempty"`
	MaxIdleConns    int    `json:"max_idle_conns,omitempty"`
	MigrationsDir   string `json:"migrations_dir,omitempty"`
}

// HelpdeskConfig configures the shared helpdesk account this hub posts
// into — one account, many inboxes.
type HelpdeskConfig struct {
	Host      string `json:"host"`
	AccountID int    `json:"account_id"`
	APIToken  string `json:"-"` // from env CONVHUB_HELPDESK_API_TOKEN only
}

// OpenAIConfig configures the shared OpenAI credential used by the
// image/document/voice enrichment client (internal/llm) and the agent
// routers.
type OpenAIConfig struct {
	Token string `json:"-"` // from env CONVHUB_OPENAI_TOKEN only
}

// HTTPConfig configures the hub's HTTP listener.
type HTTPConfig struct {
	Addr string `json:"addr,omitempty"` // default ":8080"
}

// OpsLogConfig configures the Telegram-bot relay for ERROR-level logs.
type OpsLogConfig struct {
	BotToken string         `json:"-"` // from env CONVHUB_OPSLOG_BOT_TOKEN only
	ChatIDs  map[string]int64 `json:"chat_ids,omitempty"` // level -> Telegram chat id
}

// TelemetryConfig configures OTLP trace export around the CRM/helpdesk
// RPCs and the transcription dispatcher loop.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// SchedulingConfig gates the housekeeping sweeps (meeting reminders,
// warmup nudges) and the transcription dispatcher's health-check
// heartbeat. Every Enabled flag defaults false — the zero value of Config
// never starts a sweep.
type SchedulingConfig struct {
	MeetingReminders SweepConfig `json:"meeting_reminders,omitempty"`
	Warmup           SweepConfig `json:"warmup,omitempty"`
	DispatcherHealth SweepConfig `json:"dispatcher_health,omitempty"`
}

// SweepConfig configures one periodic background pass. The tick always
// runs on Interval, a plain time.Ticker. Cron is a human-readable
// cron-expression description; only DispatcherHealth's is read, by the
// transcription health check, which logs a warning when gronx rejects it.
// The reminder and warmup sweeps neither read nor validate their Cron.
type SweepConfig struct {
	Enabled  bool          `json:"enabled,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Cron     string        `json:"cron,omitempty"`
}

// CRMPortalSpec describes one Bitrix-style CRM portal this hub talks to.
// A portal is addressed either in webhook mode (token embedded in the URL)
// or OAuth mode (bearer token refreshed via client credentials) — see
// internal/crmclient.
type CRMPortalSpec struct {
	Domain           string `json:"domain"`
	WebhookURL       string `json:"-"` // env CONVHUB_CRM_<PORTAL>_WEBHOOK_URL; webhook mode
	OAuthClientID    string `json:"oauth_client_id,omitempty"`
	OAuthClientSecret string `json:"-"` // env CONVHUB_CRM_<PORTAL>_CLIENT_SECRET; OAuth mode
	OAuthAccessToken string `json:"-"`
	OAuthRefreshToken string `json:"-"`
}

// AgentSpec is one logical agent: a display name, an OpenAI persona/prompt
// bundle reference, and the transports it owns. Immutable at runtime — a
// configuration change requires a process restart.
type AgentSpec struct {
	DisplayName string          `json:"display_name"`
	SystemModel string          `json:"model,omitempty"` // overrides OpenAIConfig default model for this agent's router
	Transports  []TransportSpec `json:"transports"`
}

// TransportSpec is one messenger instance owned by an agent, 1:1 with a
// helpdesk inbox.
type TransportSpec struct {
	Kind       string `json:"kind"` // "wa" or "tg"
	InstanceID string `json:"instance_id"`
	APIToken   string `json:"-"` // env CONVHUB_TRANSPORT_<INBOX_ID>_TOKEN
	InboxID    int    `json:"inbox_id"`
	AssigneeID int    `json:"assignee_id,omitempty"`
}

// TransportsOf returns the inbox ids owned by (agentCode, kind), in
// configuration order — the tie-break order the routing engine's
// round-robin rotates over.
func (c *Config) TransportsOf(agentCode, kind string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agent, ok := c.Agents[agentCode]
	if !ok {
		return nil
	}
	var ids []int
	for _, t := range agent.Transports {
		if t.Kind == kind {
			ids = append(ids, t.InboxID)
		}
	}
	return ids
}

// Agent returns the named agent's spec, used by HTTP handlers to reject
// an unknown agent_code before touching routing or CRM state.
func (c *Config) Agent(agentCode string) (AgentSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.Agents[agentCode]
	return a, ok
}

// InboxToTransport indexes every configured transport by inbox id. Each
// call builds a fresh map from the agents' transport lists.
func (c *Config) InboxToTransport() map[int]TransportSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]TransportSpec)
	for _, agent := range c.Agents {
		for _, t := range agent.Transports {
			out[t.InboxID] = t
		}
	}
	return out
}

// InboxToAgentCode indexes every configured inbox id to its owning agent
// code.
func (c *Config) InboxToAgentCode() map[int]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]string)
	for code, agent := range c.Agents {
		for _, t := range agent.Transports {
			out[t.InboxID] = code
		}
	}
	return out
}

// AllInboxIDs returns every configured inbox id, used to bootstrap
// transport-activation rows at startup.
func (c *Config) AllInboxIDs() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []int
	for _, agent := range c.Agents {
		for _, t := range agent.Transports {
			out = append(out, t.InboxID)
		}
	}
	return out
}

// Portal returns the named CRM portal spec.
func (c *Config) Portal(name string) (CRMPortalSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.Portals[name]
	return p, ok
}

// PortalByDomain finds the portal spec whose Domain matches, used when a
// CRM outbound webhook arrives identifying itself only by domain.
func (c *Config) PortalByDomain(domain string) (string, CRMPortalSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, p := range c.Portals {
		if p.Domain == domain {
			return name, p, true
		}
	}
	return "", CRMPortalSpec{}, false
}

// PortalForSource resolves the immutable source->portal map used by
// "POST /bx24/transport/leads".
func (c *Config) PortalForSource(source string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.Sources[source]
	return name, ok
}

// Hash returns a short digest of the config, useful for ops/doctor output.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
