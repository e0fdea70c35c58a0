// Package crmclient implements a REST client for the CRM's webhook and
// OAuth-application call surfaces: single-method Call, paginated CallList,
// and batch fan-out, with the retry/backoff and error-classification policy
// the portal expects from a well-behaved integration.
package crmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbkchat/convhub/internal/apierr"
	"github.com/mbkchat/convhub/internal/bxencode"
	"github.com/mbkchat/convhub/internal/retrypolicy"
	"github.com/mbkchat/convhub/internal/telemetry"
)

var tracer = telemetry.Tracer("convhub/crmclient")

// TokenStore persists and refreshes OAuth access/refresh token pairs for an
// installed application. Webhook-mode clients never touch this interface.
type TokenStore interface {
	Load(ctx context.Context, portalID string) (Tokens, error)
	Save(ctx context.Context, portalID string, tokens Tokens) error
}

// Tokens is an OAuth access/refresh token pair for one portal.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Client talks to one CRM portal, either via a fixed webhook URL (carries its
// own long-lived auth token in the path) or via an OAuth application
// (bearer token passed as the "auth" form field, refreshed on expiry).
type Client struct {
	httpClient *http.Client
	portalID   string
	baseURL    string // e.g. "https://example.bitrix24.ru/rest/1/xxxxxxxxxxxx/" for webhook mode
	oauth      *oauthConfig
	tokens     TokenStore
	log        *slog.Logger
}

type oauthConfig struct {
	clientID     string
	clientSecret string
	domain       string // "example.bitrix24.ru"
}

// NewWebhookClient builds a client bound to a fixed, pre-authorized webhook
// URL — the CRM's simplest integration mode. The URL already embeds the
// access token; every call appends "<method>.json".
func NewWebhookClient(portalID, webhookURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		portalID:   portalID,
		baseURL:    strings.TrimRight(webhookURL, "/") + "/",
		log:        log,
	}
}

// NewOAuthClient builds a client that authenticates via a bearer token
// refreshed through clientID/clientSecret against the portal's domain. The
// token is looked up from store and refreshed in place on expired_token.
func NewOAuthClient(portalID, domain, clientID, clientSecret string, store TokenStore, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		portalID:   portalID,
		baseURL:    fmt.Sprintf("%s/rest/", strings.TrimRight(oauthBaseURL(domain), "/")),
		oauth: &oauthConfig{
			clientID:     clientID,
			clientSecret: clientSecret,
			domain:       domain,
		},
		tokens: store,
		log:    log,
	}
}

// Call invokes a single CRM REST method and returns its raw "result" payload.
// It applies the 503 retry budget (Transient, up to 20 attempts) and the 429
// budget (RateLimited, up to 8 attempts) independently via
// retrypolicy.DoSwitching: each kind keeps its own attempt counter and
// backoff curve, so a RateLimited run can never borrow from the Transient
// budget (or vice versa) — a sustained 429 storm is bounded at 8 attempts
// even if 503s were seen earlier in the same call.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	raw, _, err := c.CallPaged(ctx, method, params)
	return raw, err
}

// PageInfo carries the envelope-level pagination cursors of a list call:
// Next is the offset of the following page, Total the full result count.
// Either may be absent.
type PageInfo struct {
	Next  *int
	Total *int
}

// CallPaged is Call plus the envelope's pagination cursors, which CallList
// needs to fan remaining pages out in batches.
func (c *Client) CallPaged(ctx context.Context, method string, params map[string]any) (json.RawMessage, PageInfo, error) {
	ctx, span := tracer.Start(ctx, "crmclient.Call", trace.WithAttributes(
		attribute.String("crm.portal", c.portalID),
		attribute.String("crm.method", method),
	))
	defer span.End()

	var result json.RawMessage
	var page PageInfo
	err := retrypolicy.DoSwitching(ctx, callBudgetFor, func(attempt int) retrypolicy.Outcome {
		res, pg, outcome := c.callOnce(ctx, method, params, attempt == 0)
		if outcome.Err == nil {
			result = res
			page = pg
		}
		return outcome
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, PageInfo{}, err
	}
	return result, page, nil
}

// callBudgetFor selects the retry budget for a classified outcome: the 429
// budget for RateLimited, the 503 budget for every other retryable kind
// (Transient, Timeout).
func callBudgetFor(kind apierr.Kind) retrypolicy.Config {
	if kind == apierr.RateLimited {
		return retrypolicy.Default429()
	}
	return retrypolicy.Default503()
}

// callOnce performs one HTTP round trip and classifies the outcome. allowRefresh
// gates whether an expired OAuth token triggers a single refresh-and-retry
// (refresh itself never recurses — a second expired_token after refresh is
// reported up as Expired, a kind the retry loop does not retry).
func (c *Client) callOnce(ctx context.Context, method string, params map[string]any, allowRefresh bool) (json.RawMessage, PageInfo, retrypolicy.Outcome) {
	body, authErr := c.buildBody(ctx, params)
	if authErr != nil {
		return nil, PageInfo{}, retrypolicy.Outcome{Err: authErr, Kind: apierr.Authoritative}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL(method), bytes.NewBufferString(body))
	if err != nil {
		return nil, PageInfo{}, retrypolicy.Outcome{Err: err, Kind: apierr.Malformed}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, PageInfo{}, retrypolicy.Outcome{Err: fmt.Errorf("crm call %s: %w", method, err), Kind: apierr.Transient}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, PageInfo{}, retrypolicy.Outcome{Err: fmt.Errorf("crm call %s: read body: %w", method, err), Kind: apierr.Transient}
	}

	if resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusMovedPermanently {
		if loc := resp.Header.Get("Location"); loc != "" {
			c.baseURL = normalizeRedirectBase(loc, method)
			return nil, PageInfo{}, retrypolicy.Outcome{Err: fmt.Errorf("crm call %s: redirected", method), Kind: apierr.Transient}
		}
	}

	result, page, classified := classifyResponse(method, resp.StatusCode, resp.Header.Get("Retry-After"), raw)
	if classified.Err == nil {
		return result, page, classified
	}

	if classified.Kind == apierr.Expired && allowRefresh && c.oauth != nil {
		if err := c.refresh(ctx); err != nil {
			c.log.Error("crm.token.refresh", "portal", c.portalID, "error", err)
			return nil, PageInfo{}, retrypolicy.Outcome{Err: err, Kind: apierr.Authoritative}
		}
		return c.callOnce(ctx, method, params, false)
	}

	return nil, PageInfo{}, classified
}

func (c *Client) buildBody(ctx context.Context, params map[string]any) (string, error) {
	all := make(map[string]any, len(params)+1)
	for k, v := range params {
		all[k] = v
	}
	if c.oauth != nil {
		tok, err := c.tokens.Load(ctx, c.portalID)
		if err != nil {
			return "", fmt.Errorf("crm: load oauth token: %w", err)
		}
		all["auth"] = tok.AccessToken
	}
	return bxencode.Encode(all), nil
}

func (c *Client) endpointURL(method string) string {
	return c.baseURL + method + ".json"
}

func normalizeRedirectBase(location, method string) string {
	suffix := method + ".json"
	if idx := strings.Index(location, suffix); idx >= 0 {
		return location[:idx]
	}
	return location
}

// bxAPIResponse mirrors the CRM's JSON envelope for both success and error
// responses.
type bxAPIResponse struct {
	Result      json.RawMessage `json:"result"`
	Error       string          `json:"error"`
	ErrorDesc   string          `json:"error_description"`
	Next        *int            `json:"next"`
	Total       *int            `json:"total"`
	Time        json.RawMessage `json:"time"`
}

// classifyResponse maps an HTTP status + body into an apierr.Kind following
// the portal's documented error surface: nginx's plain-text 403 page (no
// JSON body) signals the portal blocked the integration outright; a literal
// "Internal Server Error" string (not JSON) is a raw upstream 500 surfaced
// without retry; anything else with a 2xx is decoded as the standard
// envelope.
func classifyResponse(method string, status int, retryAfterHeader string, raw []byte) (json.RawMessage, PageInfo, retrypolicy.Outcome) {
	trimmed := bytes.TrimSpace(raw)

	if status == http.StatusForbidden && !looksLikeJSON(trimmed) {
		return nil, PageInfo{}, retrypolicy.Outcome{
			Err:  apierr.New("crm.Call:"+method, apierr.GatewayBlocked, status, fmt.Errorf("blocked by gateway")),
			Kind: apierr.GatewayBlocked,
		}
	}

	// The portal's literal-body 500 is a definitive failure, not a blip:
	// surfaced immediately, never retried, unlike every other 5xx.
	if status == http.StatusInternalServerError && string(trimmed) == "Internal Server Error" {
		return nil, PageInfo{}, retrypolicy.Outcome{
			Err:  apierr.New("crm.Call:"+method, apierr.Authoritative, status, fmt.Errorf("internal server error")),
			Kind: apierr.Authoritative,
		}
	}

	if status >= 500 {
		return nil, PageInfo{}, retrypolicy.Outcome{
			Err:  apierr.New("crm.Call:"+method, apierr.Transient, status, fmt.Errorf("server error")),
			Kind: apierr.Transient,
		}
	}

	if status == http.StatusTooManyRequests {
		return nil, PageInfo{}, retrypolicy.Outcome{
			Err:        apierr.New("crm.Call:"+method, apierr.RateLimited, status, fmt.Errorf("rate limited")),
			Kind:       apierr.RateLimited,
			RetryAfter: parseRetryAfter(retryAfterHeader),
		}
	}

	var env bxAPIResponse
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, PageInfo{}, retrypolicy.Outcome{
			Err:  apierr.New("crm.Call:"+method, apierr.Malformed, status, fmt.Errorf("decode response: %w", err)),
			Kind: apierr.Malformed,
		}
	}

	if env.Error == "" {
		return env.Result, PageInfo{Next: env.Next, Total: env.Total}, retrypolicy.Outcome{}
	}

	switch env.Error {
	case "expired_token", "invalid_token":
		return nil, PageInfo{}, retrypolicy.Outcome{
			Err:  apierr.New("crm.Call:"+method, apierr.Expired, status, fmt.Errorf("%s: %s", env.Error, env.ErrorDesc)),
			Kind: apierr.Expired,
		}
	case "NOT_FOUND":
		return nil, PageInfo{}, retrypolicy.Outcome{
			Err:  apierr.New("crm.Call:"+method, apierr.NotFound, status, fmt.Errorf("%s: %s", env.Error, env.ErrorDesc)),
			Kind: apierr.NotFound,
		}
	default:
		return nil, PageInfo{}, retrypolicy.Outcome{
			Err:  apierr.New("crm.Call:"+method, apierr.Authoritative, status, fmt.Errorf("%s: %s", env.Error, env.ErrorDesc)),
			Kind: apierr.Authoritative,
		}
	}
}

func looksLikeJSON(b []byte) bool {
	return len(b) > 0 && (b[0] == '{' || b[0] == '[')
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
