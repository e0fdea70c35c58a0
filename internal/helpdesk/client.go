// Package helpdesk implements a client for the shared support-desk API:
// contacts, conversations, messages, and status toggles, plus the
// marker-detection hook that notifies the CRM when a human operator
// intent marker appears in an outgoing message.
package helpdesk

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
	"github.com/mbkchat/convhub/internal/telemetry"
)

var tracer = telemetry.Tracer("convhub/helpdesk")

// MarkerNotifier is invoked when SendMessage detects an intent marker (see
// markers.go) in a non-private, non-system outgoing message. It mirrors the
// CRM "notify responsible" composite operation.
type MarkerNotifier interface {
	NotifyMarker(ctx context.Context, conversationID int, marker string) error
}

// Client talks to one helpdesk account over its REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string // e.g. "https://helpdesk.example.com"
	token      string
	accountID  int
	notifier   MarkerNotifier
	log        *slog.Logger
}

// New builds a helpdesk client bound to one account.
func New(baseURL, token string, accountID int, notifier MarkerNotifier, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		accountID:  accountID,
		notifier:   notifier,
		log:        log,
	}
}

type apiError struct {
	Status int
	URL    string
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("helpdesk: HTTP %d for %s: %s", e.Status, e.URL, e.Body)
}

// request performs one authenticated call and decodes the JSON body into out
// (if non-nil). statusOK reports whether resp.StatusCode is an accepted
// status for this call; the default accepted set is 200/201.
func (c *Client) request(ctx context.Context, method, path string, query map[string]string, body any, out any, accepted ...int) (err error) {
	ctx, span := tracer.Start(ctx, "helpdesk.request", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("helpdesk.path", path),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(accepted) == 0 {
		accepted = []int{http.StatusOK, http.StatusCreated}
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		var q strings.Builder
		first := true
		for k, v := range query {
			if !first {
				q.WriteByte('&')
			}
			first = false
			q.WriteString(k)
			q.WriteByte('=')
			q.WriteString(v)
		}
		fullURL += "?" + q.String()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apierr.New("helpdesk.request", apierr.Malformed, 0, fmt.Errorf("marshal body: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return apierr.New("helpdesk.request", apierr.Malformed, 0, err)
	}
	req.Header.Set("api_access_token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierr.New("helpdesk.request", apierr.Transient, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.New("helpdesk.request", apierr.Transient, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	if !statusIn(resp.StatusCode, accepted) {
		kind := classifyStatus(resp.StatusCode)
		return apierr.New("helpdesk.request", kind, resp.StatusCode, &apiError{Status: resp.StatusCode, URL: fullURL, Body: string(raw)})
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return apierr.New("helpdesk.request", apierr.Malformed, resp.StatusCode, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func statusIn(status int, accepted []int) bool {
	for _, s := range accepted {
		if s == status {
			return true
		}
	}
	return false
}

func classifyStatus(status int) apierr.Kind {
	switch {
	case status == http.StatusNotFound:
		return apierr.NotFound
	case status == http.StatusTooManyRequests:
		return apierr.RateLimited
	case status >= 500:
		return apierr.Transient
	default:
		return apierr.Authoritative
	}
}

func (c *Client) accountPath(suffix string) string {
	return fmt.Sprintf("/api/v1/accounts/%d%s", c.accountID, suffix)
}

func itoa(n int) string { return strconv.Itoa(n) }
