// Package tg implements the TG-like transport gateway client: a Wappi-style
// REST surface authenticated with a bearer token plus a profile id query
// parameter, with async file/media sends dispatched through a polled task
// queue rather than returning their result synchronously.
package tg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbkchat/convhub/internal/apierr"
	"github.com/mbkchat/convhub/internal/phoneutil"
	"github.com/mbkchat/convhub/internal/transport"
)

const (
	pollInterval = 5 * time.Second
	pollTimeout  = 600 * time.Second
)

// terminal task statuses.
const (
	taskStatusDelivered     = "delivered"
	taskStatusError         = "error"
	taskStatusUndelivered   = "undelivered"
	taskStatusTemporaryBan  = "temporary ban"
)

// Client talks to one TG gateway profile.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiPrefix    string
	token        string
	profileID    string
	log          *slog.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// New builds a client bound to one gateway profile.
func New(token, profileID string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      "https://wappi.pro",
		apiPrefix:    "/tapi",
		token:        token,
		profileID:    profileID,
		log:          log,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

func (c *Client) Kind() transport.Kind { return transport.KindTG }

type apiResponse struct {
	Status  string          `json:"status"`
	TaskID  string          `json:"task_id"`
	Contact json.RawMessage `json:"contact"`
	Message json.RawMessage `json:"message"`
}

func (c *Client) request(ctx context.Context, method, path string, query map[string]string, body any) (apiResponse, error) {
	rel := path
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	fullURL := c.baseURL + c.apiPrefix + rel

	q := make(map[string]string, len(query)+1)
	for k, v := range query {
		q[k] = v
	}
	if _, ok := q["profile_id"]; !ok {
		q["profile_id"] = c.profileID
	}
	if len(q) > 0 {
		var sb strings.Builder
		first := true
		for k, v := range q {
			if !first {
				sb.WriteByte('&')
			}
			first = false
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
		}
		fullURL += "?" + sb.String()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apiResponse{}, apierr.New("tg.request", apierr.Malformed, 0, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return apiResponse{}, apierr.New("tg.request", apierr.Malformed, 0, err)
	}
	req.Header.Set("Authorization", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apiResponse{}, apierr.New("tg.request", apierr.Transient, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, apierr.New("tg.request", apierr.Transient, resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiResponse{}, apierr.New("tg.request", classifyStatus(resp.StatusCode), resp.StatusCode, fmt.Errorf("%s", string(raw)))
	}

	var decoded apiResponse
	if len(raw) > 0 {
		// Best-effort decode — some endpoints return a bare payload the
		// caller reads from Contact/Message directly instead of this
		// envelope; an undecodable body for those callers is not an error.
		_ = json.Unmarshal(raw, &decoded)
	}
	return decoded, nil
}

func classifyStatus(status int) apierr.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return apierr.RateLimited
	case status >= 500:
		return apierr.Transient
	case status == http.StatusForbidden:
		return apierr.GatewayBlocked
	default:
		return apierr.Authoritative
	}
}

// SendText sends a plain-text message synchronously.
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	recipient := phoneutil.Identifier(phone)
	_, err := c.request(ctx, http.MethodPost, "/sync/message/send", nil, map[string]any{
		"recipient": recipient,
		"body":      text,
	})
	return err
}

// SendFileByURL dispatches an async file-by-url send and polls the
// resulting task until it reaches a terminal status or the 600s timeout
// elapses.
func (c *Client) SendFileByURL(ctx context.Context, phone, fileURL, filename, caption string) error {
	recipient := phoneutil.Identifier(phone)
	payload := map[string]any{
		"recipient": recipient,
		"url":       fileURL,
	}
	if caption != "" {
		payload["caption"] = caption
	}
	if filename != "" {
		payload["file_name"] = filename
	}

	resp, err := c.request(ctx, http.MethodPost, "/async/message/file/url/send", nil, payload)
	if err != nil {
		return err
	}
	if resp.TaskID == "" {
		return nil
	}
	return c.pollTask(ctx, resp.TaskID)
}

// SendContact sends a vCard-style contact card.
func (c *Client) SendContact(ctx context.Context, phone, contactPhone, firstName, lastName string) error {
	recipient := phoneutil.Identifier(phone)
	payload := map[string]any{
		"recipient": recipient,
		"phone":     phoneutil.Identifier(contactPhone),
	}
	if firstName != "" || lastName != "" {
		payload["name"] = strings.TrimSpace(firstName + " " + lastName)
	}
	_, err := c.request(ctx, http.MethodPost, "/sync/message/contact/send", nil, payload)
	return err
}

// GetInstancePhone is not supported by the TG gateway's profile surface —
// profiles are bound to an account at setup time, not discoverable via API.
func (c *Client) GetInstancePhone(ctx context.Context) (string, error) {
	return "", apierr.New("tg.GetInstancePhone", apierr.Authoritative, 0, fmt.Errorf("not supported by this gateway"))
}

// GetInstanceState reports the gateway profile's current authorization
// state.
func (c *Client) GetInstanceState(ctx context.Context) (transport.InstanceState, error) {
	resp, err := c.request(ctx, http.MethodGet, "/sync/get/status", nil, nil)
	if err != nil {
		return transport.StateUnknown, err
	}
	switch resp.Status {
	case "authorized", "got_qr", "app_connected":
		return transport.StateAuthorized, nil
	case "not_authorized", "logged_out":
		return transport.StateNotAuthorized, nil
	case "blocked":
		return transport.StateBlocked, nil
	default:
		return transport.StateUnknown, nil
	}
}

type contactInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GetOrCreateContact maps a CRM/helpdesk identity (phone) into the
// gateway's own contact id, creating the contact if it doesn't already
// exist. The bool reports whether a new contact was created.
func (c *Client) GetOrCreateContact(ctx context.Context, phone, name string) (contactInfo, bool, error) {
	recipient := phoneutil.Identifier(phone)

	existing, err := c.request(ctx, http.MethodGet, "/sync/contact/get", map[string]string{"recipient": recipient}, nil)
	if err == nil && len(existing.Contact) > 0 && string(existing.Contact) != "null" {
		var info contactInfo
		if decodeErr := json.Unmarshal(existing.Contact, &info); decodeErr == nil && info.ID != "" {
			return info, false, nil
		}
	}

	created, err := c.request(ctx, http.MethodPost, "/sync/contact/add", nil, map[string]any{
		"recipient": recipient,
		"name":      name,
	})
	if err != nil {
		return contactInfo{}, false, err
	}
	if len(created.Contact) == 0 {
		return contactInfo{}, false, apierr.New("tg.GetOrCreateContact", apierr.Authoritative, 0, fmt.Errorf("gateway did not return a created contact"))
	}
	var info contactInfo
	if err := json.Unmarshal(created.Contact, &info); err != nil {
		return contactInfo{}, false, apierr.New("tg.GetOrCreateContact", apierr.Malformed, 0, err)
	}
	return info, true, nil
}

// pollTask polls an async task's status every 5s (pollInterval) until it
// reaches a terminal status or pollTimeout (600s) elapses.
func (c *Client) pollTask(ctx context.Context, taskID string) error {
	deadline := time.Now().Add(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.taskStatus(ctx, taskID)
		if err != nil {
			return err
		}
		switch status {
		case taskStatusDelivered:
			return nil
		case taskStatusError, taskStatusUndelivered, taskStatusTemporaryBan:
			return apierr.New("tg.pollTask", apierr.Authoritative, 0, fmt.Errorf("task %s terminated with status %q", taskID, status))
		}

		if time.Now().After(deadline) {
			return apierr.New("tg.pollTask", apierr.Timeout, 0, fmt.Errorf("task %s did not reach a terminal status within %s", taskID, pollTimeout))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) taskStatus(ctx context.Context, taskID string) (string, error) {
	resp, err := c.request(ctx, http.MethodGet, "/task/get", map[string]string{"task_id": taskID}, nil)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}
