// Package wa implements the WA-like transport gateway client: a Green
// API-style REST surface (instance id + api token in the URL path) for
// sending text, file-by-url, and contact-card messages.
package wa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/mbkchat/convhub/internal/apierr"
	"github.com/mbkchat/convhub/internal/phoneutil"
	"github.com/mbkchat/convhub/internal/transport"
)

// Client talks to one WA gateway instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
	instanceID string
	apiToken   string
	log        *slog.Logger
}

// New builds a client bound to one gateway instance.
func New(baseURL, instanceID, apiToken string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		instanceID: instanceID,
		apiToken:   apiToken,
		log:        log,
	}
}

func (c *Client) Kind() transport.Kind { return transport.KindWA }

// chatID converts a normalized phone number into the gateway's chat
// identifier form.
func chatID(phone string) string {
	return phoneutil.Identifier(phone) + "@c.us"
}

func (c *Client) endpoint(method string) string {
	return fmt.Sprintf("%s/waInstance%s/%s/%s", c.baseURL, c.instanceID, method, c.apiToken)
}

func (c *Client) post(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apierr.New("wa."+method, apierr.Malformed, 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(data))
	if err != nil {
		return nil, apierr.New("wa."+method, apierr.Malformed, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.New("wa."+method, apierr.Transient, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.New("wa."+method, apierr.Transient, resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.New("wa."+method, classifyStatus(resp.StatusCode), resp.StatusCode, fmt.Errorf("%s", string(raw)))
	}

	return raw, nil
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

// SendText sends a plain-text message to phone.
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	_, err := c.post(ctx, "sendMessage", map[string]any{
		"chatId":  chatID(phone),
		"message": text,
	})
	return err
}

// SendFileByURL sends a file hosted at url. filename defaults to the url's
// final path segment when empty.
func (c *Client) SendFileByURL(ctx context.Context, phone, url, filename, caption string) error {
	if filename == "" {
		filename = path.Base(url)
	}
	payload := map[string]any{
		"chatId":   chatID(phone),
		"urlFile":  url,
		"fileName": filename,
	}
	if caption != "" {
		payload["caption"] = caption
	}
	_, err := c.post(ctx, "sendFileByUrl", payload)
	return err
}

// SendContact sends a vCard-style contact card to phone.
func (c *Client) SendContact(ctx context.Context, phone, contactPhone, firstName, lastName string) error {
	contact := map[string]any{
		"phoneContact": phoneutil.Identifier(contactPhone),
	}
	if firstName != "" {
		contact["firstName"] = firstName
	}
	if lastName != "" {
		contact["lastName"] = lastName
	}
	_, err := c.post(ctx, "sendContact", map[string]any{
		"chatId":  chatID(phone),
		"contact": contact,
	})
	return err
}

type instanceStateResponse struct {
	StateInstance string `json:"stateInstance"`
}

// GetInstanceState reports the gateway instance's current authorization
// state.
func (c *Client) GetInstanceState(ctx context.Context) (transport.InstanceState, error) {
	raw, err := c.getJSON(ctx, "getStateInstance")
	if err != nil {
		return transport.StateUnknown, err
	}
	var resp instanceStateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return transport.StateUnknown, apierr.New("wa.GetInstanceState", apierr.Malformed, 0, err)
	}
	return normalizeState(resp.StateInstance), nil
}

func normalizeState(raw string) transport.InstanceState {
	switch raw {
	case "authorized":
		return transport.StateAuthorized
	case "notAuthorized":
		return transport.StateNotAuthorized
	case "blocked":
		return transport.StateBlocked
	default:
		return transport.StateUnknown
	}
}

type instanceSettingsResponse struct {
	WID string `json:"wid"`
}

// GetInstancePhone returns the phone number bound to this gateway instance.
func (c *Client) GetInstancePhone(ctx context.Context) (string, error) {
	raw, err := c.getJSON(ctx, "getSettings")
	if err != nil {
		return "", err
	}
	var resp instanceSettingsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", apierr.New("wa.GetInstancePhone", apierr.Malformed, 0, err)
	}
	return phoneutil.Normalize(strings.TrimSuffix(resp.WID, "@c.us")), nil
}

func (c *Client) getJSON(ctx context.Context, method string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(method), nil)
	if err != nil {
		return nil, apierr.New("wa."+method, apierr.Malformed, 0, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.New("wa."+method, apierr.Transient, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.New("wa."+method, apierr.Transient, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.New("wa."+method, classifyStatus(resp.StatusCode), resp.StatusCode, fmt.Errorf("%s", string(raw)))
	}
	return raw, nil
}
