package crmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RefreshErrorCode classifies the outcome of an OAuth token refresh attempt
// against the portal's "oauth.php" token endpoint.
type RefreshErrorCode string

const (
	RefreshOK              RefreshErrorCode = ""
	RefreshInvalidGrant    RefreshErrorCode = "invalid_grant"    // refresh token revoked or unknown
	RefreshWrongClient     RefreshErrorCode = "wrong_client"      // client_id/secret mismatch
	RefreshExpiredToken    RefreshErrorCode = "expired_token"     // refresh token itself expired
	RefreshNotInstalled    RefreshErrorCode = "not_installed"     // application uninstalled from portal
	RefreshPaymentRequired RefreshErrorCode = "payment_required"  // portal subscription lapsed
	RefreshOther           RefreshErrorCode = "other"
)

// RefreshError reports a failed token refresh with its classified code.
type RefreshError struct {
	Code RefreshErrorCode
	Raw  string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("oauth refresh failed: %s (%s)", e.Code, e.Raw)
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

// refresh exchanges the stored refresh token for a new access/refresh pair
// and persists it. It is called at most once per Call invocation — a
// refreshed token that still comes back expired_token is surfaced as an
// Expired error rather than looping.
func (c *Client) refresh(ctx context.Context) error {
	if c.oauth == nil || c.tokens == nil {
		return fmt.Errorf("crm: refresh called on a non-oauth client")
	}

	current, err := c.tokens.Load(ctx, c.portalID)
	if err != nil {
		return fmt.Errorf("crm: load token for refresh: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.oauth.clientID)
	form.Set("client_secret", c.oauth.clientSecret)
	form.Set("refresh_token", current.RefreshToken)

	endpoint := fmt.Sprintf("%s/oauth/token/", strings.TrimRight(oauthBaseURL(c.oauth.domain), "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("crm: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crm: refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("crm: read refresh response: %w", err)
	}

	var tr oauthTokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return &RefreshError{Code: RefreshOther, Raw: string(raw)}
	}

	if tr.Error != "" {
		return &RefreshError{Code: classifyRefreshError(tr.Error), Raw: tr.Error}
	}
	if tr.AccessToken == "" {
		return &RefreshError{Code: RefreshOther, Raw: string(raw)}
	}

	newTokens := Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	if newTokens.RefreshToken == "" {
		newTokens.RefreshToken = current.RefreshToken
	}

	return c.tokens.Save(ctx, c.portalID, newTokens)
}

// oauthBaseURL accepts either a bare portal domain ("example.bitrix24.ru")
// or a full scheme-qualified base (used by tests pointed at an httptest
// server) and normalizes to the latter.
func oauthBaseURL(domain string) string {
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}

func classifyRefreshError(code string) RefreshErrorCode {
	switch code {
	case string(RefreshInvalidGrant):
		return RefreshInvalidGrant
	case string(RefreshWrongClient):
		return RefreshWrongClient
	case string(RefreshExpiredToken):
		return RefreshExpiredToken
	case string(RefreshNotInstalled):
		return RefreshNotInstalled
	case string(RefreshPaymentRequired):
		return RefreshPaymentRequired
	default:
		return RefreshOther
	}
}
