package crmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mbkchat/convhub/internal/apierr"
)

func TestCallWebhookHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/crm.deal.get.json" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"result":{"ID":"42","TITLE":"Acme"}}`))
	}))
	defer srv.Close()

	c := NewWebhookClient("p1", srv.URL, nil)
	raw, err := c.Call(context.Background(), "crm.deal.get", map[string]any{"id": 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var deal struct {
		ID    string `json:"ID"`
		Title string `json:"TITLE"`
	}
	if err := json.Unmarshal(raw, &deal); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if deal.ID != "42" || deal.Title != "Acme" {
		t.Fatalf("unexpected decoded deal: %+v", deal)
	}
}

func TestCallRetriesOn503ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Internal Server Error"))
			return
		}
		w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	c := NewWebhookClient("p1", srv.URL, nil)
	raw, err := c.Call(context.Background(), "crm.deal.list", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `"ok"` {
		t.Fatalf("got %q", string(raw))
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestCallClassifiesGatewayBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("<html><body>403 Forbidden</body></html>"))
	}))
	defer srv.Close()

	c := NewWebhookClient("p1", srv.URL, nil)
	_, err := c.Call(context.Background(), "crm.deal.get", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !apierr.Is(err, apierr.GatewayBlocked) {
		t.Fatalf("expected GatewayBlocked, got %v", err)
	}
}

func TestCallLiteral500IsNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer srv.Close()

	c := NewWebhookClient("p1", srv.URL, nil)
	_, err := c.Call(context.Background(), "crm.deal.get", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !apierr.Is(err, apierr.Authoritative) {
		t.Fatalf("expected Authoritative, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestCallClassifiesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"NOT_FOUND","error_description":"deal not found"}`))
	}))
	defer srv.Close()

	c := NewWebhookClient("p1", srv.URL, nil)
	_, err := c.Call(context.Background(), "crm.deal.get", nil)
	if !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCallStopsRateLimitedAfterEightAttempts(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate_limited"}`))
	}))
	defer srv.Close()

	c := NewWebhookClient("p1", srv.URL, nil)
	_, err := c.Call(context.Background(), "crm.deal.list", nil)
	if err == nil {
		t.Fatal("expected error after exhausting the 429 budget")
	}
	if !apierr.Is(err, apierr.RateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
	if attempts != 8 {
		t.Fatalf("expected exactly 8 attempts (429 budget), got %d", attempts)
	}
}

func TestCallRateLimitedDoesNotBorrowFrom503Budget(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		switch {
		case attempts <= 2:
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Internal Server Error"))
		default:
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limited"}`))
		}
	}))
	defer srv.Close()

	c := NewWebhookClient("p1", srv.URL, nil)
	_, err := c.Call(context.Background(), "crm.deal.list", nil)
	if !apierr.Is(err, apierr.RateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
	// 2 Transient attempts (own budget) + 8 RateLimited attempts (own budget).
	if attempts != 10 {
		t.Fatalf("expected 10 total attempts (2 transient + 8 rate-limited), got %d", attempts)
	}
}

type fakeTokenStore struct {
	tokens Tokens
}

func (f *fakeTokenStore) Load(ctx context.Context, portalID string) (Tokens, error) {
	return f.tokens, nil
}
func (f *fakeTokenStore) Save(ctx context.Context, portalID string, t Tokens) error {
	f.tokens = t
	return nil
}

func TestCallRefreshesExpiredOAuthTokenOnce(t *testing.T) {
	store := &fakeTokenStore{tokens: Tokens{AccessToken: "old", RefreshToken: "refresh-me"}}
	calls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/crm.deal.get.json", func(w http.ResponseWriter, r *http.Request) {
		calls++
		r.ParseForm()
		if r.FormValue("auth") == "new-token" {
			w.Write([]byte(`{"result":"refreshed"}`))
			return
		}
		w.Write([]byte(`{"error":"expired_token","error_description":"token expired"}`))
	})
	mux.HandleFunc("/oauth/token/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"new-token","refresh_token":"refresh-me","expires_in":3600}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewOAuthClient("p1", srv.URL, "client-id", "client-secret", store, nil)
	c.baseURL = srv.URL + "/rest/"

	raw, err := c.Call(context.Background(), "crm.deal.get", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `"refreshed"` {
		t.Fatalf("got %q", raw)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls (expired then refreshed), got %d", calls)
	}
	if store.tokens.AccessToken != "new-token" {
		t.Fatalf("expected token store updated, got %+v", store.tokens)
	}
}
