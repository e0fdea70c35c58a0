package helpdesk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetOrCreateContactCreatesWhenMissing(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`{"payload":[]}`))
		case http.MethodPost:
			w.Write([]byte(`{"payload":{"contact":{"id":7}}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 1, nil, nil)
	id, created, err := c.GetOrCreateContact(context.Background(), "Jane", "79990001122", "79990001122")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created || id != 7 {
		t.Fatalf("expected new contact 7, got id=%d created=%v", id, created)
	}
	if len(calls) != 2 {
		t.Fatalf("expected search then create, got %v", calls)
	}
}

func TestGetOrCreateContactReturnsExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"payload":[{"id":3}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 1, nil, nil)
	id, created, err := c.GetOrCreateContact(context.Background(), "Jane", "79990001122", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || id != 3 {
		t.Fatalf("expected existing contact 3, got id=%d created=%v", id, created)
	}
}

func TestContactPhoneStripsLeadingPlus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"payload":{"phone_number":"+79990001122"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 1, nil, nil)
	phone, err := c.ContactPhone(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if phone != "79990001122" {
		t.Fatalf("got %q", phone)
	}
}
