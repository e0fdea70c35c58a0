package tg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSendTextUsesBearerAuthAndProfileID(t *testing.T) {
	var gotAuth, gotProfile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotProfile = r.URL.Query().Get("profile_id")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New("tok123", "profile-1", nil)
	c.baseURL = srv.URL
	if err := c.SendText(context.Background(), "79990001122", "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "tok123" {
		t.Fatalf("got auth %q", gotAuth)
	}
	if gotProfile != "profile-1" {
		t.Fatalf("got profile_id %q", gotProfile)
	}
}

func TestSendFileByURLPollsTaskUntilDelivered(t *testing.T) {
	var taskRequests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tapi/async/message/file/url/send":
			w.Write([]byte(`{"task_id":"task-1"}`))
		case "/tapi/task/get":
			taskRequests++
			if taskRequests < 3 {
				w.Write([]byte(`{"status":"pending"}`))
				return
			}
			w.Write([]byte(`{"status":"delivered"}`))
		}
	}))
	defer srv.Close()

	c := New("tok", "p1", nil)
	c.baseURL = srv.URL
	c.pollInterval = time.Millisecond
	c.pollTimeout = time.Second

	if err := c.SendFileByURL(context.Background(), "79990001122", "https://x/file.pdf", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taskRequests != 3 {
		t.Fatalf("expected 3 poll attempts, got %d", taskRequests)
	}
}

func TestSendFileByURLSurfacesTerminalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tapi/async/message/file/url/send":
			w.Write([]byte(`{"task_id":"task-1"}`))
		case "/tapi/task/get":
			w.Write([]byte(`{"status":"error"}`))
		}
	}))
	defer srv.Close()

	c := New("tok", "p1", nil)
	c.baseURL = srv.URL
	c.pollInterval = time.Millisecond
	c.pollTimeout = time.Second

	err := c.SendFileByURL(context.Background(), "79990001122", "https://x/file.pdf", "", "")
	if err == nil {
		t.Fatal("expected error for terminal task failure")
	}
}

func TestGetOrCreateContactReturnsExistingContact(t *testing.T) {
	var createCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tapi/sync/contact/get":
			w.Write([]byte(`{"contact":{"id":"c1","name":"Jane"}}`))
		case "/tapi/sync/contact/add":
			createCalled = true
		}
	}))
	defer srv.Close()

	c := New("tok", "p1", nil)
	c.baseURL = srv.URL
	info, created, err := c.GetOrCreateContact(context.Background(), "79990001122", "Jane")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || info.ID != "c1" {
		t.Fatalf("expected existing contact c1, got %+v created=%v", info, created)
	}
	if createCalled {
		t.Fatal("expected no create call when contact already exists")
	}
}

func TestGetInstanceStateMapsKnownStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"logged_out"}`))
	}))
	defer srv.Close()

	c := New("tok", "p1", nil)
	c.baseURL = srv.URL
	state, err := c.GetInstanceState(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != "notAuthorized" {
		t.Fatalf("got %q", state)
	}
}
