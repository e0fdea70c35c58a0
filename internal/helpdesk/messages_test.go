package helpdesk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetAllMessagesDedupesAndSortsAscending(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		r.ParseForm()
		before := r.FormValue("before")
		switch {
		case before == "":
			w.Write([]byte(`{"payload":[{"id":5},{"id":4},{"id":3}]}`))
		case before == "3":
			w.Write([]byte(`{"payload":[{"id":3},{"id":2},{"id":1}]}`))
		default:
			w.Write([]byte(`{"payload":[]}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 1, nil, nil)
	msgs, err := c.GetAllMessages(context.Background(), 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 deduped messages, got %d", len(msgs))
	}
	for i := 0; i < len(msgs)-1; i++ {
		if msgs[i].ID > msgs[i+1].ID {
			t.Fatalf("expected ascending order, got %v", msgs)
		}
	}
}

type recordingNotifier struct {
	conversationID int
	marker         string
	called         bool
}

func (r *recordingNotifier) NotifyMarker(ctx context.Context, conversationID int, marker string) error {
	r.called = true
	r.conversationID = conversationID
	r.marker = marker
	return nil
}

func TestSendMessageTriggersMarkerNotification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":1,"content":"ok"}`))
	}))
	defer srv.Close()

	notifier := &recordingNotifier{}
	c := New(srv.URL, "tok", 1, notifier, nil)
	_, err := c.SendMessage(context.Background(), 42, "Давайте созвонимся завтра", 1, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !notifier.called {
		t.Fatal("expected marker notifier to fire")
	}
	if notifier.conversationID != 42 || notifier.marker != "созвон" {
		t.Fatalf("unexpected notify args: %+v", notifier)
	}
}

func TestSendMessageSkipsMarkerNotificationWhenPrivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	notifier := &recordingNotifier{}
	c := New(srv.URL, "tok", 1, notifier, nil)
	_, err := c.SendMessage(context.Background(), 42, "Давайте созвонимся завтра", 1, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.called {
		t.Fatal("expected no marker notification for a private message")
	}
}

func TestIsActiveConversationIgnoresPrivateAndSystem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.FormValue("before") != "" {
			w.Write([]byte(`{"payload":[]}`))
			return
		}
		w.Write([]byte(`{"payload":[{"id":1,"message_type":2},{"id":2,"private":true,"message_type":1}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 1, nil, nil)
	active, err := c.IsActiveConversation(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active {
		t.Fatal("expected conversation with only private/system messages to be inactive")
	}
}

func TestHasClientMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"payload":[{"id":1,"message_type":1},{"id":2,"message_type":0}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 1, nil, nil)
	has, err := c.HasClientMessage(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !has {
		t.Fatal("expected HasClientMessage to be true")
	}
}

func TestMessageTimestampHandlesEpochMillisAndISO(t *testing.T) {
	m1 := Message{CreatedAt: float64(1700000000000)}
	ts1, ok := messageTimestamp(m1)
	if !ok || ts1.Year() < 2023 {
		t.Fatalf("expected epoch-millis parsed, got %v ok=%v", ts1, ok)
	}

	m2 := Message{CreatedAt: "2024-01-01T00:00:00Z"}
	ts2, ok := messageTimestamp(m2)
	if !ok || ts2.Year() != 2024 {
		t.Fatalf("expected ISO8601 parsed, got %v ok=%v", ts2, ok)
	}
}
