package dealsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mbkchat/convhub/internal/agentorch"
	"github.com/mbkchat/convhub/internal/helpdesk"
)

func TestReminderSweepPostsNoteAndClearsMeeting(t *testing.T) {
	var sentNote bool
	helpdeskSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/accounts/1/conversations/900/messages" {
			sentNote = true
			w.Write([]byte(`{"id":1}`))
			return
		}
		t.Fatalf("unexpected helpdesk call: %s %s", r.Method, r.URL.Path)
	}))
	defer helpdeskSrv.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	nextMeeting := time.Now().Add(30 * time.Minute)
	mock.ExpectQuery("SELECT chatwoot_id, next_meeting_datetime FROM helpdesk_conversation").
		WillReturnRows(sqlmock.NewRows([]string{"chatwoot_id", "next_meeting_datetime"}).
			AddRow(900, nextMeeting))
	mock.ExpectExec("INSERT INTO helpdesk_conversation").
		WithArgs(900, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	conversations := agentorch.NewConversationStore(db)
	hd := helpdesk.New(helpdeskSrv.URL, "tok", 1, nil, nil)

	sweep := NewReminderSweep(conversations, hd, nil)
	sweep.sweepOnce(context.Background())

	if !sentNote {
		t.Fatal("expected a reminder note to be posted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReminderSweepSkipsWhenNoneDue(t *testing.T) {
	helpdeskSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected helpdesk call: %s %s", r.Method, r.URL.Path)
	}))
	defer helpdeskSrv.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT chatwoot_id, next_meeting_datetime FROM helpdesk_conversation").
		WillReturnRows(sqlmock.NewRows([]string{"chatwoot_id", "next_meeting_datetime"}))

	conversations := agentorch.NewConversationStore(db)
	hd := helpdesk.New(helpdeskSrv.URL, "tok", 1, nil, nil)

	sweep := NewReminderSweep(conversations, hd, nil)
	sweep.sweepOnce(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
