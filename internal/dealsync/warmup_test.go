package dealsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mbkchat/convhub/internal/agentorch"
	"github.com/mbkchat/convhub/internal/helpdesk"
	"github.com/mbkchat/convhub/internal/linkregistry"
)

func conversationRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"chatwoot_id", "last_message_id", "last_client_message_date", "agent_contact_sent",
		"next_meeting_datetime", "warmup_number", "last_warmup_date",
	})
}

func TestWarmupSweepNudgesStoppedConversation(t *testing.T) {
	var nudged bool
	oldMessage := time.Now().Add(-5 * 24 * time.Hour)
	helpdeskSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/accounts/1/conversations/900/messages":
			w.Write([]byte(`{"payload":[{"id":1,"content":"hi","message_type":0,"private":false,"created_at":` +
				strconv.FormatInt(oldMessage.Unix(), 10) + `}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/accounts/1/conversations/900/messages":
			nudged = true
			w.Write([]byte(`{"id":2}`))
		default:
			t.Fatalf("unexpected helpdesk call: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer helpdeskSrv.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT DISTINCT cw_conversation_id FROM deal_link").
		WillReturnRows(sqlmock.NewRows([]string{"cw_conversation_id"}).AddRow(900))
	mock.ExpectQuery("SELECT chatwoot_id, last_message_id, last_client_message_date, agent_contact_sent").
		WithArgs(900).
		WillReturnRows(conversationRow().AddRow(900, 1, nil, false, nil, 0, nil))
	mock.ExpectExec("INSERT INTO helpdesk_conversation").
		WithArgs(900, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	links := linkregistry.New(db)
	conversations := agentorch.NewConversationStore(db)
	hd := helpdesk.New(helpdeskSrv.URL, "tok", 1, nil, nil)

	sweep := NewWarmupSweep(links, conversations, hd, nil)
	sweep.sweepOnce(context.Background())

	if !nudged {
		t.Fatal("expected a warmup nudge to be sent")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWarmupSweepSkipsInsideCooldown(t *testing.T) {
	helpdeskSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected helpdesk call: %s %s", r.Method, r.URL.Path)
	}))
	defer helpdeskSrv.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	recentWarmup := time.Now().Add(-1 * time.Hour)
	mock.ExpectQuery("SELECT DISTINCT cw_conversation_id FROM deal_link").
		WillReturnRows(sqlmock.NewRows([]string{"cw_conversation_id"}).AddRow(900))
	mock.ExpectQuery("SELECT chatwoot_id, last_message_id, last_client_message_date, agent_contact_sent").
		WithArgs(900).
		WillReturnRows(conversationRow().AddRow(900, 1, nil, false, nil, 1, recentWarmup))

	links := linkregistry.New(db)
	conversations := agentorch.NewConversationStore(db)
	hd := helpdesk.New(helpdeskSrv.URL, "tok", 1, nil, nil)

	sweep := NewWarmupSweep(links, conversations, hd, nil)
	sweep.sweepOnce(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
