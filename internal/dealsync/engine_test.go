package dealsync

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mbkchat/convhub/internal/crmclient"
	"github.com/mbkchat/convhub/internal/helpdesk"
	"github.com/mbkchat/convhub/internal/linkregistry"
)

type staticCRMResolver struct {
	portal string
	client *crmclient.Client
}

func (r staticCRMResolver) Client(portal string) (*crmclient.Client, bool) {
	if portal != r.portal {
		return nil, false
	}
	return r.client, true
}

func newCRMServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			t.Fatalf("unexpected CRM call: %s", r.URL.Path)
		}
		w.Write([]byte(body))
	}))
}

// newHelpdeskServer serves the handful of endpoints initLink/syncStage/
// syncTimelineComments touch for a single contact (id 55) with a single
// conversation (id 900). The messages endpoint answers GET with one page
// of history (terminating GetAllMessages's backward walk on the next,
// empty page) and records whether a POST (an outgoing private note) was
// sent.
func newHelpdeskServer(t *testing.T) (srv *httptest.Server, sentPrivateNote *bool) {
	t.Helper()
	var messagesExhausted bool
	var sent bool
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/accounts/1/contacts/search":
			w.Write([]byte(`{"payload":[{"id":55,"name":"Ivan"}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/accounts/1/contacts/55/conversations":
			w.Write([]byte(`{"payload":[{"id":900,"inbox_id":3}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/accounts/1/conversations/900/custom_attributes":
			w.Write([]byte(`{}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/accounts/1/conversations/900/messages":
			sent = true
			w.Write([]byte(`{"id":2}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/accounts/1/conversations/900/messages":
			if messagesExhausted {
				w.Write([]byte(`{"payload":[]}`))
				return
			}
			messagesExhausted = true
			w.Write([]byte(`{"payload":[{"id":1,"content":"hi","message_type":0,"private":false}]}`))
		default:
			t.Fatalf("unexpected helpdesk call: %s %s", r.Method, r.URL.Path)
		}
	}))
	return srv, &sent
}

func TestSyncDealLinksActiveConversationAndEnqueuesTranscription(t *testing.T) {
	crmSrv := newCRMServer(t, map[string]string{
		"/crm.deal.get.json":              `{"result":{"ID":"42","CATEGORY_ID":"3","CONTACT_ID":"7","STAGE_ID":"NEW","CLOSED":"N","ASSIGNED_BY_ID":"50","TITLE":"Acme deal"}}`,
		"/crm.contact.get.json":           `{"result":{"ID":"7","NAME":"Ivan","PHONE":[{"VALUE":"+7 999 111 22 33"}]}}`,
		"/crm.timeline.comment.list.json": `{"result":[]}`,
	})
	defer crmSrv.Close()
	crm := crmclient.NewWebhookClient("portal1", crmSrv.URL, nil)

	hdSrv, _ := newHelpdeskServer(t)
	defer hdSrv.Close()
	hd := helpdesk.New(hdSrv.URL, "tok", 1, nil, nil)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, bx_id, bx_portal").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO deal").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT id, bx_id, bx_portal").WillReturnRows(
		sqlmock.NewRows([]string{"id", "bx_id", "bx_portal", "bx_funnel_id", "bx_contact_id", "stage_id", "last_sync_comment_id", "last_transcribed_call"}).
			AddRow(1, 42, "portal1", "3", 7, "NEW", nil, nil),
	)
	mock.ExpectExec("INSERT INTO deal_link").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO transcription_job").WillReturnResult(sqlmock.NewResult(1, 1))

	deals := NewDealStore(db)
	links := linkregistry.New(db)
	engine := New(staticCRMResolver{portal: "portal1", client: crm}, hd, links, deals, nil)

	if err := engine.SyncDeal(context.Background(), "portal1", 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSyncDealStageChangeSendsPrivateNote(t *testing.T) {
	crmSrv := newCRMServer(t, map[string]string{
		"/crm.deal.get.json":              `{"result":{"ID":"42","CATEGORY_ID":"3","CONTACT_ID":"7","STAGE_ID":"WON","CLOSED":"N","ASSIGNED_BY_ID":"50","TITLE":"Acme deal"}}`,
		"/crm.contact.get.json":           `{"result":{"ID":"7","NAME":"Ivan","PHONE":[{"VALUE":"+7 999 111 22 33"}]}}`,
		"/crm.timeline.comment.list.json": `{"result":[]}`,
		"/crm.status.list.json":           `{"result":[{"NAME":"Won stage"}]}`,
	})
	defer crmSrv.Close()
	crm := crmclient.NewWebhookClient("portal1", crmSrv.URL, nil)

	hdSrv, sentNote := newHelpdeskServer(t)
	defer hdSrv.Close()
	hd := helpdesk.New(hdSrv.URL, "tok", 1, nil, nil)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	// Deal already exists with an older stage than the CRM's current one.
	mock.ExpectQuery("SELECT id, bx_id, bx_portal").WillReturnRows(
		sqlmock.NewRows([]string{"id", "bx_id", "bx_portal", "bx_funnel_id", "bx_contact_id", "stage_id", "last_sync_comment_id", "last_transcribed_call"}).
			AddRow(1, 42, "portal1", "3", 7, "NEW", nil, nil),
	)
	mock.ExpectExec("INSERT INTO deal_link").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE deal SET stage_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transcription_job").WillReturnResult(sqlmock.NewResult(1, 1))

	deals := NewDealStore(db)
	links := linkregistry.New(db)
	engine := New(staticCRMResolver{portal: "portal1", client: crm}, hd, links, deals, nil)

	if err := engine.SyncDeal(context.Background(), "portal1", 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !*sentNote {
		t.Fatal("expected a private stage-change note to be posted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNotifyResponsibleSkipsClosedDeals(t *testing.T) {
	crmSrv := newCRMServer(t, map[string]string{
		"/crm.deal.get.json": `{"result":{"ID":"42","CLOSED":"Y","ASSIGNED_BY_ID":"50"}}`,
	})
	defer crmSrv.Close()
	crm := crmclient.NewWebhookClient("portal1", crmSrv.URL, nil)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, bx_portal").WillReturnRows(
		sqlmock.NewRows([]string{"id", "bx_portal", "bx_deal_id", "cw_conversation_id", "cw_inbox_id", "cw_contact_id", "is_primary", "created_at"}).
			AddRow(1, "portal1", 42, 900, 3, 55, true, time.Now()),
	)

	links := linkregistry.New(db)
	engine := New(staticCRMResolver{portal: "portal1", client: crm}, nil, links, nil, nil)

	if err := engine.NotifyResponsible(context.Background(), 900, "[Мой контакт]"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
