package transcription

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mbkchat/convhub/internal/crmclient"
	"github.com/mbkchat/convhub/internal/dealsync"
	"github.com/mbkchat/convhub/internal/eventmutex"
)

var sqlErrNoRows = sql.ErrNoRows

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

type fakeTranscriber struct{ text string }

func (f fakeTranscriber) TranscribeURL(ctx context.Context, url string) (string, error) {
	return f.text, nil
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

func TestTranscribeCallsForDealTranscribesAndPostsNewCall(t *testing.T) {
	crmSrv := newCRMServer(t, map[string]string{
		"/crm.activity.list.json":   `{"result":[{"ID":"900","SUBJECT":"Звонок","DIRECTION":"outbound","START_TIME":"2025-08-06T11:43:00+03:00","END_TIME":"2025-08-06T11:44:30+03:00","COMPLETED":"Y","STORAGE_ELEMENT_IDS":["77"]}]}`,
		"/disk.file.get.json":       `{"result":{"DOWNLOAD_URL":"https://disk/77.mp3"}}`,
		"/crm.timeline.comment.add.json": `{"result":12}`,
	})
	defer crmSrv.Close()
	crm := crmclient.NewWebhookClient("portal1", crmSrv.URL, nil)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	// event_lock acquire/release
	mock.ExpectQuery("INSERT INTO event_lock").WillReturnRows(
		sqlmock.NewRows([]string{"is_running"}).AddRow(true),
	)

	// deal lookup for the since-cursor
	mock.ExpectQuery("SELECT id, bx_id, bx_portal").WillReturnRows(
		sqlmock.NewRows([]string{"id", "bx_id", "bx_portal", "bx_funnel_id", "bx_contact_id", "stage_id", "last_sync_comment_id", "last_transcribed_call"}).
			AddRow(1, 42, "portal1", "3", 7, "NEW", nil, nil),
	)

	// ProcessedCall lookup miss, then upsert + mark sent
	mock.ExpectQuery("SELECT portal, deal_bx_id, call_id, transcribation, error, sent_to_bx").WillReturnError(sqlErrNoRows)
	mock.ExpectExec("INSERT INTO bx_processed_call").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE bx_processed_call SET sent_to_bx").WillReturnResult(sqlmock.NewResult(0, 1))

	// monotonic bump of last_transcribed_call
	mock.ExpectExec("UPDATE deal SET last_transcribed_call").WillReturnResult(sqlmock.NewResult(0, 1))

	// event_lock release
	mock.ExpectExec("UPDATE event_lock SET is_running = false").WillReturnResult(sqlmock.NewResult(0, 1))

	jobs := NewJobStore(db)
	calls := NewProcessedCallStore(db)
	deals := dealsync.NewDealStore(db)
	events := eventmutex.New(db)

	d := NewDispatcher(jobs, calls, deals, staticCRMResolver{portal: "portal1", client: crm}, events, fakeTranscriber{text: "привет, это по поводу заказа"}, nil)

	if err := d.TranscribeCallsForDeal(context.Background(), "portal1", 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTranscribeCallsForDealNoNewCallsIsANoop(t *testing.T) {
	crmSrv := newCRMServer(t, map[string]string{
		"/crm.activity.list.json": `{"result":[]}`,
	})
	defer crmSrv.Close()
	crm := crmclient.NewWebhookClient("portal1", crmSrv.URL, nil)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO event_lock").WillReturnRows(
		sqlmock.NewRows([]string{"is_running"}).AddRow(true),
	)
	mock.ExpectQuery("SELECT id, bx_id, bx_portal").WillReturnError(sqlErrNoRows)
	mock.ExpectExec("UPDATE event_lock SET is_running = false").WillReturnResult(sqlmock.NewResult(0, 1))

	jobs := NewJobStore(db)
	calls := NewProcessedCallStore(db)
	deals := dealsync.NewDealStore(db)
	events := eventmutex.New(db)

	d := NewDispatcher(jobs, calls, deals, staticCRMResolver{portal: "portal1", client: crm}, events, fakeTranscriber{}, nil)

	if err := d.TranscribeCallsForDeal(context.Background(), "portal1", 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTranscribeCallsForDealSkipsWhenLockHeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO event_lock").WillReturnError(sqlErrNoRows)

	jobs := NewJobStore(db)
	calls := NewProcessedCallStore(db)
	deals := dealsync.NewDealStore(db)
	events := eventmutex.New(db)

	d := NewDispatcher(jobs, calls, deals, staticCRMResolver{}, events, fakeTranscriber{}, nil)

	if err := d.TranscribeCallsForDeal(context.Background(), "portal1", 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

type failingTranscriber struct{}

func (failingTranscriber) TranscribeURL(ctx context.Context, url string) (string, error) {
	return "", errors.New("download recording: connection reset")
}

func TestTranscribeCallsForDealPropagatesRecordingFailure(t *testing.T) {
	crmSrv := newCRMServer(t, map[string]string{
		"/crm.activity.list.json": `{"result":[{"ID":"900","SUBJECT":"Звонок","DIRECTION":"outbound","START_TIME":"2025-08-06T11:43:00+03:00","END_TIME":"2025-08-06T11:44:30+03:00","COMPLETED":"Y","STORAGE_ELEMENT_IDS":["77"]}]}`,
		"/disk.file.get.json":     `{"result":{"DOWNLOAD_URL":"https://disk/77.mp3"}}`,
	})
	defer crmSrv.Close()
	crm := crmclient.NewWebhookClient("portal1", crmSrv.URL, nil)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO event_lock").WillReturnRows(
		sqlmock.NewRows([]string{"is_running"}).AddRow(true),
	)
	mock.ExpectQuery("SELECT id, bx_id, bx_portal").WillReturnError(sqlErrNoRows)
	// ProcessedCall lookup miss; the failed attempt must leave no row and
	// must not advance last_transcribed_call.
	mock.ExpectQuery("SELECT portal, deal_bx_id, call_id, transcribation, error, sent_to_bx").WillReturnError(sqlErrNoRows)
	mock.ExpectExec("UPDATE event_lock SET is_running = false").WillReturnResult(sqlmock.NewResult(0, 1))

	jobs := NewJobStore(db)
	calls := NewProcessedCallStore(db)
	deals := dealsync.NewDealStore(db)
	events := eventmutex.New(db)

	d := NewDispatcher(jobs, calls, deals, staticCRMResolver{portal: "portal1", client: crm}, events, failingTranscriber{}, nil)

	err = d.TranscribeCallsForDeal(context.Background(), "portal1", 42)
	if err == nil {
		t.Fatal("expected the recording failure to propagate")
	}
	if !strings.Contains(err.Error(), "handle call 900") {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunJobMarksRetryWhenRecordingFails(t *testing.T) {
	crmSrv := newCRMServer(t, map[string]string{
		"/crm.activity.list.json": `{"result":[{"ID":"900","SUBJECT":"Звонок","DIRECTION":"outbound","START_TIME":"2025-08-06T11:43:00+03:00","END_TIME":"2025-08-06T11:44:30+03:00","COMPLETED":"Y","STORAGE_ELEMENT_IDS":["77"]}]}`,
		"/disk.file.get.json":     `{"result":{"DOWNLOAD_URL":"https://disk/77.mp3"}}`,
	})
	defer crmSrv.Close()
	crm := crmclient.NewWebhookClient("portal1", crmSrv.URL, nil)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	// Claim: attempt 2 -> 3, status running.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, portal, deal_bx_id, status, attempt FROM transcription_job").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "portal", "deal_bx_id", "status", "attempt"}).
			AddRow(5, "portal1", 42, "retry", 2))
	mock.ExpectExec("UPDATE transcription_job SET status").
		WithArgs("running", 3, sqlmock.AnyArg(), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("INSERT INTO event_lock").WillReturnRows(
		sqlmock.NewRows([]string{"is_running"}).AddRow(true),
	)
	mock.ExpectQuery("SELECT id, bx_id, bx_portal").WillReturnError(sqlErrNoRows)
	mock.ExpectQuery("SELECT portal, deal_bx_id, call_id, transcribation, error, sent_to_bx").WillReturnError(sqlErrNoRows)
	mock.ExpectExec("UPDATE event_lock SET is_running = false").WillReturnResult(sqlmock.NewResult(0, 1))

	// The failed run must land in retry with the bumped attempt count.
	mock.ExpectExec("UPDATE transcription_job SET status").
		WithArgs("retry", sqlmock.AnyArg(), sqlmock.AnyArg(), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	jobs := NewJobStore(db)
	calls := NewProcessedCallStore(db)
	deals := dealsync.NewDealStore(db)
	events := eventmutex.New(db)

	d := NewDispatcher(jobs, calls, deals, staticCRMResolver{portal: "portal1", client: crm}, events, failingTranscriber{}, nil)

	var transitions []string
	d.OnTransition(func(jobID int, status string, attempt int) {
		transitions = append(transitions, status)
	})

	d.runJob(context.Background(), 5)

	if len(transitions) != 2 || transitions[0] != "running" || transitions[1] != "retry" {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBackoffMinutesCapsAtSixtyMinutes(t *testing.T) {
	cases := []struct{ attempt, minutes int }{
		{0, 1}, {1, 2}, {3, 8}, {6, 60}, {7, 60}, {12, 60},
	}
	for _, c := range cases {
		if got := backoffMinutes(c.attempt); got != c.minutes {
			t.Fatalf("backoffMinutes(%d) = %d, want %d", c.attempt, got, c.minutes)
		}
	}
}
