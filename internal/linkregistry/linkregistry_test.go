package linkregistry

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLinkDealWithConversationIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO deal_link").
		WithArgs("portal1", 42, 7, 3, 100, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := New(db)
	if err := s.LinkDealWithConversation(context.Background(), "portal1", 42, 7, 3, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetPrimaryReturnsFalseWhenLinkMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	s := New(db)
	ok, err := s.SetPrimary(context.Background(), "portal1", 42, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected false for a non-existent link")
	}
}

func TestSetPrimaryClearsThenSets(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE deal_link SET is_primary = false").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE deal_link SET is_primary = true").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := New(db)
	ok, err := s.SetPrimary(context.Background(), "portal1", 42, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetSelectedConversationIdPrefersPrimary(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT cw_conversation_id FROM deal_link WHERE bx_portal = \\$1 AND bx_deal_id = \\$2 AND is_primary = true").
		WillReturnRows(sqlmock.NewRows([]string{"cw_conversation_id"}).AddRow(9))

	s := New(db)
	conv, ok, err := s.GetSelectedConversationId(context.Background(), "portal1", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || conv != 9 {
		t.Fatalf("expected primary conversation 9, got %d ok=%v", conv, ok)
	}
}

func TestGetSelectedConversationIdFallsBackToMostRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("AND is_primary = true").WillReturnRows(sqlmock.NewRows([]string{"cw_conversation_id"}))
	mock.ExpectQuery("ORDER BY created_at DESC").WillReturnRows(sqlmock.NewRows([]string{"cw_conversation_id"}).AddRow(11))

	s := New(db)
	conv, ok, err := s.GetSelectedConversationId(context.Background(), "portal1", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || conv != 11 {
		t.Fatalf("expected fallback conversation 11, got %d ok=%v", conv, ok)
	}
}

func TestGetLinksForDealOrdersPrimaryFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT id, bx_portal").WillReturnRows(
		sqlmock.NewRows([]string{"id", "bx_portal", "bx_deal_id", "cw_conversation_id", "cw_inbox_id", "cw_contact_id", "is_primary", "created_at"}).
			AddRow(1, "portal1", 42, 7, 3, 100, true, now).
			AddRow(2, "portal1", 42, 8, 3, 100, false, now),
	)

	s := New(db)
	links, err := s.GetLinksForDeal(context.Background(), "portal1", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(links) != 2 || !links[0].IsPrimary {
		t.Fatalf("expected primary link first, got %+v", links)
	}
}
