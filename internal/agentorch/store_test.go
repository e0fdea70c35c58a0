package agentorch

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSetLastMessageIDUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO helpdesk_conversation").
		WithArgs(42, 777).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewConversationStore(db)
	if err := s.SetLastMessageID(context.Background(), 42, 777); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLastMessageIDReportsNoRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT last_message_id FROM helpdesk_conversation").
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"last_message_id"}))

	s := NewConversationStore(db)
	_, ok, err := s.LastMessageID(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false when no row exists")
	}
}

func TestBumpWarmupIncrements(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO helpdesk_conversation").
		WithArgs(42, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewConversationStore(db)
	if err := s.BumpWarmup(context.Background(), 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTypingDelayCappedAndNonNegative(t *testing.T) {
	if d := TypingDelay(0, 10*time.Second); d != 0 {
		t.Fatalf("expected zero delay for empty reply, got %v", d)
	}
	if d := TypingDelay(100000, 0); d != maxTypingDelay {
		t.Fatalf("expected delay capped at %v, got %v", maxTypingDelay, d)
	}
	got := TypingDelay(200, 0)
	if got != 60*time.Second {
		t.Fatalf("expected 60s for 200 chars at 0 thinking, got %v", got)
	}
}

func TestVisibleCharCountExcludesFileLinks(t *testing.T) {
	text := "Вот файл https://example.com/plan.pdf спасибо"
	got := VisibleCharCount(text)
	want := len([]rune("Вот файл  спасибо"))
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}
