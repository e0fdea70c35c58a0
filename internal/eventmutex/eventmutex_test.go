package eventmutex

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestAcquireSucceedsWhenNotRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO event_lock").
		WithArgs("deal.update:123", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"is_running"}).AddRow(true))

	s := New(db)
	ok, err := s.Acquire(context.Background(), "deal.update:123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected lock to be acquired")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAcquireFailsWhenAlreadyRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO event_lock").
		WithArgs("deal.update:123", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"is_running"}))

	s := New(db)
	ok, err := s.Acquire(context.Background(), "deal.update:123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected lock acquisition to fail when row is already running")
	}
}

func TestWithLockSkipsWhenAlreadyHeld(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO event_lock").
		WithArgs("deal.update:123", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"is_running"}))

	s := New(db)
	var ran bool
	ok, err := s.WithLock(context.Background(), "deal.update:123", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || ran {
		t.Fatal("expected fn not to run when lock is already held")
	}
}

func TestWithLockReleasesAndRecordsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("INSERT INTO event_lock").
		WithArgs("deal.update:123", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"is_running"}).AddRow(true))
	mock.ExpectExec("UPDATE event_lock").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "deal.update:123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	boom := errors.New("boom")
	ran, err := s.WithLock(context.Background(), "deal.update:123", func(ctx context.Context) error {
		return boom
	})
	if !ran {
		t.Fatal("expected fn to run")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error to surface, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
