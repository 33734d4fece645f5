package state

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: db}, mock
}

func TestPostgresStore_Get_Found(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte("payload"), nil)
	mock.ExpectQuery(`SELECT value, expires_at FROM kv_store WHERE key = \$1`).
		WithArgs("wf:1").
		WillReturnRows(rows)

	data, err := s.Get(context.Background(), "wf:1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("expected payload, got %q", data)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT value, expires_at FROM kv_store WHERE key = \$1`).
		WithArgs("missing").
		WillReturnError(errors.New("sql: no rows in result set"))

	if _, err := s.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgresStore_Set(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO kv_store`).
		WithArgs("wf:1", []byte("v"), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Set(context.Background(), "wf:1", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_CompareAndSwap_Success(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE kv_store SET value = \$1, updated_at = now\(\)`).
		WithArgs([]byte("new"), "wf:1", []byte("old")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.CompareAndSwap(context.Background(), "wf:1", []byte("old"), []byte("new"))
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if !ok {
		t.Fatal("expected swap to succeed")
	}
}

func TestPostgresStore_CompareAndSwap_Conflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE kv_store SET value = \$1, updated_at = now\(\)`).
		WithArgs([]byte("new"), "wf:1", []byte("stale")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.CompareAndSwap(context.Background(), "wf:1", []byte("stale"), []byte("new"))
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if ok {
		t.Fatal("expected swap to fail on stale expected value")
	}
}

func TestPostgresStore_CompareAndSwap_InsertOnly(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO kv_store \(key, value, updated_at\)`).
		WithArgs("lock:u1", []byte("v1")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.CompareAndSwap(context.Background(), "lock:u1", nil, []byte("v1"))
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if !ok {
		t.Fatal("expected insert-only CAS to succeed")
	}
}

func TestPostgresStore_ScanPrefix(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"key"}).AddRow("prefix:a").AddRow("prefix:b")
	mock.ExpectQuery(`SELECT key FROM kv_store`).
		WithArgs("prefix:%").
		WillReturnRows(rows)

	keys, err := s.ScanPrefix(context.Background(), "prefix:")
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}

func TestPostgresStore_Delete(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM kv_store WHERE key = \$1`).
		WithArgs("user_lock:u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Delete(context.Background(), "user_lock:u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
