package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
)

func TestGetTx_NoTransaction(t *testing.T) {
	if tx := GetTx(context.Background()); tx != nil {
		t.Errorf("GetTx() = %v, want nil without a transaction", tx)
	}
}

func TestGetConn_PrefersContextTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectExec("SELECT 1").WillReturnResult(pgxmock.NewResult("SELECT", 1))

	ctx := setupMockContext(mock)
	conn := GetConn(ctx, nil)
	if conn == nil {
		t.Fatal("GetConn() returned nil with a transaction in context")
	}
	if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestWithTransaction_JoinsOuterTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	// A nil pool would make Begin panic, so reaching fn proves the nested
	// call joined the context transaction instead of opening its own.
	tm := NewTransactionManager(nil)
	ctx := setupMockContext(mock)

	called := false
	err = tm.WithTransaction(ctx, func(ctx context.Context) error {
		called = true
		if GetTx(ctx) == nil {
			t.Error("inner function lost the outer transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("inner function never ran")
	}
}
