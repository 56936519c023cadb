package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock")), mock
}

func invocationColumns() []string {
	return []string{"id", "cmdlet", "parameters", "stdout", "stderr", "exit_code", "duration_ms", "scim_user_id", "created_at"}
}

func TestStoreInsertReturnsID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO command_log").
		WithArgs("New-ADUser", []byte(`{"SamAccountName":"alice"}`), "{}", "", 0, int64(12), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	id, err := store.Insert(context.Background(), Invocation{
		Cmdlet:     "New-ADUser",
		Parameters: json.RawMessage(`{"SamAccountName":"alice"}`),
		Stdout:     "{}",
		ExitCode:   0,
		DurationMS: 12,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected id 7, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreQueryAppliesFilters(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	cmdlet := "Set-ADUser"
	userID := "abc"
	exitCode := 1

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM command_log WHERE 1=1 AND cmdlet = \$1 AND scim_user_id = \$2 AND exit_code = \$3`).
		WithArgs(cmdlet, userID, exitCode).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT \* FROM command_log WHERE 1=1 AND cmdlet = \$1 AND scim_user_id = \$2 AND exit_code = \$3 ORDER BY created_at DESC LIMIT \$4`).
		WithArgs(cmdlet, userID, exitCode, 50).
		WillReturnRows(sqlmock.NewRows(invocationColumns()).
			AddRow(1, cmdlet, []byte(`{}`), "", "Access is denied.", 1, 30, userID, now))

	invocations, total, err := store.Query(context.Background(), QueryParams{
		Cmdlet:     &cmdlet,
		ScimUserID: &userID,
		ExitCode:   &exitCode,
		Limit:      50,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(invocations) != 1 {
		t.Fatalf("expected one row, got %d/%d", total, len(invocations))
	}
	if invocations[0].Stderr != "Access is denied." {
		t.Fatalf("unexpected row: %+v", invocations[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
