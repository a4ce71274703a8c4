package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockLedger(t *testing.T) (*SQLiteLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS intent_ledger")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS intent_ledger_expires_at")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	l, err := NewSQLiteLedger(db)
	require.NoError(t, err)
	return l.WithClock(func() time.Time { return time.UnixMilli(1700000000000) }), mock
}

func TestSQLiteMarkUsedWrapsDBError(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE intent_ledger SET consumed = 1")).
		WithArgs(int64(1700000000000), "a", int64(1700000000000)).
		WillReturnError(errors.New("disk I/O error"))

	ok, err := l.MarkUsed(context.Background(), "a")
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark intent a used: disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteRetrieveCorruptEntry(t *testing.T) {
	l, mock := newMockLedger(t)
	rows := sqlmock.NewRows([]string{"intent", "signature", "consumed", "stored_at", "expires_at"}).
		AddRow("{not json", "sig", 0, 1, 2)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT intent, signature, consumed, stored_at, expires_at")).
		WithArgs("a", int64(1700000000000)).
		WillReturnRows(rows)

	entry, err := l.Retrieve(context.Background(), "a")
	assert.Nil(t, entry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger entry a corrupt")
}

func TestSQLiteMigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS intent_ledger")).
		WillReturnError(errors.New("read-only database"))

	_, err = NewSQLiteLedger(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create intent_ledger")
}
