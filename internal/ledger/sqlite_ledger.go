package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/models"
)

// SQLiteLedger is the embedded backend for single-node deployments.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and creates) the ledger database at path.
func OpenSQLite(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// A single connection serializes writers; the conditional UPDATE is the CAS.
	db.SetMaxOpenConns(1)
	l, err := NewSQLiteLedger(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewSQLiteLedger wraps db and ensures the schema exists.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db, now: time.Now}
	if err := l.migrate(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the time source.
func (l *SQLiteLedger) WithClock(now func() time.Time) *SQLiteLedger {
	l.now = now
	return l
}

func (l *SQLiteLedger) migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS intent_ledger (
			intent_id TEXT PRIMARY KEY,
			intent TEXT NOT NULL,
			signature TEXT NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0,
			stored_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			used_at INTEGER
		)`); err != nil {
		return fmt.Errorf("create intent_ledger: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS intent_ledger_expires_at ON intent_ledger (expires_at)`); err != nil {
		return fmt.Errorf("create intent_ledger index: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Store(ctx context.Context, pi models.PaymentIntent, signature string) error {
	raw, err := json.Marshal(pi)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO intent_ledger (intent_id, intent, signature, consumed, stored_at, expires_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (intent_id) DO NOTHING
	`, pi.IntentID, string(raw), signature, l.now().UnixMilli(), pi.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store intent %s: %w", pi.IntentID, err)
	}
	return nil
}

func (l *SQLiteLedger) Retrieve(ctx context.Context, intentID string) (*models.LedgerEntry, error) {
	var (
		entry    models.LedgerEntry
		raw      string
		consumed int
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT intent, signature, consumed, stored_at, expires_at
		FROM intent_ledger WHERE intent_id = ? AND expires_at > ?
	`, intentID, l.now().UnixMilli()).Scan(&raw, &entry.Signature, &consumed, &entry.StoredAt, &entry.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve intent %s: %w", intentID, err)
	}
	if err := json.Unmarshal([]byte(raw), &entry.Intent); err != nil {
		return nil, errCorrupt(intentID, err)
	}
	entry.Consumed = consumed == 1
	return &entry, nil
}

func (l *SQLiteLedger) IsUsed(ctx context.Context, intentID string) (bool, error) {
	var consumed int
	err := l.db.QueryRowContext(ctx, `SELECT consumed FROM intent_ledger WHERE intent_id = ?`, intentID).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read consumed flag %s: %w", intentID, err)
	}
	return consumed == 1, nil
}

func (l *SQLiteLedger) MarkUsed(ctx context.Context, intentID string) (bool, error) {
	now := l.now().UnixMilli()
	res, err := l.db.ExecContext(ctx, `
		UPDATE intent_ledger SET consumed = 1, used_at = ?
		WHERE intent_id = ? AND consumed = 0 AND expires_at > ?
	`, now, intentID, now)
	if err != nil {
		return false, fmt.Errorf("mark intent %s used: %w", intentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark intent %s used: %w", intentID, err)
	}
	if n == 1 {
		return true, nil
	}
	var expiresAt int64
	err = l.db.QueryRowContext(ctx, `SELECT expires_at FROM intent_ledger WHERE intent_id = ? AND consumed = 0`, intentID).Scan(&expiresAt)
	if err == nil && now >= expiresAt {
		return false, apperr.New(apperr.CodeExpired, "intent %s expired before consumption", intentID)
	}
	return false, nil
}

func (l *SQLiteLedger) Cleanup(ctx context.Context) (int, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM intent_ledger WHERE expires_at <= ?`, l.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup ledger: %w", err)
	}
	return int(n), nil
}

func (l *SQLiteLedger) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(consumed), 0)
		FROM intent_ledger
	`, l.now().UnixMilli()).Scan(&s.Total, &s.Active, &s.Used)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	return s, nil
}

func (l *SQLiteLedger) IsHealthy(ctx context.Context) bool {
	return l.db.PingContext(ctx) == nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
