package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"hypernode-facilitator/internal/models"
)

// Store wraps pgxpool for Postgres persistence of escrows, nodes, custody
// balances and attestation requests.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether Postgres answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, intentID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (intent_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, intentID, event, detail)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", intentID, err)
	}
	return nil
}

// AuditTrail returns the audit rows of one intent, oldest first.
func (s *Store) AuditTrail(ctx context.Context, intentID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT intent_id, event, detail, ts FROM audit_logs WHERE intent_id = $1 ORDER BY ts, id
	`, intentID)
	if err != nil {
		return nil, fmt.Errorf("query audit %s: %w", intentID, err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.IntentID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
