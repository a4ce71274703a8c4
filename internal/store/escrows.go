package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/escrow"
	"hypernode-facilitator/internal/models"
)

var _ escrow.Repository = (*Store)(nil)

const escrowColumns = `intent_id, client, job_id, amount, status, assigned_node_id, expires_at, created_at, updated_at, settled_at`

func scanEscrow(row pgx.Row) (models.EscrowRecord, error) {
	var (
		rec     models.EscrowRecord
		status  string
		node    pgtype.Text
		settled pgtype.Timestamptz
	)
	if err := row.Scan(&rec.IntentID, &rec.Client, &rec.JobID, &rec.Amount, &status, &node, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt, &settled); err != nil {
		return models.EscrowRecord{}, err
	}
	rec.Status = models.EscrowStatus(status)
	rec.AssignedNodeID = textPtr(node)
	rec.SettledAt = timePtr(settled)
	return rec, nil
}

// CreateEscrow inserts a new record. The ledger's consume-once guard means a
// conflict here is an invariant violation.
func (s *Store) CreateEscrow(ctx context.Context, rec models.EscrowRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)
	`, rec.IntentID, rec.Client, rec.JobID, rec.Amount, string(rec.Status), rec.AssignedNodeID, rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (s *Store) GetEscrow(ctx context.Context, intentID string) (models.EscrowRecord, error) {
	rec, err := scanEscrow(s.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE intent_id = $1`, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EscrowRecord{}, apperr.New(apperr.CodeNotFound, "escrow %s", intentID)
	}
	if err != nil {
		return models.EscrowRecord{}, fmt.Errorf("scan escrow: %w", err)
	}
	return rec, nil
}

// Update locks the row with SELECT ... FOR UPDATE, runs fn and persists its
// mutation in the same transaction. Custody calls fn makes with the ctx it
// is handed run on that transaction too.
func (s *Store) Update(ctx context.Context, intentID string, fn escrow.UpdateFunc) (models.EscrowRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.EscrowRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rec, err := scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE intent_id = $1 FOR UPDATE`, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EscrowRecord{}, apperr.New(apperr.CodeNotFound, "escrow %s", intentID)
	}
	if err != nil {
		return models.EscrowRecord{}, fmt.Errorf("lock escrow: %w", err)
	}

	mut, err := fn(withTx(ctx, tx), rec)
	if err != nil {
		return models.EscrowRecord{}, err
	}
	if mut.IsZero() {
		return rec, nil
	}

	now := s.now()
	if mut.Proof != nil {
		p := mut.Proof
		tag, err := tx.Exec(ctx, `
			INSERT INTO usage_proofs (proof_id, intent_id, node_id, execution_hash, logs_hash, oracle_signature, submitted_at, verified)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
			ON CONFLICT (intent_id) DO NOTHING
		`, p.ProofID, p.IntentID, p.NodeID, p.ExecutionHash, p.LogsHash, p.OracleSignature, p.SubmittedAt)
		if err != nil {
			return models.EscrowRecord{}, fmt.Errorf("insert proof: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.EscrowRecord{}, apperr.New(apperr.CodeDuplicateProof, "intent %s already has a proof", intentID)
		}
	}

	if mut.Status != "" {
		rec.Status = mut.Status
	}
	if mut.AssignNode != "" {
		node := mut.AssignNode
		rec.AssignedNodeID = &node
	}
	rec.UpdatedAt = now
	if rec.Status == models.StatusSettled && rec.SettledAt == nil {
		rec.SettledAt = &now
		if _, err := tx.Exec(ctx, `UPDATE usage_proofs SET verified = TRUE WHERE intent_id = $1`, intentID); err != nil {
			return models.EscrowRecord{}, fmt.Errorf("verify proof: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE escrows SET status = $2, assigned_node_id = $3, updated_at = $4, settled_at = $5
		WHERE intent_id = $1
	`, intentID, string(rec.Status), rec.AssignedNodeID, rec.UpdatedAt, rec.SettledAt); err != nil {
		return models.EscrowRecord{}, fmt.Errorf("update escrow: %w", err)
	}

	if c := mut.Credit; c != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE nodes
			SET total_earned = total_earned + $2, pending_reward = pending_reward + $2, jobs_completed = jobs_completed + 1
			WHERE node_id = $1
		`, c.NodeID, c.Amount)
		if err != nil {
			return models.EscrowRecord{}, fmt.Errorf("credit node: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.EscrowRecord{}, apperr.New(apperr.CodeInternal, "credited node %s does not exist", c.NodeID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.EscrowRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *Store) ListByStatus(ctx context.Context, status models.EscrowStatus, limit int) ([]models.EscrowRecord, error) {
	return s.listEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows WHERE status = $1 ORDER BY updated_at LIMIT $2
	`, string(status), limit)
}

func (s *Store) ListExpirable(ctx context.Context, nowMs int64, limit int) ([]models.EscrowRecord, error) {
	return s.listEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status IN ('authorized', 'escrowed') AND expires_at <= $1
		ORDER BY expires_at LIMIT $2
	`, nowMs, limit)
}

func (s *Store) listEscrows(ctx context.Context, query string, args ...any) ([]models.EscrowRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query escrows: %w", err)
	}
	defer rows.Close()
	var out []models.EscrowRecord
	for rows.Next() {
		rec, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[models.EscrowStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM escrows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count escrows: %w", err)
	}
	defer rows.Close()
	out := map[models.EscrowStatus]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan escrow count: %w", err)
		}
		out[models.EscrowStatus(status)] = n
	}
	return out, rows.Err()
}

// GetProof returns nil when no proof was accepted for the intent.
func (s *Store) GetProof(ctx context.Context, intentID string) (*models.UsageProof, error) {
	var p models.UsageProof
	err := s.pool.QueryRow(ctx, `
		SELECT proof_id, intent_id, node_id, execution_hash, logs_hash, oracle_signature, submitted_at, verified
		FROM usage_proofs WHERE intent_id = $1
	`, intentID).Scan(&p.ProofID, &p.IntentID, &p.NodeID, &p.ExecutionHash, &p.LogsHash, &p.OracleSignature, &p.SubmittedAt, &p.Verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan proof: %w", err)
	}
	return &p, nil
}
