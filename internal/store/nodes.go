package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/escrow"
	"hypernode-facilitator/internal/models"
)

const nodeColumns = `node_id, authority, stake_amount, total_earned, pending_reward, jobs_completed, is_active, registered_at`

func scanNode(row pgx.Row) (models.NodeRecord, error) {
	var n models.NodeRecord
	err := row.Scan(&n.NodeID, &n.Authority, &n.StakeAmount, &n.TotalEarned, &n.PendingReward, &n.JobsCompleted, &n.IsActive, &n.RegisteredAt)
	return n, err
}

func (s *Store) CreateNode(ctx context.Context, node models.NodeRecord) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`, node.NodeID, node.Authority, node.StakeAmount, node.TotalEarned, node.PendingReward, node.JobsCompleted, node.IsActive, node.RegisteredAt)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeNodeExists, "authority already owns node %s", node.NodeID)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (models.NodeRecord, error) {
	n, err := scanNode(s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = $1`, nodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NodeRecord{}, apperr.New(apperr.CodeNotFound, "node %s", nodeID)
	}
	if err != nil {
		return models.NodeRecord{}, fmt.Errorf("scan node: %w", err)
	}
	return n, nil
}

// UpdateNode runs fn with the node row locked and writes back the mutable fields.
func (s *Store) UpdateNode(ctx context.Context, nodeID string, fn escrow.NodeUpdateFunc) (models.NodeRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.NodeRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	n, err := scanNode(tx.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = $1 FOR UPDATE`, nodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NodeRecord{}, apperr.New(apperr.CodeNotFound, "node %s", nodeID)
	}
	if err != nil {
		return models.NodeRecord{}, fmt.Errorf("lock node: %w", err)
	}
	out, err := fn(withTx(ctx, tx), n)
	if err != nil {
		return models.NodeRecord{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE nodes SET pending_reward = $2, is_active = $3 WHERE node_id = $1
	`, nodeID, out.PendingReward, out.IsActive); err != nil {
		return models.NodeRecord{}, fmt.Errorf("update node: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.NodeRecord{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}
