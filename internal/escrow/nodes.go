package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/intent"
	"hypernode-facilitator/internal/models"
)

// NodeID derives the node identifier owned by authority.
func NodeID(authority string) string {
	sum := sha256.Sum256([]byte(authority))
	return "node-" + hex.EncodeToString(sum[:])[:16]
}

// RegisterNode creates the active node owned by authority.
func (m *Machine) RegisterNode(ctx context.Context, authority string, stake uint64) (models.NodeRecord, error) {
	if _, err := intent.ParseIdentity(authority); err != nil {
		return models.NodeRecord{}, apperr.Wrap(apperr.CodeInvalidRequest, err, "node authority")
	}
	node := models.NodeRecord{
		NodeID:       NodeID(authority),
		Authority:    authority,
		StakeAmount:  stake,
		IsActive:     true,
		RegisteredAt: m.now(),
	}
	if err := m.repo.CreateNode(ctx, node); err != nil {
		return models.NodeRecord{}, err
	}
	m.log.Info().Str("node_id", node.NodeID).Uint64("stake", stake).Msg("node registered")
	return node, nil
}

func (m *Machine) GetNode(ctx context.Context, nodeID string) (models.NodeRecord, error) {
	return m.repo.GetNode(ctx, nodeID)
}

// WithdrawRewards pays amount of the node's pending reward to its authority.
func (m *Machine) WithdrawRewards(ctx context.Context, nodeID, requester string, amount uint64) (models.NodeRecord, error) {
	if amount == 0 {
		return models.NodeRecord{}, apperr.New(apperr.CodeInvalidAmount, "withdrawal amount must be positive")
	}
	return m.repo.UpdateNode(ctx, nodeID, func(ctx context.Context, n models.NodeRecord) (models.NodeRecord, error) {
		if requester != n.Authority {
			return n, apperr.New(apperr.CodeNodeMismatch, "requester is not the node authority")
		}
		if amount > n.PendingReward {
			return n, apperr.New(apperr.CodeInsufficientEarnings, "pending reward %d is below %d", n.PendingReward, amount)
		}
		err := m.call(ctx, "withdraw", nodeID, func(ctx context.Context) error {
			return m.backend.Withdraw(ctx, models.RewardAccount(nodeID), n.Authority, amount)
		})
		if err != nil {
			return n, err
		}
		n.PendingReward -= amount
		return n, nil
	})
}

// DeactivateNode stops the node from receiving new settlements.
func (m *Machine) DeactivateNode(ctx context.Context, nodeID, requester string) (models.NodeRecord, error) {
	return m.repo.UpdateNode(ctx, nodeID, func(ctx context.Context, n models.NodeRecord) (models.NodeRecord, error) {
		if requester != n.Authority {
			return n, apperr.New(apperr.CodeNodeMismatch, "requester is not the node authority")
		}
		if !n.IsActive {
			return n, apperr.New(apperr.CodeNodeInactive, "node %s already inactive", nodeID)
		}
		n.IsActive = false
		return n, nil
	})
}
