package models

import "time"

// NodeRecord is a registered worker. One node exists per authority.
// TotalEarned only grows; PendingReward is what the authority may still withdraw.
type NodeRecord struct {
	NodeID        string    `json:"nodeId"`
	Authority     string    `json:"authority"`
	StakeAmount   uint64    `json:"stakeAmount"`
	TotalEarned   uint64    `json:"totalEarned"`
	PendingReward uint64    `json:"pendingReward"`
	JobsCompleted uint64    `json:"jobsCompleted"`
	IsActive      bool      `json:"isActive"`
	RegisteredAt  time.Time `json:"registeredAt"`
}

// RewardAccount is the custody account settlements for nodeID are released into.
func RewardAccount(nodeID string) string {
	return "reward:" + nodeID
}
