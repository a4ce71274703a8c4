package intent

import (
	"fmt"
	"time"

	"hypernode-facilitator/internal/apperr"
)

const (
	// DefaultOperatorTTL is how long a freshly signed operator request stays valid.
	DefaultOperatorTTL = 5 * time.Minute
	// MaxOperatorTTL bounds how far ahead an operator request may expire.
	MaxOperatorTTL = 15 * time.Minute
)

// OperatorAuth makes a signed cancel, withdraw or deactivate request single
// use and short lived. Both fields are part of the signed message.
type OperatorAuth struct {
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"expiresAt"`
}

// NewOperatorAuth draws a nonce and sets the expiry ttl from now.
func NewOperatorAuth(now time.Time, ttl time.Duration) (OperatorAuth, error) {
	if ttl <= 0 {
		ttl = DefaultOperatorTTL
	}
	nonce, err := newNonce()
	if err != nil {
		return OperatorAuth{}, err
	}
	return OperatorAuth{Nonce: nonce, ExpiresAt: now.Add(ttl).UnixMilli()}, nil
}

// Check rejects a request without a nonce, one already past its expiry and
// one expiring further ahead than MaxOperatorTTL.
func (a OperatorAuth) Check(now time.Time) error {
	switch {
	case a.Nonce == "":
		return apperr.New(apperr.CodeInvalidRequest, "nonce is required")
	case a.ExpiresAt <= now.UnixMilli():
		return apperr.New(apperr.CodeInvalidRequest, "request expired at %s", formatMillis(a.ExpiresAt))
	case a.ExpiresAt > now.Add(MaxOperatorTTL).UnixMilli():
		return apperr.New(apperr.CodeInvalidRequest, "request expiry is more than %s ahead", MaxOperatorTTL)
	}
	return nil
}

func (a OperatorAuth) footer() string {
	return fmt.Sprintf("\nNonce: %s\nExpires At: %s", a.Nonce, formatMillis(a.ExpiresAt))
}

// CancelMessage is what a client signs to cancel an authorized intent.
func CancelMessage(intentID string, a OperatorAuth) string {
	return fmt.Sprintf("%s\n\nCancel Intent ID: %s", preamble, intentID) + a.footer()
}

// WithdrawMessage is what a node authority signs to withdraw rewards.
func WithdrawMessage(nodeID string, amount uint64, a OperatorAuth) string {
	return fmt.Sprintf("HyperNode Reward Withdrawal\n\nNode ID: %s\nAmount: %d", nodeID, amount) + a.footer()
}

// DeactivateMessage is what a node authority signs to retire its node.
func DeactivateMessage(nodeID string, a OperatorAuth) string {
	return fmt.Sprintf("HyperNode Node Deactivation\n\nNode ID: %s", nodeID) + a.footer()
}

// RegisterMessage is what an authority signs to register its node. A replay
// can only fail with NodeExists, so it carries no nonce.
func RegisterMessage(authority string, stake uint64) string {
	return fmt.Sprintf("HyperNode Node Registration\n\nAuthority: %s\nStake: %d", authority, stake)
}
