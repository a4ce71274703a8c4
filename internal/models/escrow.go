package models

import (
	"time"
)

// EscrowStatus enumerates settlement states persisted in Postgres.
type EscrowStatus string

const (
	StatusPending    EscrowStatus = "pending"
	StatusAuthorized EscrowStatus = "authorized"
	StatusEscrowed   EscrowStatus = "escrowed"
	StatusVerified   EscrowStatus = "verified"
	StatusSettled    EscrowStatus = "settled"
	StatusCancelled  EscrowStatus = "cancelled"
	StatusExpired    EscrowStatus = "expired"
)

// Terminal reports whether no further transition can leave the status.
func (s EscrowStatus) Terminal() bool {
	switch s {
	case StatusSettled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Refundable reports whether funds may still go back to the client.
func (s EscrowStatus) Refundable() bool {
	return s == StatusAuthorized || s == StatusEscrowed
}

// EscrowRecord is one authorized and possibly settled payment.
// Amount is fixed at authorization and never changes.
type EscrowRecord struct {
	IntentID       string       `json:"intentId"`
	Client         string       `json:"client"`
	JobID          string       `json:"jobId"`
	Amount         uint64       `json:"amount"`
	Status         EscrowStatus `json:"status"`
	AssignedNodeID *string      `json:"assignedNodeId,omitempty"`
	ExpiresAt      int64        `json:"expiresAt"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	SettledAt      *time.Time   `json:"settledAt,omitempty"`
}

// ExpiredAt reports whether the record's intent deadline has passed at now.
func (r EscrowRecord) ExpiredAt(now time.Time) bool {
	return now.UnixMilli() >= r.ExpiresAt
}

// UsageProof attests that paid work was completed. At most one is accepted per intent.
type UsageProof struct {
	ProofID         string    `json:"proofId"`
	IntentID        string    `json:"intentId"`
	NodeID          string    `json:"nodeId"`
	ExecutionHash   string    `json:"executionHash"`
	LogsHash        string    `json:"logsHash"`
	OracleSignature string    `json:"oracleSignature"`
	SubmittedAt     time.Time `json:"submittedAt"`
	Verified        bool      `json:"verified"`
}

// ProofSubmission is what the oracle hands the settlement machine. Attestation
// is the oracle's signed token binding the other fields.
type ProofSubmission struct {
	IntentID      string `json:"intentId"`
	NodeID        string `json:"nodeId"`
	ExecutionHash string `json:"executionHash"`
	LogsHash      string `json:"logsHash"`
	Attestation   string `json:"attestation"`
}

// Attestation is the verified content of an oracle token.
type Attestation struct {
	Issuer        string  `json:"iss"`
	IntentID      string  `json:"intentId"`
	NodeID        string  `json:"nodeId"`
	ExecutionHash string  `json:"executionHash"`
	LogsHash      string  `json:"logsHash"`
	Score         float64 `json:"score"`
}

// SettlementResult is returned to the work layer after an accepted proof.
type SettlementResult struct {
	Record EscrowRecord `json:"record"`
	Proof  UsageProof   `json:"proof"`
	Payee  string       `json:"payee"`
}

// EventKind names a settlement machine transition.
type EventKind string

const (
	EventAuthorized EventKind = "authorized"
	EventSettled    EventKind = "settled"
	EventCancelled  EventKind = "cancelled"
	EventExpired    EventKind = "expired"
)

// SettlementEvent is pushed after every committed transition.
type SettlementEvent struct {
	Kind     EventKind `json:"kind"`
	IntentID string    `json:"intentId"`
	Client   string    `json:"client"`
	Amount   uint64    `json:"amount"`
	NodeID   string    `json:"nodeId,omitempty"`
	At       time.Time `json:"at"`
}

// AuditLog is one recorded step in an intent's history.
type AuditLog struct {
	IntentID string    `json:"intentId"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recordedAt"`
}
