package models

import (
	"time"
)

// AttestationStatus enumerates lifecycle states of a queued completion report.
const (
	AttestationQueued       = "queued"
	AttestationLeased       = "leased"
	AttestationAccepted     = "accepted"
	AttestationRejected     = "rejected"
	AttestationDeadLettered = "dead_lettered"
)

// ResourceBounds are the limits a job declared up front.
type ResourceBounds struct {
	MaxDurationMs  int64 `json:"maxDurationMs"`
	MaxMemoryBytes int64 `json:"maxMemoryBytes"`
}

// CompletionReport is what a node submits after finishing paid work.
type CompletionReport struct {
	IntentID          string         `json:"intentId"`
	NodeID            string         `json:"nodeId"`
	ExecutionHash     string         `json:"executionHash"`
	LogsHash          string         `json:"logsHash"`
	Logs              []byte         `json:"logs,omitempty"`
	StartedAt         int64          `json:"startedAt"`
	FinishedAt        int64          `json:"finishedAt"`
	CPUMillis         int64          `json:"cpuMillis"`
	MemoryBytes       int64          `json:"memoryBytes"`
	Bounds            ResourceBounds `json:"bounds"`
	ClaimantSignature string         `json:"claimantSignature"`
}

// DurationMs is the wall-clock execution time claimed by the report.
func (r CompletionReport) DurationMs() int64 {
	return r.FinishedAt - r.StartedAt
}

// AttestationRequest is a persisted, queued completion report awaiting the oracle.
type AttestationRequest struct {
	ID          string           `json:"id"`
	IntentID    string           `json:"intentId"`
	NodeID      string           `json:"nodeId"`
	Report      CompletionReport `json:"report"`
	Status      string           `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"maxAttempts"`
	NextRunAt   time.Time        `json:"nextRunAt"`
	LastError   *string          `json:"lastError,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}
