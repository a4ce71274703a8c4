package models

import "time"

// PaymentIntent is one signed authorization request. Timestamps are Unix
// milliseconds. Metadata is not covered by the signing message and is carried
// through without interpretation.
type PaymentIntent struct {
	IntentID  string            `json:"intentId"`
	Client    string            `json:"client"`
	Amount    uint64            `json:"amount"`
	JobID     string            `json:"jobId"`
	CreatedAt int64             `json:"createdAt"`
	ExpiresAt int64             `json:"expiresAt"`
	Nonce     string            `json:"nonce"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ExpiresTime returns ExpiresAt as a time.Time.
func (p PaymentIntent) ExpiresTime() time.Time {
	return time.UnixMilli(p.ExpiresAt)
}

// ExpiredAt reports whether the intent is past its deadline at now.
func (p PaymentIntent) ExpiredAt(now time.Time) bool {
	return now.UnixMilli() >= p.ExpiresAt
}

// PaymentPayload is the decoded content of the payment request header.
type PaymentPayload struct {
	Intent    PaymentIntent `json:"intent"`
	Signature string        `json:"signature"`
}

// LedgerEntry is the intent ledger's view of a stored intent.
type LedgerEntry struct {
	Intent    PaymentIntent `json:"intent"`
	Signature string        `json:"signature"`
	Consumed  bool          `json:"consumed"`
	StoredAt  int64         `json:"storedAt"`
	ExpiresAt int64         `json:"expiresAt"`
}

// PaymentRequired is returned whenever a protected request carries no valid payment.
type PaymentRequired struct {
	Amount        uint64 `json:"amount"`
	Asset         string `json:"asset"`
	Description   string `json:"description"`
	Resource      string `json:"resource"`
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason,omitempty"`
}
