// Package intent builds payment intents and produces their canonical signing
// message and content hash. The signing message is the interoperability
// contract between clients and the facilitator: the same intent must always
// yield the same bytes.
package intent

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/models"
)

// DefaultTTL applies when New is called without a positive ttl.
const DefaultTTL = time.Hour

const (
	preamble  = "HyperNode Payment Authorization"
	footer    = "By signing you authorize escrow of the amount above. No on-chain transaction is sent."
	isoMillis = "2006-01-02T15:04:05.000Z"
)

// New creates an unsigned intent for client. It fails if amount is zero or
// does not fit a signed 64-bit integer.
func New(client string, amount uint64, jobID string, ttl time.Duration, metadata map[string]string) (models.PaymentIntent, error) {
	return NewAt(time.Now(), client, amount, jobID, ttl, metadata)
}

// NewAt is New with an explicit creation time.
func NewAt(now time.Time, client string, amount uint64, jobID string, ttl time.Duration, metadata map[string]string) (models.PaymentIntent, error) {
	if amount == 0 || amount > math.MaxInt64 {
		return models.PaymentIntent{}, apperr.New(apperr.CodeInvalidAmount, "amount must be between 1 and %d", int64(math.MaxInt64))
	}
	if client == "" {
		return models.PaymentIntent{}, apperr.New(apperr.CodeInvalidSignature, "client identity is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	nonce, err := newNonce()
	if err != nil {
		return models.PaymentIntent{}, err
	}
	created := now.UnixMilli()
	return models.PaymentIntent{
		IntentID:  uuid.New().String(),
		Client:    client,
		Amount:    amount,
		JobID:     jobID,
		CreatedAt: created,
		ExpiresAt: created + ttl.Milliseconds(),
		Nonce:     nonce,
		Metadata:  metadata,
	}, nil
}

// Validate checks structural invariants of an intent received from the wire.
func Validate(pi models.PaymentIntent) error {
	switch {
	case pi.IntentID == "":
		return apperr.New(apperr.CodeMalformedPayment, "intentId is required")
	case pi.Client == "":
		return apperr.New(apperr.CodeMalformedPayment, "client is required")
	case pi.Nonce == "":
		return apperr.New(apperr.CodeMalformedPayment, "nonce is required")
	case pi.Amount == 0:
		return apperr.New(apperr.CodeMalformedPayment, "amount must be greater than zero")
	case pi.Amount > math.MaxInt64:
		return apperr.New(apperr.CodeMalformedPayment, "amount exceeds %d", int64(math.MaxInt64))
	case pi.ExpiresAt <= pi.CreatedAt:
		return apperr.New(apperr.CodeMalformedPayment, "expiresAt must be after createdAt")
	}
	return nil
}

// SigningMessage renders the fixed human-readable message a client signs.
func SigningMessage(pi models.PaymentIntent) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Intent ID: %s\n", pi.IntentID)
	fmt.Fprintf(&b, "Job ID: %s\n", pi.JobID)
	fmt.Fprintf(&b, "Amount: %d\n", pi.Amount)
	fmt.Fprintf(&b, "Created At: %s\n", formatMillis(pi.CreatedAt))
	fmt.Fprintf(&b, "Expires At: %s\n", formatMillis(pi.ExpiresAt))
	fmt.Fprintf(&b, "Nonce: %s\n", pi.Nonce)
	b.WriteString("\n")
	b.WriteString(footer)
	return b.String()
}

// Hash returns the hex SHA-256 of the RFC 8785 canonical JSON of the intent.
// It identifies an intent in logs and audit rows; it is never signed.
func Hash(pi models.PaymentIntent) (string, error) {
	raw, err := json.Marshal(pi)
	if err != nil {
		return "", fmt.Errorf("marshal intent: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize intent: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(isoMillis)
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
