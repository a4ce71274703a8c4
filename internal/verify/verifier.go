// Package verify decides whether a signature authorizes a payment intent.
// Verification never mutates state; consumption is a separate ledger call so a
// verification can be retried freely.
package verify

import (
	"context"
	"time"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/intent"
	"hypernode-facilitator/internal/models"
)

// UsageChecker is the read side of the intent ledger the verifier needs.
type UsageChecker interface {
	IsUsed(ctx context.Context, intentID string) (bool, error)
}

// Requirements are caller-supplied constraints. Zero values are not checked.
type Requirements struct {
	Amount uint64
	Asset  string
}

// Result is the outcome of a verification.
type Result struct {
	Valid  bool        `json:"valid"`
	Reason apperr.Code `json:"reason,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

// Err converts a failed result into an *apperr.Error, or nil when valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &apperr.Error{Code: r.Reason, Msg: r.Detail}
}

// Verifier runs the authorization checks in a fixed order.
type Verifier struct {
	ledger UsageChecker
	asset  string
	now    func() time.Time
}

// New builds a verifier. asset is the one asset this deployment escrows; the
// signing message does not name an asset, so every intent pays in it.
func New(ledger UsageChecker, asset string) *Verifier {
	return &Verifier{ledger: ledger, asset: asset, now: time.Now}
}

// WithClock overrides the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify reports the first failing check, or Valid. An error is returned only
// when the ledger cannot be consulted.
func (v *Verifier) Verify(ctx context.Context, pi models.PaymentIntent, signature, signer string, req Requirements) (Result, error) {
	ok, err := intent.Verify(signer, signature, []byte(intent.SigningMessage(pi)))
	if err != nil {
		return reject(apperr.CodeInvalidSignature, err.Error()), nil
	}
	if !ok {
		return reject(apperr.CodeInvalidSignature, "signature does not match signing message"), nil
	}
	if pi.Client != signer {
		return reject(apperr.CodeSignerMismatch, "intent client is not the signer"), nil
	}
	if pi.ExpiredAt(v.now()) {
		return reject(apperr.CodeExpired, "intent deadline has passed"), nil
	}
	if req.Amount > 0 && req.Amount > pi.Amount {
		return reject(apperr.CodeInsufficientAmount, "intent amount below required amount"), nil
	}
	if req.Asset != "" && req.Asset != v.asset {
		return reject(apperr.CodeAssetMismatch, "intent asset does not match required asset"), nil
	}
	used, err := v.ledger.IsUsed(ctx, pi.IntentID)
	if err != nil {
		return Result{}, err
	}
	if used {
		return reject(apperr.CodeAlreadyUsed, "intent already consumed"), nil
	}
	return Result{Valid: true}, nil
}

func reject(code apperr.Code, detail string) Result {
	return Result{Valid: false, Reason: code, Detail: detail}
}
