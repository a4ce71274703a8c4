// Package apperr defines the facilitator's error taxonomy. Callers match with
// errors.Is against the exported sentinels; two errors are equal when their
// codes are equal, regardless of message or wrapped cause.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code string

const (
	CodeMalformedPayment     Code = "malformed_payment"
	CodeInvalidSignature     Code = "invalid_signature"
	CodeSignerMismatch       Code = "signer_mismatch"
	CodeExpired              Code = "expired"
	CodeInsufficientAmount   Code = "insufficient_amount"
	CodeAssetMismatch        Code = "asset_mismatch"
	CodeAlreadyUsed          Code = "already_used"
	CodeAuthorizationFailed  Code = "authorization_failed"
	CodeUnauthorizedOracle   Code = "unauthorized_oracle"
	CodeNodeInactive         Code = "node_inactive"
	CodeNodeMismatch         Code = "node_mismatch"
	CodeDuplicateProof       Code = "duplicate_proof"
	CodeInvalidProofFormat   Code = "invalid_proof_format"
	CodeWrongState           Code = "wrong_state"
	CodeCannotCancel         Code = "cannot_cancel"
	CodeInvalidAmount        Code = "invalid_amount"
	CodeNotFound             Code = "not_found"
	CodeNodeExists           Code = "node_exists"
	CodeInsufficientEarnings Code = "insufficient_earnings"
	CodeAttestationRejected  Code = "attestation_rejected"
	CodeOutcomeUnknown       Code = "outcome_unknown"
	CodeInvalidRequest       Code = "invalid_request"
	CodeRateLimited          Code = "rate_limited"
	CodeInternal             Code = "internal"
)

// Error carries a Code plus optional detail and cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying cause.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the code of err, or CodeInternal if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Sentinels for errors.Is matching.
var (
	ErrMalformedPayment     = &Error{Code: CodeMalformedPayment}
	ErrInvalidSignature     = &Error{Code: CodeInvalidSignature}
	ErrSignerMismatch       = &Error{Code: CodeSignerMismatch}
	ErrExpired              = &Error{Code: CodeExpired}
	ErrInsufficientAmount   = &Error{Code: CodeInsufficientAmount}
	ErrAssetMismatch        = &Error{Code: CodeAssetMismatch}
	ErrAlreadyUsed          = &Error{Code: CodeAlreadyUsed}
	ErrAuthorizationFailed  = &Error{Code: CodeAuthorizationFailed}
	ErrUnauthorizedOracle   = &Error{Code: CodeUnauthorizedOracle}
	ErrNodeInactive         = &Error{Code: CodeNodeInactive}
	ErrNodeMismatch         = &Error{Code: CodeNodeMismatch}
	ErrDuplicateProof       = &Error{Code: CodeDuplicateProof}
	ErrInvalidProofFormat   = &Error{Code: CodeInvalidProofFormat}
	ErrWrongState           = &Error{Code: CodeWrongState}
	ErrCannotCancel         = &Error{Code: CodeCannotCancel}
	ErrInvalidAmount        = &Error{Code: CodeInvalidAmount}
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrNodeExists           = &Error{Code: CodeNodeExists}
	ErrInsufficientEarnings = &Error{Code: CodeInsufficientEarnings}
	ErrAttestationRejected  = &Error{Code: CodeAttestationRejected}
	ErrOutcomeUnknown       = &Error{Code: CodeOutcomeUnknown}
	ErrInvalidRequest       = &Error{Code: CodeInvalidRequest}
	ErrRateLimited          = &Error{Code: CodeRateLimited}
	ErrInternal             = &Error{Code: CodeInternal}
)

// Rejection reports whether the code is a "payment required / rejected" outcome
// that leaves no state behind.
func Rejection(code Code) bool {
	switch code {
	case CodeInvalidSignature, CodeSignerMismatch, CodeExpired, CodeInsufficientAmount,
		CodeAssetMismatch, CodeAlreadyUsed:
		return true
	}
	return false
}
