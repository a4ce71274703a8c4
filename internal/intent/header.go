package intent

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/models"
)

// HeaderName carries the encoded payment payload on protected requests.
const HeaderName = "X-PAYMENT"

// EncodeHeader serializes a signed intent into the opaque header token.
func EncodeHeader(p models.PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader parses the header token. Any failure is MalformedPayment, which
// callers must keep distinct from a bad signature.
func DecodeHeader(token string) (models.PaymentPayload, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.PaymentPayload{}, apperr.New(apperr.CodeMalformedPayment, "empty payment header")
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			return models.PaymentPayload{}, apperr.Wrap(apperr.CodeMalformedPayment, err, "decode base64")
		}
	}
	var p models.PaymentPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return models.PaymentPayload{}, apperr.Wrap(apperr.CodeMalformedPayment, err, "decode payload json")
	}
	if p.Signature == "" {
		return models.PaymentPayload{}, apperr.New(apperr.CodeMalformedPayment, "signature is required")
	}
	if err := Validate(p.Intent); err != nil {
		return models.PaymentPayload{}, err
	}
	return p, nil
}
