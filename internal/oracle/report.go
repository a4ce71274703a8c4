package oracle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"hypernode-facilitator/internal/intent"
	"hypernode-facilitator/internal/models"
)

// ReportMessage is the canonical form of a completion report that the node
// authority signs. Raw logs and the signature itself are excluded; logs are
// bound through LogsHash.
func ReportMessage(r models.CompletionReport) ([]byte, error) {
	r.ClaimantSignature = ""
	r.Logs = nil
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize report: %w", err)
	}
	return canonical, nil
}

// ReportHash identifies a report for idempotent enqueueing.
func ReportHash(r models.CompletionReport) (string, error) {
	msg, err := ReportMessage(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(msg)
	return hex.EncodeToString(sum[:]), nil
}

// SignReport fills in the claimant signature.
func SignReport(key *intent.KeyPair, r models.CompletionReport) (models.CompletionReport, error) {
	msg, err := ReportMessage(r)
	if err != nil {
		return r, err
	}
	r.ClaimantSignature = key.Sign(msg)
	return r, nil
}

// HashLogs is the logsHash a node reports for raw logs.
func HashLogs(logs []byte) string {
	sum := sha256.Sum256(logs)
	return hex.EncodeToString(sum[:])
}
