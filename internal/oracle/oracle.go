// Package oracle independently confirms that paid work happened before funds
// move. It scores completion reports against the current settlement state,
// archives the evidence, signs an attestation and submits the usage proof.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"hypernode-facilitator/internal/models"
)

// Submitter is the settlement call surface the oracle drives.
type Submitter interface {
	SubmitUsageProof(ctx context.Context, sub models.ProofSubmission, oracleIdentity string) (models.SettlementResult, error)
}

// Archive keeps the evidence behind each accepted attestation.
type Archive interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Outcome describes one attestation attempt.
type Outcome struct {
	Verdict  Verdict
	Evidence string
	Result   *models.SettlementResult
}

type Oracle struct {
	eval    *Evaluator
	signer  *Signer
	submit  Submitter
	archive Archive
	log     zerolog.Logger
}

func New(eval *Evaluator, signer *Signer, submit Submitter, archive Archive, logger zerolog.Logger) *Oracle {
	return &Oracle{
		eval:    eval,
		signer:  signer,
		submit:  submit,
		archive: archive,
		log:     logger.With().Str("component", "oracle").Logger(),
	}
}

// Identity is the authority proofs are submitted under.
func (o *Oracle) Identity() string {
	return o.signer.Identity()
}

// Attest evaluates r and, when accepted, settles it. A rejected report
// returns an AttestationRejected error and leaves settlement state untouched;
// the caller may resubmit a corrected report.
func (o *Oracle) Attest(ctx context.Context, r models.CompletionReport) (Outcome, error) {
	verdict, err := o.eval.Evaluate(ctx, r)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Verdict: verdict}
	log := o.log.With().Str("intent_id", r.IntentID).Str("node_id", r.NodeID).Float64("score", verdict.Score).Logger()
	if err := verdict.Err(); err != nil {
		log.Info().Strs("failed", verdict.Failed()).Msg("report rejected")
		return out, err
	}

	out.Evidence, err = o.keepEvidence(ctx, r, verdict)
	if err != nil {
		return out, err
	}
	token, err := o.signer.Sign(r, verdict.Score)
	if err != nil {
		return out, err
	}
	res, err := o.submit.SubmitUsageProof(ctx, models.ProofSubmission{
		IntentID:      r.IntentID,
		NodeID:        r.NodeID,
		ExecutionHash: r.ExecutionHash,
		LogsHash:      r.LogsHash,
		Attestation:   token,
	}, o.signer.Identity())
	if err != nil {
		return out, fmt.Errorf("submit usage proof: %w", err)
	}
	out.Result = &res
	log.Info().Str("evidence", out.Evidence).Msg("report attested and settled")
	return out, nil
}

type evidenceRecord struct {
	Report  models.CompletionReport `json:"report"`
	Verdict Verdict                 `json:"verdict"`
	Oracle  string                  `json:"oracle"`
}

func (o *Oracle) keepEvidence(ctx context.Context, r models.CompletionReport, v Verdict) (string, error) {
	if o.archive == nil {
		return "", nil
	}
	if len(r.Logs) > 0 {
		if _, err := o.archive.Put(ctx, fmt.Sprintf("logs/%s/%s.log", r.IntentID, r.LogsHash), r.Logs, "text/plain"); err != nil {
			return "", fmt.Errorf("archive logs: %w", err)
		}
	}
	hash, err := ReportHash(r)
	if err != nil {
		return "", err
	}
	r.Logs = nil
	body, err := json.Marshal(evidenceRecord{Report: r, Verdict: v, Oracle: o.signer.Identity()})
	if err != nil {
		return "", fmt.Errorf("marshal evidence: %w", err)
	}
	loc, err := o.archive.Put(ctx, fmt.Sprintf("attestations/%s/%s.json", r.IntentID, hash), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("archive evidence: %w", err)
	}
	return loc, nil
}
