package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/models"
	"hypernode-facilitator/internal/verify"
)

// Authorize verifies the signed intent, consumes it in the ledger and locks its
// amount. signer defaults to the intent's client. On success the record is
// escrowed. A timed-out lock leaves the record authorized and returns
// apperr.ErrOutcomeUnknown; Status tells the caller what actually happened.
func (m *Machine) Authorize(ctx context.Context, p models.PaymentPayload, signer string, req verify.Requirements) (models.EscrowRecord, error) {
	pi := p.Intent
	if signer == "" {
		signer = pi.Client
	}
	res, err := m.verify.Verify(ctx, pi, p.Signature, signer, req)
	if err != nil {
		return models.EscrowRecord{}, fmt.Errorf("verify intent %s: %w", pi.IntentID, err)
	}
	if !res.Valid {
		return models.EscrowRecord{}, res.Err()
	}

	if err := m.ledger.Store(ctx, pi, p.Signature); err != nil {
		return models.EscrowRecord{}, err
	}
	ok, err := m.ledger.MarkUsed(ctx, pi.IntentID)
	if err != nil {
		return models.EscrowRecord{}, err
	}
	if !ok {
		return models.EscrowRecord{}, apperr.New(apperr.CodeAlreadyUsed, "intent %s already consumed", pi.IntentID)
	}

	now := m.now()
	rec := models.EscrowRecord{
		IntentID:  pi.IntentID,
		Client:    pi.Client,
		JobID:     pi.JobID,
		Amount:    pi.Amount,
		Status:    models.StatusAuthorized,
		ExpiresAt: pi.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.CreateEscrow(ctx, rec); err != nil {
		return models.EscrowRecord{}, fmt.Errorf("create escrow %s: %w", pi.IntentID, err)
	}
	return m.lock(ctx, pi.IntentID, false)
}

// lock moves an authorized record to escrowed. When confirmFirst is set the
// backend is asked whether an earlier, timed-out lock landed before retrying.
func (m *Machine) lock(ctx context.Context, intentID string, confirmFirst bool) (models.EscrowRecord, error) {
	var escrowed, insufficient bool
	rec, err := m.repo.Update(ctx, intentID, func(ctx context.Context, rec models.EscrowRecord) (Mutation, error) {
		if rec.Status != models.StatusAuthorized {
			return Mutation{}, nil
		}
		if confirmFirst {
			var locked bool
			err := m.call(ctx, "confirm lock", intentID, func(ctx context.Context) error {
				var err error
				locked, err = m.backend.Locked(ctx, intentID)
				return err
			})
			if err != nil {
				return Mutation{}, err
			}
			if locked {
				escrowed = true
				return Mutation{Status: models.StatusEscrowed}, nil
			}
		}
		err := m.call(ctx, "lock", intentID, func(ctx context.Context) error {
			return m.backend.Lock(ctx, intentID, rec.Client, rec.Amount)
		})
		if errors.Is(err, ErrInsufficientFunds) {
			insufficient = true
			return Mutation{Status: models.StatusCancelled}, nil
		}
		if err != nil {
			return Mutation{}, err
		}
		escrowed = true
		return Mutation{Status: models.StatusEscrowed}, nil
	})
	if err != nil {
		return models.EscrowRecord{}, err
	}
	if insufficient {
		m.log.Info().Str("intent_id", intentID).Str("client", rec.Client).Uint64("amount", rec.Amount).Msg("lock refused, escrow cancelled")
		return rec, apperr.New(apperr.CodeAuthorizationFailed, "client cannot cover %d", rec.Amount)
	}
	if escrowed {
		m.emit(models.EventAuthorized, rec)
	}
	return rec, nil
}

// SubmitUsageProof settles an escrowed record on the strength of an oracle
// attestation. Validation failures change nothing and may be retried. Once the
// proof is recorded the record is verified, and settlement completes in a
// second transition that Reconcile finishes if the release times out.
func (m *Machine) SubmitUsageProof(ctx context.Context, sub models.ProofSubmission, oracleIdentity string) (models.SettlementResult, error) {
	if oracleIdentity == "" || oracleIdentity != m.cfg.OracleIdentity {
		return models.SettlementResult{}, apperr.New(apperr.CodeUnauthorizedOracle, "identity %q is not the configured oracle", oracleIdentity)
	}
	claims, err := m.attest.VerifyAttestation(sub.Attestation)
	if err != nil {
		return models.SettlementResult{}, apperr.Wrap(apperr.CodeUnauthorizedOracle, err, "attestation token")
	}
	if claims.Issuer != oracleIdentity || claims.IntentID != sub.IntentID || claims.NodeID != sub.NodeID ||
		claims.ExecutionHash != sub.ExecutionHash || claims.LogsHash != sub.LogsHash {
		return models.SettlementResult{}, apperr.New(apperr.CodeUnauthorizedOracle, "attestation does not cover this submission")
	}
	if !isHash(sub.ExecutionHash) || !isHash(sub.LogsHash) {
		return models.SettlementResult{}, apperr.New(apperr.CodeInvalidProofFormat, "hashes must be 64 hex characters")
	}

	if _, err := m.current(ctx, sub.IntentID); err != nil {
		return models.SettlementResult{}, err
	}
	node, err := m.repo.GetNode(ctx, sub.NodeID)
	if errors.Is(err, apperr.ErrNotFound) || (err == nil && !node.IsActive) {
		return models.SettlementResult{}, apperr.New(apperr.CodeNodeInactive, "node %s is not registered and active", sub.NodeID)
	}
	if err != nil {
		return models.SettlementResult{}, err
	}
	prior, err := m.repo.GetProof(ctx, sub.IntentID)
	if err != nil {
		return models.SettlementResult{}, err
	}
	if prior != nil {
		return models.SettlementResult{}, apperr.New(apperr.CodeDuplicateProof, "intent %s already has proof %s", sub.IntentID, prior.ProofID)
	}

	proof := models.UsageProof{
		ProofID:         uuid.NewString(),
		IntentID:        sub.IntentID,
		NodeID:          sub.NodeID,
		ExecutionHash:   sub.ExecutionHash,
		LogsHash:        sub.LogsHash,
		OracleSignature: sub.Attestation,
		SubmittedAt:     m.now(),
	}
	_, err = m.repo.Update(ctx, sub.IntentID, func(ctx context.Context, rec models.EscrowRecord) (Mutation, error) {
		switch rec.Status {
		case models.StatusEscrowed:
		case models.StatusVerified, models.StatusSettled:
			return Mutation{}, apperr.New(apperr.CodeDuplicateProof, "intent %s is already %s", rec.IntentID, rec.Status)
		default:
			return Mutation{}, apperr.New(apperr.CodeWrongState, "escrow is %s, want %s", rec.Status, models.StatusEscrowed)
		}
		if rec.ExpiredAt(m.now()) {
			return Mutation{}, apperr.New(apperr.CodeWrongState, "escrow deadline has passed")
		}
		if rec.AssignedNodeID != nil && *rec.AssignedNodeID != sub.NodeID {
			return Mutation{}, apperr.New(apperr.CodeNodeMismatch, "escrow is assigned to %s", *rec.AssignedNodeID)
		}
		return Mutation{Status: models.StatusVerified, AssignNode: sub.NodeID, Proof: &proof}, nil
	})
	if err != nil {
		return models.SettlementResult{}, err
	}

	rec, err := m.settle(ctx, sub.IntentID)
	if err != nil {
		return models.SettlementResult{}, err
	}
	proof.Verified = true
	return models.SettlementResult{Record: rec, Proof: proof, Payee: models.RewardAccount(sub.NodeID)}, nil
}

// settle releases a verified record to its node and credits the node.
func (m *Machine) settle(ctx context.Context, intentID string) (models.EscrowRecord, error) {
	var settled bool
	rec, err := m.repo.Update(ctx, intentID, func(ctx context.Context, rec models.EscrowRecord) (Mutation, error) {
		if rec.Status != models.StatusVerified {
			return Mutation{}, nil
		}
		if rec.AssignedNodeID == nil {
			return Mutation{}, apperr.New(apperr.CodeInternal, "verified escrow %s has no node", intentID)
		}
		nodeID := *rec.AssignedNodeID
		err := m.call(ctx, "release", intentID, func(ctx context.Context) error {
			return m.backend.Release(ctx, intentID, models.RewardAccount(nodeID))
		})
		if err != nil {
			return Mutation{}, err
		}
		settled = true
		return Mutation{Status: models.StatusSettled, Credit: &Credit{NodeID: nodeID, Amount: rec.Amount}}, nil
	})
	if err != nil {
		return models.EscrowRecord{}, err
	}
	if settled {
		m.emit(models.EventSettled, rec)
	}
	return rec, nil
}

// Cancel refunds the client. Only the client may cancel, and only before a
// proof has been accepted.
func (m *Machine) Cancel(ctx context.Context, intentID, requester string) (models.EscrowRecord, error) {
	if _, err := m.current(ctx, intentID); err != nil {
		return models.EscrowRecord{}, err
	}
	var cancelled bool
	rec, err := m.repo.Update(ctx, intentID, func(ctx context.Context, rec models.EscrowRecord) (Mutation, error) {
		if requester == "" || requester != rec.Client {
			return Mutation{}, apperr.New(apperr.CodeCannotCancel, "requester is not the intent client")
		}
		if !rec.Status.Refundable() {
			return Mutation{}, apperr.New(apperr.CodeCannotCancel, "escrow is %s", rec.Status)
		}
		if err := m.call(ctx, "refund", intentID, func(ctx context.Context) error {
			return m.backend.Refund(ctx, intentID)
		}); err != nil {
			return Mutation{}, err
		}
		cancelled = true
		return Mutation{Status: models.StatusCancelled}, nil
	})
	if err != nil {
		return models.EscrowRecord{}, err
	}
	if cancelled {
		m.emit(models.EventCancelled, rec)
	}
	return rec, nil
}

// Expire refunds a refundable record whose deadline has passed. It is a no-op
// otherwise and reports whether this call made the transition.
func (m *Machine) Expire(ctx context.Context, intentID string) (bool, error) {
	var expired bool
	rec, err := m.repo.Update(ctx, intentID, func(ctx context.Context, rec models.EscrowRecord) (Mutation, error) {
		if !rec.Status.Refundable() || !rec.ExpiredAt(m.now()) {
			return Mutation{}, nil
		}
		if err := m.call(ctx, "refund", intentID, func(ctx context.Context) error {
			return m.backend.Refund(ctx, intentID)
		}); err != nil {
			return Mutation{}, err
		}
		expired = true
		return Mutation{Status: models.StatusExpired}, nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		m.emit(models.EventExpired, rec)
	}
	return expired, nil
}

// SweepExpired expires up to limit overdue records and returns how many moved.
func (m *Machine) SweepExpired(ctx context.Context, limit int) (int, error) {
	recs, err := m.repo.ListExpirable(ctx, m.now().UnixMilli(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expirable: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, rec := range recs {
		ok, err := m.Expire(ctx, rec.IntentID)
		if err != nil {
			m.log.Warn().Err(err).Str("intent_id", rec.IntentID).Msg("expire failed")
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// ReconcileReport counts what one Reconcile pass repaired.
type ReconcileReport struct {
	Settled  int `json:"settled"`
	Escrowed int `json:"escrowed"`
	Expired  int `json:"expired"`
}

// Reconcile finishes transitions interrupted by backend timeouts: verified
// records are released and authorized records are locked or expired.
func (m *Machine) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	var (
		report ReconcileReport
		errs   []error
	)
	verified, err := m.repo.ListByStatus(ctx, models.StatusVerified, limit)
	if err != nil {
		return report, fmt.Errorf("list verified: %w", err)
	}
	for _, rec := range verified {
		out, err := m.settle(ctx, rec.IntentID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if out.Status == models.StatusSettled {
			report.Settled++
		}
	}

	authorized, err := m.repo.ListByStatus(ctx, models.StatusAuthorized, limit)
	if err != nil {
		return report, fmt.Errorf("list authorized: %w", err)
	}
	for _, rec := range authorized {
		if rec.ExpiredAt(m.now()) {
			ok, err := m.Expire(ctx, rec.IntentID)
			if err != nil {
				errs = append(errs, err)
			} else if ok {
				report.Expired++
			}
			continue
		}
		out, err := m.lock(ctx, rec.IntentID, true)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if out.Status == models.StatusEscrowed {
			report.Escrowed++
		}
	}
	if len(errs) > 0 {
		m.log.Warn().Int("failures", len(errs)).Msg("reconcile pass incomplete")
	}
	return report, errors.Join(errs...)
}

// Status returns the record after applying any due expiry.
func (m *Machine) Status(ctx context.Context, intentID string) (models.EscrowRecord, error) {
	return m.current(ctx, intentID)
}

// Stats counts records per status.
func (m *Machine) Stats(ctx context.Context) (map[models.EscrowStatus]int64, error) {
	return m.repo.CountByStatus(ctx)
}

func (m *Machine) current(ctx context.Context, intentID string) (models.EscrowRecord, error) {
	rec, err := m.repo.GetEscrow(ctx, intentID)
	if err != nil {
		return models.EscrowRecord{}, err
	}
	if !rec.Status.Refundable() || !rec.ExpiredAt(m.now()) {
		return rec, nil
	}
	if _, err := m.Expire(ctx, intentID); err != nil {
		return models.EscrowRecord{}, err
	}
	return m.repo.GetEscrow(ctx, intentID)
}

// call bounds a backend call. A deadline becomes OutcomeUnknown because the
// transfer may still have landed.
func (m *Machine) call(ctx context.Context, op, intentID string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.BackendTimeout)
	defer cancel()
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		m.log.Warn().Str("op", op).Str("intent_id", intentID).Msg("backend call timed out")
		return apperr.Wrap(apperr.CodeOutcomeUnknown, err, op+" "+intentID)
	}
	if errors.Is(err, ErrInsufficientFunds) {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, intentID, err)
}

func isHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
