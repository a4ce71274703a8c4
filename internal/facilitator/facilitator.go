// Package facilitator sequences one payment cycle: decode and verify the
// signed intent, consume it, lock its funds and, once work is reported done,
// queue the completion for the oracle. It also owns the background sweeper
// and the consumers of settlement events.
package facilitator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/escrow"
	"hypernode-facilitator/internal/events"
	"hypernode-facilitator/internal/intent"
	"hypernode-facilitator/internal/ledger"
	"hypernode-facilitator/internal/models"
	"hypernode-facilitator/internal/oracle"
	"hypernode-facilitator/internal/queue"
	"hypernode-facilitator/internal/store"
	"hypernode-facilitator/internal/telemetry"
	"hypernode-facilitator/internal/verify"
)

// Settlement is the escrow machine's call surface.
type Settlement interface {
	Authorize(ctx context.Context, p models.PaymentPayload, signer string, req verify.Requirements) (models.EscrowRecord, error)
	Cancel(ctx context.Context, intentID, requester string) (models.EscrowRecord, error)
	Status(ctx context.Context, intentID string) (models.EscrowRecord, error)
	Stats(ctx context.Context) (map[models.EscrowStatus]int64, error)
	SweepExpired(ctx context.Context, limit int) (int, error)
	Reconcile(ctx context.Context, limit int) (escrow.ReconcileReport, error)

	RegisterNode(ctx context.Context, authority string, stake uint64) (models.NodeRecord, error)
	GetNode(ctx context.Context, nodeID string) (models.NodeRecord, error)
	WithdrawRewards(ctx context.Context, nodeID, requester string, amount uint64) (models.NodeRecord, error)
	DeactivateNode(ctx context.Context, nodeID, requester string) (models.NodeRecord, error)
}

// Attestations persists completion reports awaiting the oracle.
type Attestations interface {
	CreateAttestation(ctx context.Context, p store.CreateAttestationParams) (models.AttestationRequest, bool, error)
	PendingAttestations(ctx context.Context, dueBefore time.Time, limit int) ([]string, error)
}

// Enqueuer hands a stored attestation request to the oracle's queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, runAt time.Time) error
	EnsureQueued(ctx context.Context, id string) (bool, error)
	Depth(ctx context.Context) (queue.Depth, error)
}

// Auditor records and reads back what happened to an intent.
type Auditor interface {
	events.Auditor
	AuditTrail(ctx context.Context, intentID string) ([]models.AuditLog, error)
}

// Nonces makes signed operator requests single use.
type Nonces interface {
	Claim(ctx context.Context, key string, until time.Time) (bool, error)
}

// Limiter throttles authorize calls per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Deps are the collaborators a Facilitator is built from. Limiter and Nonces
// may be nil; without Nonces an operator request is only bounded by its expiry.
type Deps struct {
	Settlement   Settlement
	Ledger       ledger.Ledger
	Attestations Attestations
	Queue        Enqueuer
	Audit        Auditor
	Limiter      Limiter
	Nonces       Nonces
	Logger       zerolog.Logger
}

// Config is the facilitator's policy.
type Config struct {
	AssetID     string
	MaxAttempts int
	SweepBatch  int
	// OrphanGrace is how long a queued request may sit past its run time
	// before the sweeper checks that it is still on the queue.
	OrphanGrace time.Duration
}

type Facilitator struct {
	settle  Settlement
	ledger  ledger.Ledger
	attest  Attestations
	queue   Enqueuer
	audit   Auditor
	limiter Limiter
	nonces  Nonces
	log     zerolog.Logger
	cfg     Config
	dropped func() uint64
	now     func() time.Time
}

func New(deps Deps, cfg Config) *Facilitator {
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = time.Minute
	}
	return &Facilitator{
		settle:  deps.Settlement,
		ledger:  deps.Ledger,
		attest:  deps.Attestations,
		queue:   deps.Queue,
		audit:   deps.Audit,
		limiter: deps.Limiter,
		nonces:  deps.Nonces,
		log:     deps.Logger.With().Str("component", "facilitator").Logger(),
		cfg:     cfg,
		dropped: func() uint64 { return 0 },
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (f *Facilitator) WithClock(now func() time.Time) *Facilitator {
	f.now = now
	return f
}

// WithDropCounter reports dropped events in Stats.
func (f *Facilitator) WithDropCounter(fn func() uint64) *Facilitator {
	f.dropped = fn
	return f
}

// PaymentRequired describes the payment a protected resource expects.
func (f *Facilitator) PaymentRequired(resource, correlationID string, amount uint64, reason error) models.PaymentRequired {
	pr := models.PaymentRequired{
		Amount:        amount,
		Asset:         f.cfg.AssetID,
		Description:   fmt.Sprintf("Escrowed payment of %d %s for %s", amount, f.cfg.AssetID, resource),
		Resource:      resource,
		CorrelationID: correlationID,
	}
	if reason != nil {
		pr.Reason = string(apperr.CodeOf(reason))
	}
	return pr
}

// Authorize decodes a payment header and escrows its intent. The amount and
// asset in req are checked when set.
func (f *Facilitator) Authorize(ctx context.Context, header string, req verify.Requirements) (models.EscrowRecord, error) {
	rec, err := f.authorize(ctx, header, req)
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.CodeOf(err))
	}
	telemetry.AuthorizeOutcomes.WithLabelValues(outcome).Inc()
	return rec, err
}

func (f *Facilitator) authorize(ctx context.Context, header string, req verify.Requirements) (models.EscrowRecord, error) {
	payload, err := intent.DecodeHeader(header)
	if err != nil {
		return models.EscrowRecord{}, err
	}
	if f.limiter != nil {
		allowed, _, err := f.limiter.Allow(ctx, payload.Intent.Client)
		if err != nil {
			return models.EscrowRecord{}, fmt.Errorf("rate limit: %w", err)
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			return models.EscrowRecord{}, apperr.New(apperr.CodeRateLimited, "client %s is over its authorize rate", payload.Intent.Client)
		}
	}
	rec, err := f.settle.Authorize(ctx, payload, "", req)
	if err != nil {
		f.log.Info().Err(err).Str("intent_id", payload.Intent.IntentID).Msg("authorize refused")
		return rec, err
	}
	return rec, nil
}

// SubmitCompletion stores a completion report and queues it for attestation.
// Resubmitting an identical report returns the existing request, which is put
// back on the queue if it is still waiting; a report that was rejected or
// dead-lettered is queued again as new.
func (f *Facilitator) SubmitCompletion(ctx context.Context, r models.CompletionReport) (models.AttestationRequest, bool, error) {
	if r.IntentID == "" || r.NodeID == "" {
		return models.AttestationRequest{}, false, apperr.New(apperr.CodeInvalidRequest, "intentId and nodeId are required")
	}
	hash, err := oracle.ReportHash(r)
	if err != nil {
		return models.AttestationRequest{}, false, apperr.Wrap(apperr.CodeInvalidRequest, err, "completion report")
	}
	req, reused, err := f.attest.CreateAttestation(ctx, store.CreateAttestationParams{
		Report:      r,
		ReportHash:  hash,
		MaxAttempts: f.cfg.MaxAttempts,
	})
	if err != nil {
		return models.AttestationRequest{}, false, fmt.Errorf("store completion: %w", err)
	}
	if reused {
		if req.Status == models.AttestationQueued {
			if _, err := f.queue.EnsureQueued(ctx, req.ID); err != nil {
				return req, true, fmt.Errorf("enqueue completion: %w", err)
			}
		}
		return req, true, nil
	}
	if err := f.queue.Enqueue(ctx, req.ID, req.NextRunAt); err != nil {
		return req, false, fmt.Errorf("enqueue completion: %w", err)
	}
	telemetry.CompletionsQueued.Inc()
	if err := f.audit.AppendAudit(ctx, r.IntentID, "completion_queued", fmt.Sprintf("request=%s node=%s", req.ID, r.NodeID)); err != nil {
		f.log.Warn().Err(err).Str("intent_id", r.IntentID).Str("request_id", req.ID).Msg("audit write failed")
	}
	return req, false, nil
}

// Cancel refunds an intent on the signed request of its client.
func (f *Facilitator) Cancel(ctx context.Context, intentID, requester, signature string, auth intent.OperatorAuth) (models.EscrowRecord, error) {
	if err := f.checkOperator(ctx, requester, signature, intent.CancelMessage(intentID, auth), auth); err != nil {
		return models.EscrowRecord{}, err
	}
	return f.settle.Cancel(ctx, intentID, requester)
}

// Status is the read-only intent status query.
func (f *Facilitator) Status(ctx context.Context, intentID string) (models.EscrowRecord, error) {
	return f.settle.Status(ctx, intentID)
}

// AuditTrail returns the recorded history of an intent, oldest first.
func (f *Facilitator) AuditTrail(ctx context.Context, intentID string) ([]models.AuditLog, error) {
	if _, err := f.settle.Status(ctx, intentID); err != nil {
		return nil, err
	}
	trail, err := f.audit.AuditTrail(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	return trail, nil
}

// Node is the read-only node record query.
func (f *Facilitator) Node(ctx context.Context, nodeID string) (models.NodeRecord, error) {
	return f.settle.GetNode(ctx, nodeID)
}

// RegisterNode registers the node owned by the signing authority.
func (f *Facilitator) RegisterNode(ctx context.Context, authority string, stake uint64, signature string) (models.NodeRecord, error) {
	if err := checkSigned(authority, signature, intent.RegisterMessage(authority, stake)); err != nil {
		return models.NodeRecord{}, err
	}
	return f.settle.RegisterNode(ctx, authority, stake)
}

// Withdraw pays out pending rewards to the node's authority.
func (f *Facilitator) Withdraw(ctx context.Context, nodeID, requester string, amount uint64, signature string, auth intent.OperatorAuth) (models.NodeRecord, error) {
	if err := f.checkOperator(ctx, requester, signature, intent.WithdrawMessage(nodeID, amount, auth), auth); err != nil {
		return models.NodeRecord{}, err
	}
	return f.settle.WithdrawRewards(ctx, nodeID, requester, amount)
}

// Deactivate retires a node on the signed request of its authority.
func (f *Facilitator) Deactivate(ctx context.Context, nodeID, requester, signature string, auth intent.OperatorAuth) (models.NodeRecord, error) {
	if err := f.checkOperator(ctx, requester, signature, intent.DeactivateMessage(nodeID, auth), auth); err != nil {
		return models.NodeRecord{}, err
	}
	return f.settle.DeactivateNode(ctx, nodeID, requester)
}

// Stats aggregates escrow, ledger and queue counters.
type Stats struct {
	Escrows       map[models.EscrowStatus]int64 `json:"escrows"`
	Ledger        ledger.Stats                  `json:"ledger"`
	Queue         queue.Depth                   `json:"queue"`
	DroppedEvents uint64                        `json:"droppedEvents"`
}

func (f *Facilitator) Stats(ctx context.Context) (Stats, error) {
	escrows, err := f.settle.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("escrow stats: %w", err)
	}
	ls, err := f.ledger.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	depth, err := f.queue.Depth(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue depth: %w", err)
	}
	return Stats{Escrows: escrows, Ledger: ls, Queue: depth, DroppedEvents: f.dropped()}, nil
}

// Healthy reports whether the ledger backend answers.
func (f *Facilitator) Healthy(ctx context.Context) bool {
	return f.ledger.IsHealthy(ctx)
}

// checkOperator accepts a signed operator request once, and only before its
// expiry. The nonce is claimed after the signature checks out so a forged
// request cannot burn it.
func (f *Facilitator) checkOperator(ctx context.Context, identity, signature, message string, auth intent.OperatorAuth) error {
	if err := checkSigned(identity, signature, message); err != nil {
		return err
	}
	if err := auth.Check(f.now()); err != nil {
		return err
	}
	if f.nonces == nil {
		return nil
	}
	fresh, err := f.nonces.Claim(ctx, identity+":"+auth.Nonce, time.UnixMilli(auth.ExpiresAt))
	if err != nil {
		return err
	}
	if !fresh {
		return apperr.New(apperr.CodeAlreadyUsed, "request nonce %s was already used", auth.Nonce)
	}
	return nil
}

func checkSigned(identity, signature, message string) error {
	if identity == "" || signature == "" {
		return apperr.New(apperr.CodeInvalidSignature, "requester and signature are required")
	}
	ok, err := intent.Verify(identity, signature, []byte(message))
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidSignature, err, "requester signature")
	}
	if !ok {
		return apperr.New(apperr.CodeInvalidSignature, "signature does not match requester")
	}
	return nil
}
