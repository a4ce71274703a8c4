package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/config"
	"hypernode-facilitator/internal/models"
	"hypernode-facilitator/internal/oracle"
	"hypernode-facilitator/internal/queue"
	"hypernode-facilitator/internal/telemetry"
)

// Store persists attestation requests and the audit trail.
type Store interface {
	GetAttestation(ctx context.Context, id string) (models.AttestationRequest, error)
	MarkLeased(ctx context.Context, id string, attempts int) error
	MarkAccepted(ctx context.Context, id string) error
	MarkRejected(ctx context.Context, id, reason string) error
	MarkDeadLetter(ctx context.Context, id, lastError string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	AppendAudit(ctx context.Context, intentID, event, detail string) error
}

// Queue is the lease-based attestation queue.
type Queue interface {
	PromoteScheduled(ctx context.Context, limit int64) (int, error)
	RequeueExpired(ctx context.Context, limit int64) (int, error)
	Depth(ctx context.Context) (queue.Depth, error)
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, id string) error
	Schedule(ctx context.Context, id string, runAt time.Time) error
	DLQPush(ctx context.Context, id string) error
}

// Attester evaluates a report and settles it when accepted.
type Attester interface {
	Attest(ctx context.Context, r models.CompletionReport) (oracle.Outcome, error)
}

// Processor drives the oracle's attestation loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	store    Store
	attester Attester
	limiter  *rate.Limiter
	log      zerolog.Logger
	now      func() time.Time
}

func NewProcessor(cfg config.Config, q Queue, st Store, attester Attester, logger zerolog.Logger) *Processor {
	limit := rate.Inf
	if cfg.OracleSubmitRPS > 0 {
		limit = rate.Limit(cfg.OracleSubmitRPS)
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		attester: attester,
		limiter:  rate.NewLimiter(limit, 1),
		log:      logger.With().Str("component", "attestation-worker").Logger(),
		now:      time.Now,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.Step(ctx)
		if err != nil {
			p.log.Error().Err(err).Msg("attestation step failed")
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// Step reclaims expired leases and promotes due retries, then processes at
// most one request. It reports whether a request was taken.
func (p *Processor) Step(ctx context.Context) (bool, error) {
	if _, err := p.queue.PromoteScheduled(ctx, 100); err != nil {
		return false, fmt.Errorf("promote scheduled: %w", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, 100); err != nil {
		return false, fmt.Errorf("requeue expired: %w", err)
	} else if reclaimed > 0 {
		p.log.Warn().Int("count", reclaimed).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth.Ready))
		telemetry.InFlightGauge.Set(float64(depth.InFlight))
	}

	id, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if id == "" {
		return false, nil
	}

	req, err := p.store.GetAttestation(ctx, id)
	if err != nil {
		_ = p.queue.Ack(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			return true, nil
		}
		return true, err
	}
	switch req.Status {
	case models.AttestationAccepted, models.AttestationRejected, models.AttestationDeadLettered:
		return true, p.queue.Ack(ctx, id)
	}

	attempts := req.Attempts + 1
	_ = p.store.MarkLeased(ctx, id, attempts)
	if err := p.limiter.Wait(ctx); err != nil {
		return true, err
	}
	out, err := p.attester.Attest(ctx, req.Report)
	p.finish(ctx, req, attempts, out, err)
	return true, nil
}

func (p *Processor) finish(ctx context.Context, req models.AttestationRequest, attempts int, out oracle.Outcome, err error) {
	log := p.log.With().Str("request_id", req.ID).Str("intent_id", req.IntentID).Int("attempts", attempts).Logger()
	switch {
	case err == nil:
		_ = p.store.MarkAccepted(ctx, req.ID)
		_ = p.queue.Ack(ctx, req.ID)
		_ = p.store.AppendAudit(ctx, req.IntentID, "attestation_accepted", fmt.Sprintf("request=%s score=%.2f evidence=%s", req.ID, out.Verdict.Score, out.Evidence))
		telemetry.AttestationResults.WithLabelValues(telemetry.ResultAccepted).Inc()
		log.Info().Float64("score", out.Verdict.Score).Msg("attestation accepted")
		return

	case errors.Is(err, apperr.ErrOutcomeUnknown):
		// The proof is recorded; the release is finished by Reconcile, and a
		// retry here would only be rejected as a duplicate.
		_ = p.store.MarkAccepted(ctx, req.ID)
		_ = p.queue.Ack(ctx, req.ID)
		_ = p.store.AppendAudit(ctx, req.IntentID, "settlement_pending", err.Error())
		telemetry.AttestationResults.WithLabelValues(telemetry.ResultAccepted).Inc()
		log.Warn().Err(err).Msg("proof recorded, release outcome unknown")
		return

	case terminal(err):
		_ = p.store.MarkRejected(ctx, req.ID, err.Error())
		_ = p.queue.Ack(ctx, req.ID)
		_ = p.store.AppendAudit(ctx, req.IntentID, "attestation_rejected", err.Error())
		telemetry.AttestationResults.WithLabelValues(telemetry.ResultRejected).Inc()
		log.Info().Err(err).Msg("attestation rejected")
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := p.now().Add(backoff)
	_ = p.store.UpdateAttempts(ctx, req.ID, attempts, nextRun, err.Error())

	if attempts >= req.MaxAttempts || attempts >= p.cfg.MaxAttempts {
		_ = p.store.MarkDeadLetter(ctx, req.ID, err.Error())
		_ = p.queue.Ack(ctx, req.ID)
		_ = p.queue.DLQPush(ctx, req.ID)
		_ = p.store.AppendAudit(ctx, req.IntentID, "dead_letter", err.Error())
		telemetry.AttestationResults.WithLabelValues(telemetry.ResultDeadLetter).Inc()
		log.Error().Err(err).Msg("attestation dead-lettered")
		return
	}

	_ = p.queue.Ack(ctx, req.ID)
	_ = p.queue.Schedule(ctx, req.ID, nextRun)
	_ = p.store.AppendAudit(ctx, req.IntentID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.AttestationResults.WithLabelValues(telemetry.ResultRetry).Inc()
	log.Warn().Err(err).Dur("backoff", backoff).Msg("attestation retry scheduled")
}

// terminal reports whether resubmitting the same report cannot succeed.
func terminal(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeAttestationRejected, apperr.CodeDuplicateProof, apperr.CodeWrongState,
		apperr.CodeNodeInactive, apperr.CodeNodeMismatch, apperr.CodeInvalidProofFormat, apperr.CodeNotFound:
		return true
	}
	return false
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
