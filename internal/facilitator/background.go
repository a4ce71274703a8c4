package facilitator

import (
	"context"
	"fmt"
	"time"

	evbus "hypernode-facilitator/internal/events"
	"hypernode-facilitator/internal/models"
	"hypernode-facilitator/internal/telemetry"
)

// SweepReport summarises one sweeper pass.
type SweepReport struct {
	LedgerCleaned int
	Expired       int
	Settled       int
	Escrowed      int
	Requeued      int
}

// Sweep reclaims expired ledger entries, refunds expired escrows, finishes
// transitions interrupted by backend timeouts and puts stranded attestation
// requests back on the queue. Failures in one stage do not stop the others.
func (f *Facilitator) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		report   SweepReport
		firstErr error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n, err := f.ledger.Cleanup(ctx)
	keep(err)
	report.LedgerCleaned = n
	telemetry.LedgerCleaned.Add(float64(n))

	report.Expired, err = f.settle.SweepExpired(ctx, f.cfg.SweepBatch)
	keep(err)

	rec, err := f.settle.Reconcile(ctx, f.cfg.SweepBatch)
	keep(err)
	report.Settled = rec.Settled
	report.Escrowed = rec.Escrowed
	report.Expired += rec.Expired

	report.Requeued, err = f.RequeueOrphans(ctx)
	keep(err)

	return report, firstErr
}

// RequeueOrphans re-enqueues requests that are queued in Postgres but were
// due more than OrphanGrace ago and are absent from the Redis queue, as
// happens when Enqueue fails after the request was stored.
func (f *Facilitator) RequeueOrphans(ctx context.Context) (int, error) {
	ids, err := f.attest.PendingAttestations(ctx, f.now().Add(-f.cfg.OrphanGrace), f.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending attestations: %w", err)
	}
	n := 0
	for _, id := range ids {
		added, err := f.queue.EnsureQueued(ctx, id)
		if err != nil {
			return n, fmt.Errorf("requeue %s: %w", id, err)
		}
		if added {
			n++
		}
	}
	if n > 0 {
		f.log.Warn().Int("count", n).Msg("requeued orphaned attestation requests")
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (f *Facilitator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		report, err := f.Sweep(ctx)
		ev := f.log.Debug()
		if err != nil {
			ev = f.log.Warn().Err(err)
		} else if report != (SweepReport{}) {
			ev = f.log.Info()
		}
		ev.Int("ledger_cleaned", report.LedgerCleaned).
			Int("expired", report.Expired).
			Int("settled", report.Settled).
			Int("escrowed", report.Escrowed).
			Int("requeued", report.Requeued).
			Msg("sweep")
	}
}

// ConsumeEvents drains a settlement event subscription into the audit log and
// metrics. It returns when events is closed or ctx is done.
func (f *Facilitator) ConsumeEvents(ctx context.Context, events <-chan models.SettlementEvent) {
	evbus.Consume(ctx, events, f.audit, f.log)
}
