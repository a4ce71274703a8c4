package events

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"hypernode-facilitator/internal/models"
	"hypernode-facilitator/internal/telemetry"
)

// Auditor records what happened to an intent.
type Auditor interface {
	AppendAudit(ctx context.Context, intentID, event, detail string) error
}

// Consume drains a subscription into the audit log and settlement metrics. It
// returns when events is closed or ctx is done. Audit failures are logged and
// do not stop the loop.
func Consume(ctx context.Context, events <-chan models.SettlementEvent, audit Auditor, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			telemetry.ObserveEvent(ev)
			if err := audit.AppendAudit(ctx, ev.IntentID, string(ev.Kind), describe(ev)); err != nil {
				log.Warn().Err(err).Str("intent_id", ev.IntentID).Str("kind", string(ev.Kind)).Msg("audit write failed")
			}
		}
	}
}

func describe(ev models.SettlementEvent) string {
	detail := fmt.Sprintf("amount=%d", ev.Amount)
	if ev.NodeID != "" {
		detail += " node=" + ev.NodeID
	}
	return detail
}
