package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hypernode-facilitator/internal/models"
)

var (
	once sync.Once

	AuthorizeOutcomes  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "facilitator_authorize_total", Help: "Authorize calls by outcome code"}, []string{"outcome"})
	SettlementEvents   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "facilitator_settlement_events_total", Help: "Committed escrow transitions by kind"}, []string{"kind"})
	SettledAmount      = prometheus.NewCounter(prometheus.CounterOpts{Name: "facilitator_settled_amount_total", Help: "Units released to nodes"})
	RefundedAmount     = prometheus.NewCounter(prometheus.CounterOpts{Name: "facilitator_refunded_amount_total", Help: "Units refunded to clients on cancel or expiry"})
	DroppedEvents      = prometheus.NewCounter(prometheus.CounterOpts{Name: "facilitator_events_dropped_total", Help: "Settlement events dropped for a slow subscriber"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "facilitator_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	LedgerCleaned      = prometheus.NewCounter(prometheus.CounterOpts{Name: "facilitator_ledger_cleaned_total", Help: "Expired intents removed from the ledger"})
	CompletionsQueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "facilitator_completions_enqueued_total", Help: "Completion reports queued for attestation"})
	AttestationResults = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "oracle_attestations_total", Help: "Attestation attempts by result"}, []string{"result"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "oracle_queue_depth", Help: "Ready attestation requests"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "oracle_inflight", Help: "Attestation requests currently leased"})
)

// Attestation results.
const (
	ResultAccepted   = "accepted"
	ResultRejected   = "rejected"
	ResultRetry      = "retry"
	ResultDeadLetter = "dead_letter"
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			AuthorizeOutcomes,
			SettlementEvents,
			SettledAmount,
			RefundedAmount,
			DroppedEvents,
			RateLimitRejects,
			LedgerCleaned,
			CompletionsQueued,
			AttestationResults,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}

// ObserveEvent records one committed transition.
func ObserveEvent(ev models.SettlementEvent) {
	SettlementEvents.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case models.EventSettled:
		SettledAmount.Add(float64(ev.Amount))
	case models.EventCancelled, models.EventExpired:
		RefundedAmount.Add(float64(ev.Amount))
	}
}
