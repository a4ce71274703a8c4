package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/config"
	"hypernode-facilitator/internal/models"
	"hypernode-facilitator/internal/oracle"
	"hypernode-facilitator/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b9 := backoffWithJitter(base, max, 9)
	if b9 < max/2 || b9 > max {
		t.Fatalf("backoff not capped: %s", b9)
	}
}

type memStore struct {
	mu    sync.Mutex
	reqs  map[string]models.AttestationRequest
	audit []string
}

func (s *memStore) GetAttestation(_ context.Context, id string) (models.AttestationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return models.AttestationRequest{}, apperr.New(apperr.CodeNotFound, "attestation request %s", id)
	}
	return r, nil
}

func (s *memStore) set(id string, fn func(*models.AttestationRequest)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reqs[id]
	fn(&r)
	s.reqs[id] = r
	return nil
}

func (s *memStore) MarkLeased(_ context.Context, id string, attempts int) error {
	return s.set(id, func(r *models.AttestationRequest) { r.Status = models.AttestationLeased; r.Attempts = attempts })
}

func (s *memStore) MarkAccepted(_ context.Context, id string) error {
	return s.set(id, func(r *models.AttestationRequest) { r.Status = models.AttestationAccepted })
}

func (s *memStore) MarkRejected(_ context.Context, id, reason string) error {
	return s.set(id, func(r *models.AttestationRequest) { r.Status = models.AttestationRejected; r.LastError = &reason })
}

func (s *memStore) MarkDeadLetter(_ context.Context, id, lastError string) error {
	return s.set(id, func(r *models.AttestationRequest) { r.Status = models.AttestationDeadLettered; r.LastError = &lastError })
}

func (s *memStore) UpdateAttempts(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return s.set(id, func(r *models.AttestationRequest) {
		r.Status = models.AttestationQueued
		r.Attempts = attempts
		r.NextRunAt = next
		r.LastError = &lastErr
	})
}

func (s *memStore) AppendAudit(_ context.Context, _, event, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, event)
	return nil
}

type scriptedAttester struct {
	errs  []error
	calls int
}

func (a *scriptedAttester) Attest(context.Context, models.CompletionReport) (oracle.Outcome, error) {
	var err error
	if a.calls < len(a.errs) {
		err = a.errs[a.calls]
	}
	a.calls++
	return oracle.Outcome{Verdict: oracle.Verdict{Score: 1, Accepted: err == nil}}, err
}

type harness struct {
	mr    *miniredis.Miniredis
	q     *queue.RedisQueue
	store *memStore
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	h := &harness{
		mr:    mr,
		store: &memStore{reqs: map[string]models.AttestationRequest{}},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.q = queue.NewRedisQueue(client, config.Config{AttestationQueue: "attest"}).WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) processor(attester Attester, maxAttempts int) *Processor {
	p := NewProcessor(config.Config{
		MaxAttempts:    maxAttempts,
		BackoffInitial: time.Second,
		BackoffMax:     4 * time.Second,
	}, h.q, h.store, attester, zerolog.Nop())
	p.now = func() time.Time { return h.now }
	return p
}

func (h *harness) enqueue(t *testing.T, id string, maxAttempts int) {
	t.Helper()
	h.store.reqs[id] = models.AttestationRequest{ID: id, IntentID: "intent-" + id, Status: models.AttestationQueued, MaxAttempts: maxAttempts}
	require.NoError(t, h.q.Enqueue(context.Background(), id, time.Time{}))
}

func TestProcessorAcceptsAndAcks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "r1", 5)
	p := h.processor(&scriptedAttester{}, 5)

	worked, err := p.Step(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, models.AttestationAccepted, h.store.reqs["r1"].Status)
	assert.Equal(t, []string{"attestation_accepted"}, h.store.audit)

	d, err := h.q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Depth{}, d)

	worked, err = p.Step(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "queue drained")
}

func TestProcessorRejectionIsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "r1", 5)
	rejected := apperr.New(apperr.CodeAttestationRejected, "failed checks: node_active")
	p := h.processor(&scriptedAttester{errs: []error{rejected}}, 5)

	_, err := p.Step(ctx)
	require.NoError(t, err)
	req := h.store.reqs["r1"]
	assert.Equal(t, models.AttestationRejected, req.Status)
	require.NotNil(t, req.LastError)
	assert.Contains(t, *req.LastError, "node_active")
	d, err := h.q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, d.Scheduled)
}

func TestProcessorRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "r1", 2)
	boom := errors.New("postgres unavailable")
	p := h.processor(&scriptedAttester{errs: []error{boom, boom}}, 5)

	_, err := p.Step(ctx)
	require.NoError(t, err)
	req := h.store.reqs["r1"]
	assert.Equal(t, models.AttestationQueued, req.Status)
	assert.Equal(t, 1, req.Attempts)
	d, err := h.q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Scheduled)

	worked, err := p.Step(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "retry not yet due")

	h.now = h.now.Add(time.Minute)
	_, err = p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AttestationDeadLettered, h.store.reqs["r1"].Status)
	dead, err := h.q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, dead)
	assert.Equal(t, []string{"retry_scheduled", "dead_letter"}, h.store.audit)
}

func TestProcessorOutcomeUnknownLeavesSettlementToReconcile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "r1", 5)
	unknown := apperr.New(apperr.CodeOutcomeUnknown, "release intent-r1: context deadline exceeded")
	p := h.processor(&scriptedAttester{errs: []error{unknown}}, 5)

	_, err := p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AttestationAccepted, h.store.reqs["r1"].Status)
	assert.Equal(t, []string{"settlement_pending"}, h.store.audit)
}

func TestProcessorSkipsFinishedAndUnknownRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, "done", 5)
	h.store.reqs["done"] = models.AttestationRequest{ID: "done", Status: models.AttestationAccepted}
	require.NoError(t, h.q.Enqueue(ctx, "ghost", time.Time{}))
	attester := &scriptedAttester{}
	p := h.processor(attester, 5)

	for i := 0; i < 2; i++ {
		worked, err := p.Step(ctx)
		require.NoError(t, err)
		assert.True(t, worked)
	}
	assert.Zero(t, attester.calls)
	d, err := h.q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Depth{}, d)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	p := h.processor(&scriptedAttester{}, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Run(ctx), context.Canceled)
}
