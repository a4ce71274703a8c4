package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/escrow"
	"hypernode-facilitator/internal/models"
)

// newTestStore connects to POSTGRES_TEST_DSN; the suite is skipped without it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func newEscrow(t *testing.T, s *Store, amount uint64) models.EscrowRecord {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := models.EscrowRecord{
		IntentID:  uuid.NewString(),
		Client:    "client-" + uuid.NewString()[:8],
		JobID:     "job",
		Amount:    amount,
		Status:    models.StatusAuthorized,
		ExpiresAt: now.Add(time.Hour).UnixMilli(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateEscrow(context.Background(), rec))
	return rec
}

func TestStoreEscrowLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	custody := NewCustody(s)

	node := models.NodeRecord{NodeID: "node-" + uuid.NewString()[:16], Authority: uuid.NewString(), IsActive: true, RegisteredAt: time.Now().UTC()}
	require.NoError(t, s.CreateNode(ctx, node))
	assert.ErrorIs(t, s.CreateNode(ctx, node), apperr.ErrNodeExists)

	rec := newEscrow(t, s, 500)
	require.NoError(t, custody.Deposit(ctx, rec.Client, 800))

	_, err := s.Update(ctx, rec.IntentID, func(ctx context.Context, r models.EscrowRecord) (escrow.Mutation, error) {
		if err := custody.Lock(ctx, r.IntentID, r.Client, r.Amount); err != nil {
			return escrow.Mutation{}, err
		}
		return escrow.Mutation{Status: models.StatusEscrowed}, nil
	})
	require.NoError(t, err)
	require.NoError(t, custody.Lock(ctx, rec.IntentID, rec.Client, rec.Amount), "lock is idempotent")
	bal, err := custody.Balance(ctx, rec.Client)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), bal)

	proof := models.UsageProof{
		ProofID: uuid.NewString(), IntentID: rec.IntentID, NodeID: node.NodeID,
		ExecutionHash: strings.Repeat("a", 64), LogsHash: strings.Repeat("b", 64),
		OracleSignature: "token", SubmittedAt: time.Now().UTC(),
	}
	_, err = s.Update(ctx, rec.IntentID, func(context.Context, models.EscrowRecord) (escrow.Mutation, error) {
		return escrow.Mutation{Status: models.StatusVerified, AssignNode: node.NodeID, Proof: &proof}, nil
	})
	require.NoError(t, err)
	_, err = s.Update(ctx, rec.IntentID, func(context.Context, models.EscrowRecord) (escrow.Mutation, error) {
		dup := proof
		dup.ProofID = uuid.NewString()
		return escrow.Mutation{Proof: &dup}, nil
	})
	assert.ErrorIs(t, err, apperr.ErrDuplicateProof)

	settled, err := s.Update(ctx, rec.IntentID, func(ctx context.Context, r models.EscrowRecord) (escrow.Mutation, error) {
		if err := custody.Release(ctx, r.IntentID, models.RewardAccount(node.NodeID)); err != nil {
			return escrow.Mutation{}, err
		}
		return escrow.Mutation{Status: models.StatusSettled, Credit: &escrow.Credit{NodeID: node.NodeID, Amount: r.Amount}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettled, settled.Status)
	require.NotNil(t, settled.SettledAt)

	assert.ErrorIs(t, custody.Refund(ctx, rec.IntentID), escrow.ErrLockClosed)
	got, err := s.GetNode(ctx, node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.TotalEarned)
	assert.Equal(t, uint64(1), got.JobsCompleted)
	p, err := s.GetProof(ctx, rec.IntentID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Verified)
}

func TestCustodyInsufficientAndConcurrentLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	custody := NewCustody(s)

	poor := newEscrow(t, s, 100)
	assert.ErrorIs(t, custody.Lock(ctx, poor.IntentID, poor.Client, poor.Amount), escrow.ErrInsufficientFunds)
	locked, err := custody.Locked(ctx, poor.IntentID)
	require.NoError(t, err)
	assert.False(t, locked, "a refused lock leaves no lock row")

	rec := newEscrow(t, s, 100)
	require.NoError(t, custody.Deposit(ctx, rec.Client, 100))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = custody.Lock(ctx, rec.IntentID, rec.Client, rec.Amount)
		}()
	}
	wg.Wait()
	bal, err := custody.Balance(ctx, rec.Client)
	require.NoError(t, err)
	assert.Zero(t, bal)

	require.NoError(t, custody.Refund(ctx, rec.IntentID))
	require.NoError(t, custody.Refund(ctx, rec.IntentID))
	bal, err = custody.Balance(ctx, rec.Client)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal)
}

func TestAttestationRequestIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	report := models.CompletionReport{IntentID: uuid.NewString(), NodeID: "node-x", ExecutionHash: strings.Repeat("c", 64)}
	hash := uuid.NewString()

	first, reused, err := s.CreateAttestation(ctx, CreateAttestationParams{Report: report, ReportHash: hash})
	require.NoError(t, err)
	assert.False(t, reused)
	second, reused, err := s.CreateAttestation(ctx, CreateAttestationParams{Report: report, ReportHash: hash})
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)

	require.NoError(t, s.UpdateAttempts(ctx, first.ID, 1, time.Now().Add(time.Minute), "node lookup timed out"))
	require.NoError(t, s.MarkRejected(ctx, first.ID, "resource_bounds"))
	got, err := s.GetAttestation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttestationRejected, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "resource_bounds", *got.LastError)
	assert.Equal(t, report.ExecutionHash, got.Report.ExecutionHash)
}

func TestResubmittingRejectedAttestationRequeuesIt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	report := models.CompletionReport{IntentID: uuid.NewString(), NodeID: "node-x", ExecutionHash: strings.Repeat("d", 64)}
	hash := uuid.NewString()

	first, _, err := s.CreateAttestation(ctx, CreateAttestationParams{Report: report, ReportHash: hash, MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, s.UpdateAttempts(ctx, first.ID, 2, time.Now().Add(time.Minute), "node lookup timed out"))
	require.NoError(t, s.MarkRejected(ctx, first.ID, "resource_bounds"))

	again, reused, err := s.CreateAttestation(ctx, CreateAttestationParams{Report: report, ReportHash: hash, MaxAttempts: 3})
	require.NoError(t, err)
	assert.False(t, reused, "a rejected report is queued again")
	assert.Equal(t, first.ID, again.ID)

	got, err := s.GetAttestation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttestationQueued, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.LastError)

	pending, err := s.PendingAttestations(ctx, time.Now().Add(time.Minute), 10000)
	require.NoError(t, err)
	assert.Contains(t, pending, first.ID)

	_, reused, err = s.CreateAttestation(ctx, CreateAttestationParams{Report: report, ReportHash: hash, MaxAttempts: 3})
	require.NoError(t, err)
	assert.True(t, reused, "a queued request is not reset")
}

func TestCustodyJoinsEscrowTransaction(t *testing.T) {
	base := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(os.Getenv("POSTGRES_TEST_DSN"))
	require.NoError(t, err)
	cfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	s := &Store{pool: pool, now: base.now}
	custody := NewCustody(s)

	const n = 8
	recs := make([]models.EscrowRecord, n)
	for i := range recs {
		recs[i] = newEscrow(t, base, 50)
		require.NoError(t, custody.Deposit(ctx, recs[i].Client, 50))
	}

	errs := make(chan error, n)
	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec models.EscrowRecord) {
			defer wg.Done()
			_, err := s.Update(ctx, rec.IntentID, func(ctx context.Context, r models.EscrowRecord) (escrow.Mutation, error) {
				if err := custody.Lock(ctx, r.IntentID, r.Client, r.Amount); err != nil {
					return escrow.Mutation{}, err
				}
				locked, err := custody.Locked(ctx, r.IntentID)
				if err != nil {
					return escrow.Mutation{}, err
				}
				if !locked {
					return escrow.Mutation{}, errors.New("lock not visible inside the transaction")
				}
				return escrow.Mutation{Status: models.StatusEscrowed}, nil
			})
			errs <- err
		}(rec)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err, "more concurrent updates than pool connections")
	}
	for _, rec := range recs {
		got, err := s.GetEscrow(ctx, rec.IntentID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusEscrowed, got.Status)
		bal, err := custody.Balance(ctx, rec.Client)
		require.NoError(t, err)
		assert.Zero(t, bal)
	}

	// A lock that fails inside the escrow transaction leaves it usable.
	poor := newEscrow(t, base, 500)
	got, err := s.Update(ctx, poor.IntentID, func(ctx context.Context, r models.EscrowRecord) (escrow.Mutation, error) {
		if err := custody.Lock(ctx, r.IntentID, r.Client, r.Amount); !errors.Is(err, escrow.ErrInsufficientFunds) {
			return escrow.Mutation{}, fmt.Errorf("want insufficient funds, got %v", err)
		}
		return escrow.Mutation{Status: models.StatusCancelled}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	locked, err := custody.Locked(ctx, poor.IntentID)
	require.NoError(t, err)
	assert.False(t, locked)
}
