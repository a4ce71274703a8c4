package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type factory func(t *testing.T, clock *testClock) Ledger

func newRedis(t *testing.T, clock *testClock) Ledger {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisLedger(client, 2).WithClock(clock.Now)
}

func newSQLite(t *testing.T, clock *testClock) Ledger {
	t.Helper()
	l, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l.WithClock(clock.Now)
}

func backends() map[string]factory {
	return map[string]factory{
		BackendRedis:  newRedis,
		BackendSQLite: newSQLite,
	}
}

func sampleIntent(id string, created time.Time, ttl time.Duration) models.PaymentIntent {
	return models.PaymentIntent{
		IntentID:  id,
		Client:    "client",
		Amount:    1000000,
		JobID:     "job-" + id,
		CreatedAt: created.UnixMilli(),
		ExpiresAt: created.Add(ttl).UnixMilli(),
		Nonce:     "nonce-" + id,
		Metadata:  map[string]string{"asset": "USDC"},
	}
}

func TestLedgerBackends(t *testing.T) {
	for name, newLedger := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("store retrieve", func(t *testing.T) { testStoreRetrieve(t, newLedger) })
			t.Run("store is idempotent", func(t *testing.T) { testStoreIdempotent(t, newLedger) })
			t.Run("mark used once", func(t *testing.T) { testMarkUsedOnce(t, newLedger) })
			t.Run("mark used concurrently", func(t *testing.T) { testMarkUsedConcurrent(t, newLedger) })
			t.Run("lazy expiry", func(t *testing.T) { testLazyExpiry(t, newLedger) })
			t.Run("cleanup and stats", func(t *testing.T) { testCleanupStats(t, newLedger) })
		})
	}
}

func testStoreRetrieve(t *testing.T, newLedger factory) {
	ctx := context.Background()
	clock := &testClock{now: time.UnixMilli(1700000000000)}
	l := newLedger(t, clock)

	missing, err := l.Retrieve(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	pi := sampleIntent("a", clock.Now(), time.Hour)
	require.NoError(t, l.Store(ctx, pi, "sig-a"))

	entry, err := l.Retrieve(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, pi, entry.Intent)
	assert.Equal(t, "sig-a", entry.Signature)
	assert.False(t, entry.Consumed)
	assert.Equal(t, pi.ExpiresAt, entry.ExpiresAt)
	assert.Equal(t, clock.Now().UnixMilli(), entry.StoredAt)
	assert.True(t, l.IsHealthy(ctx))
}

func testStoreIdempotent(t *testing.T, newLedger factory) {
	ctx := context.Background()
	clock := &testClock{now: time.UnixMilli(1700000000000)}
	l := newLedger(t, clock)

	pi := sampleIntent("a", clock.Now(), time.Hour)
	require.NoError(t, l.Store(ctx, pi, "sig-a"))
	ok, err := l.MarkUsed(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Store(ctx, pi, "sig-other"))
	entry, err := l.Retrieve(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Consumed)
	assert.Equal(t, "sig-a", entry.Signature)
}

func testMarkUsedOnce(t *testing.T, newLedger factory) {
	ctx := context.Background()
	clock := &testClock{now: time.UnixMilli(1700000000000)}
	l := newLedger(t, clock)

	ok, err := l.MarkUsed(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Store(ctx, sampleIntent("a", clock.Now(), time.Hour), "sig"))
	used, err := l.IsUsed(ctx, "a")
	require.NoError(t, err)
	assert.False(t, used)

	ok, err = l.MarkUsed(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.MarkUsed(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	used, err = l.IsUsed(ctx, "a")
	require.NoError(t, err)
	assert.True(t, used)
}

func testMarkUsedConcurrent(t *testing.T, newLedger factory) {
	ctx := context.Background()
	clock := &testClock{now: time.UnixMilli(1700000000000)}
	l := newLedger(t, clock)
	require.NoError(t, l.Store(ctx, sampleIntent("race", clock.Now(), time.Hour), "sig"))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.MarkUsed(ctx, "race")
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func testLazyExpiry(t *testing.T, newLedger factory) {
	ctx := context.Background()
	clock := &testClock{now: time.UnixMilli(1700000000000)}
	l := newLedger(t, clock)
	require.NoError(t, l.Store(ctx, sampleIntent("short", clock.Now(), time.Minute), "sig"))

	clock.Advance(time.Minute)
	entry, err := l.Retrieve(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, entry, "expired entry must be hidden before any sweep")

	ok, err := l.MarkUsed(ctx, "short")
	assert.False(t, ok)
	assert.ErrorIs(t, err, apperr.ErrExpired)
}

func testCleanupStats(t *testing.T, newLedger factory) {
	ctx := context.Background()
	clock := &testClock{now: time.UnixMilli(1700000000000)}
	l := newLedger(t, clock)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Store(ctx, sampleIntent(fmt.Sprintf("short-%d", i), clock.Now(), time.Minute), "sig"))
	}
	require.NoError(t, l.Store(ctx, sampleIntent("long", clock.Now(), time.Hour), "sig"))
	ok, err := l.MarkUsed(ctx, "short-0")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.MarkUsed(ctx, "long")
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 6, Active: 6, Used: 2}, stats)

	clock.Advance(2 * time.Minute)
	stats, err = l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active)

	removed, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)

	stats, err = l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Active: 1, Used: 1}, stats)

	used, err := l.IsUsed(ctx, "long")
	require.NoError(t, err)
	assert.True(t, used)

	removed, err = l.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
