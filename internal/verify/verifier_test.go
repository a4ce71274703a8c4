package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/intent"
	"hypernode-facilitator/internal/models"
)

type usedSet map[string]bool

func (u usedSet) IsUsed(_ context.Context, id string) (bool, error) { return u[id], nil }

type brokenLedger struct{}

func (brokenLedger) IsUsed(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

var now = time.UnixMilli(1700000000000)

func signed(t *testing.T) (*intent.KeyPair, models.PaymentIntent, string) {
	t.Helper()
	key, err := intent.GenerateKey()
	require.NoError(t, err)
	pi, err := intent.NewAt(now, key.Identity(), 1000000, "job-1", time.Hour, map[string]string{"asset": "USDC"})
	require.NoError(t, err)
	return key, pi, key.SignIntent(pi)
}

func TestVerifyChecks(t *testing.T) {
	key, pi, sig := signed(t)
	other, err := intent.GenerateKey()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*models.PaymentIntent, *string, *string, *Requirements)
		used   usedSet
		clock  time.Time
		want   apperr.Code
	}{
		{name: "valid", clock: now},
		{
			name:  "tampered amount",
			clock: now,
			mutate: func(p *models.PaymentIntent, _ *string, _ *string, _ *Requirements) {
				p.Amount = 1
			},
			want: apperr.CodeInvalidSignature,
		},
		{
			name:  "garbage signature",
			clock: now,
			mutate: func(_ *models.PaymentIntent, s *string, _ *string, _ *Requirements) {
				*s = "zz"
			},
			want: apperr.CodeInvalidSignature,
		},
		{
			name:  "signed by someone else for their own key",
			clock: now,
			mutate: func(p *models.PaymentIntent, s *string, signer *string, _ *Requirements) {
				*s = other.SignIntent(*p)
				*signer = other.Identity()
			},
			want: apperr.CodeSignerMismatch,
		},
		{name: "expired", clock: now.Add(time.Hour), want: apperr.CodeExpired},
		{
			name:  "amount too low",
			clock: now,
			mutate: func(_ *models.PaymentIntent, _ *string, _ *string, r *Requirements) {
				r.Amount = 2000000
			},
			want: apperr.CodeInsufficientAmount,
		},
		{
			name:  "asset mismatch",
			clock: now,
			mutate: func(_ *models.PaymentIntent, _ *string, _ *string, r *Requirements) {
				r.Asset = "SOL"
			},
			want: apperr.CodeAssetMismatch,
		},
		{
			name:  "metadata rewritten after signing",
			clock: now,
			mutate: func(p *models.PaymentIntent, _ *string, _ *string, r *Requirements) {
				p.Metadata = map[string]string{"asset": "WBTC", "nodeId": "node-attacker"}
				r.Asset = "WBTC"
			},
			want: apperr.CodeAssetMismatch,
		},
		{name: "already used", clock: now, used: usedSet{pi.IntentID: true}, want: apperr.CodeAlreadyUsed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, s, signer := pi, sig, key.Identity()
			req := Requirements{Amount: 1000000, Asset: "USDC"}
			if tc.mutate != nil {
				tc.mutate(&p, &s, &signer, &req)
			}
			used := tc.used
			if used == nil {
				used = usedSet{}
			}
			clock := tc.clock
			v := New(used, "USDC").WithClock(func() time.Time { return clock })

			res, err := v.Verify(context.Background(), p, s, signer, req)
			require.NoError(t, err)
			if tc.want == "" {
				assert.True(t, res.Valid)
				assert.NoError(t, res.Err())
				return
			}
			assert.False(t, res.Valid)
			assert.Equal(t, tc.want, res.Reason)
			assert.ErrorIs(t, res.Err(), &apperr.Error{Code: tc.want})
		})
	}
}

func TestVerifyIgnoresMetadata(t *testing.T) {
	key, pi, sig := signed(t)
	v := New(usedSet{}, "USDC").WithClock(func() time.Time { return now })

	pi.Metadata = map[string]string{"asset": "WBTC"}
	res, err := v.Verify(context.Background(), pi, sig, key.Identity(), Requirements{Asset: "USDC"})
	require.NoError(t, err)
	assert.True(t, res.Valid, "metadata is not signed and does not name the asset")

	res, err = v.Verify(context.Background(), pi, sig, key.Identity(), Requirements{Asset: "WBTC"})
	require.NoError(t, err)
	assert.Equal(t, apperr.CodeAssetMismatch, res.Reason)
}

func TestVerifyIsRepeatable(t *testing.T) {
	key, pi, sig := signed(t)
	v := New(usedSet{}, "USDC").WithClock(func() time.Time { return now })
	for i := 0; i < 3; i++ {
		res, err := v.Verify(context.Background(), pi, sig, key.Identity(), Requirements{})
		require.NoError(t, err)
		assert.True(t, res.Valid)
	}
}

func TestVerifyLedgerError(t *testing.T) {
	key, pi, sig := signed(t)
	v := New(brokenLedger{}, "USDC").WithClock(func() time.Time { return now })
	_, err := v.Verify(context.Background(), pi, sig, key.Identity(), Requirements{})
	assert.Error(t, err)
}
