package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonces remembers operator request nonces until they expire so each
// signed request is honoured once.
type RedisNonces struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisNonces(client *redis.Client) *RedisNonces {
	return &RedisNonces{client: client, prefix: "ledger:nonce:", now: time.Now}
}

// WithClock overrides the time source used to derive key TTLs.
func (n *RedisNonces) WithClock(now func() time.Time) *RedisNonces {
	n.now = now
	return n
}

// Claim records key and reports true the first time it is seen. The record
// lives until a little after until, when the request could no longer be
// accepted anyway.
func (n *RedisNonces) Claim(ctx context.Context, key string, until time.Time) (bool, error) {
	ttl := until.Sub(n.now()) + time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	ok, err := n.client.SetNX(ctx, n.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return ok, nil
}
