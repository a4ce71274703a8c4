package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"hypernode-facilitator/internal/apperr"
	"hypernode-facilitator/internal/models"
)

// RedisLedger keeps one hash per intent plus an expiry index in Redis. All
// mutations run as Lua scripts so concurrent facilitators see one winner.
type RedisLedger struct {
	client       *redis.Client
	entryPrefix  string
	indexKey     string
	statsKey     string
	cleanupBatch int64
	now          func() time.Time
}

// NewRedisLedger wraps an existing client. cleanupBatch bounds the work done
// per Cleanup script invocation.
func NewRedisLedger(client *redis.Client, cleanupBatch int) *RedisLedger {
	if cleanupBatch <= 0 {
		cleanupBatch = 500
	}
	return &RedisLedger{
		client:       client,
		entryPrefix:  "ledger:intent:",
		indexKey:     "ledger:expiry",
		statsKey:     "ledger:stats",
		cleanupBatch: int64(cleanupBatch),
		now:          time.Now,
	}
}

// WithClock overrides the time source; scripts receive time from Go, not Redis.
func (l *RedisLedger) WithClock(now func() time.Time) *RedisLedger {
	l.now = now
	return l
}

func (l *RedisLedger) entryKey(intentID string) string {
	return l.entryPrefix + intentID
}

// Store inserts the intent if it is not already present.
func (l *RedisLedger) Store(ctx context.Context, pi models.PaymentIntent, signature string) error {
	raw, err := json.Marshal(pi)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	keys := []string{l.entryKey(pi.IntentID), l.indexKey}
	err = storeScript.Run(ctx, l.client, keys, raw, signature, l.now().UnixMilli(), pi.ExpiresAt, pi.IntentID).Err()
	if err != nil {
		return fmt.Errorf("store intent %s: %w", pi.IntentID, err)
	}
	return nil
}

// Retrieve loads an entry, hiding it once expired.
func (l *RedisLedger) Retrieve(ctx context.Context, intentID string) (*models.LedgerEntry, error) {
	fields, err := l.client.HGetAll(ctx, l.entryKey(intentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("retrieve intent %s: %w", intentID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	entry, err := decodeEntry(intentID, fields)
	if err != nil {
		return nil, err
	}
	if l.now().UnixMilli() >= entry.ExpiresAt {
		return nil, nil
	}
	return entry, nil
}

// IsUsed reports the consumed flag; absent entries are unused.
func (l *RedisLedger) IsUsed(ctx context.Context, intentID string) (bool, error) {
	v, err := l.client.HGet(ctx, l.entryKey(intentID), "consumed").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read consumed flag %s: %w", intentID, err)
	}
	return v == "1", nil
}

// MarkUsed flips consumed 0→1. Only the caller performing the flip gets true.
// An expired entry is never consumed and yields an Expired error.
func (l *RedisLedger) MarkUsed(ctx context.Context, intentID string) (bool, error) {
	keys := []string{l.entryKey(intentID), l.statsKey}
	res, err := markUsedScript.Run(ctx, l.client, keys, l.now().UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("mark intent %s used: %w", intentID, err)
	}
	switch res {
	case 1:
		return true, nil
	case -2:
		return false, apperr.New(apperr.CodeExpired, "intent %s expired before consumption", intentID)
	default:
		return false, nil
	}
}

// Cleanup removes expired entries in batches until none remain.
func (l *RedisLedger) Cleanup(ctx context.Context) (int, error) {
	total := 0
	for {
		keys := []string{l.indexKey, l.statsKey}
		n, err := cleanupScript.Run(ctx, l.client, keys, l.now().UnixMilli(), l.cleanupBatch, l.entryPrefix).Int64()
		if err != nil {
			return total, fmt.Errorf("cleanup ledger: %w", err)
		}
		total += int(n)
		if n < l.cleanupBatch {
			return total, nil
		}
	}
}

// Stats counts stored, unexpired and consumed entries.
func (l *RedisLedger) Stats(ctx context.Context) (Stats, error) {
	now := l.now().UnixMilli()
	pipe := l.client.Pipeline()
	total := pipe.ZCard(ctx, l.indexKey)
	active := pipe.ZCount(ctx, l.indexKey, fmt.Sprintf("(%d", now), "+inf")
	used := pipe.HGet(ctx, l.statsKey, "used")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	s := Stats{Total: total.Val(), Active: active.Val()}
	if v, err := used.Int64(); err == nil {
		s.Used = v
	}
	return s, nil
}

// IsHealthy pings Redis.
func (l *RedisLedger) IsHealthy(ctx context.Context) bool {
	return l.client.Ping(ctx).Err() == nil
}

// Close releases the client.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func decodeEntry(intentID string, fields map[string]string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	if err := json.Unmarshal([]byte(fields["intent"]), &entry.Intent); err != nil {
		return nil, errCorrupt(intentID, err)
	}
	var err error
	if entry.StoredAt, err = strconv.ParseInt(fields["stored_at"], 10, 64); err != nil {
		return nil, errCorrupt(intentID, err)
	}
	if entry.ExpiresAt, err = strconv.ParseInt(fields["expires_at"], 10, 64); err != nil {
		return nil, errCorrupt(intentID, err)
	}
	entry.Signature = fields["signature"]
	entry.Consumed = fields["consumed"] == "1"
	return &entry, nil
}

var storeScript = redis.NewScript(`
local entry = KEYS[1]
local index = KEYS[2]
if redis.call('EXISTS', entry) == 1 then
  return 0
end
redis.call('HSET', entry, 'intent', ARGV[1], 'signature', ARGV[2], 'consumed', '0', 'stored_at', ARGV[3], 'expires_at', ARGV[4])
redis.call('ZADD', index, ARGV[4], ARGV[5])
return 1
`)

var markUsedScript = redis.NewScript(`
local entry = KEYS[1]
local stats = KEYS[2]
local now = tonumber(ARGV[1])
local state = redis.call('HMGET', entry, 'consumed', 'expires_at')
if not state[1] then
  return -1
end
if now >= tonumber(state[2]) then
  return -2
end
if state[1] == '1' then
  return 0
end
redis.call('HSET', entry, 'consumed', '1', 'used_at', ARGV[1])
redis.call('HINCRBY', stats, 'used', 1)
return 1
`)

var cleanupScript = redis.NewScript(`
local index = KEYS[1]
local stats = KEYS[2]
local ids = redis.call('ZRANGEBYSCORE', index, '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  local entry = ARGV[3] .. id
  if redis.call('HGET', entry, 'consumed') == '1' then
    redis.call('HINCRBY', stats, 'used', -1)
  end
  redis.call('DEL', entry)
  redis.call('ZREM', index, id)
end
return #ids
`)
