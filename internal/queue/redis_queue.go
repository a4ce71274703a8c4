package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hypernode-facilitator/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled attestation requests in Redis.
// Members are attestation request ids; the request itself lives in Postgres.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
	dlqKey        string
	now           func() time.Time
}

// NewRedisQueue builds a queue over client using the configured key names.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.AttestationQueue
	if name == "" {
		name = "attest"
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = name + ":dlq"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		scheduledKey:  name + ":scheduled",
		visibilityTTL: visibility,
		dlqKey:        dlq,
		now:           time.Now,
	}
}

// WithClock overrides the time source used for leases and schedules.
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

// Enqueue inserts a request into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, id string, runAt time.Time) error {
	if runAt.After(q.now()) {
		return q.Schedule(ctx, id, runAt)
	}
	return q.client.RPush(ctx, q.readyKey, id).Err()
}

// EnsureQueued appends id to the ready list unless it is already ready,
// leased or scheduled. It reports whether id was added.
func (q *RedisQueue) EnsureQueued(ctx context.Context, id string) (bool, error) {
	n, err := ensureScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey, q.scheduledKey}, id).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Schedule moves a request into the scheduled set for a retry after backoff.
func (q *RedisQueue) Schedule(ctx context.Context, id string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id}).Err()
}

// PromoteScheduled moves due scheduled requests into the ready queue. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, limit int64) (int, error) {
	return q.move(ctx, q.scheduledKey, limit)
}

// DequeueWithLease pops a request and places it into inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight request.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a request from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	return q.client.ZRem(ctx, q.inflightKey, id).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, limit int64) (int, error) {
	return q.move(ctx, q.inflightKey, limit)
}

// move pushes due members of a sorted set onto the ready list in one script
// so a member is never in both places.
func (q *RedisQueue) move(ctx context.Context, from string, limit int64) (int, error) {
	n, err := moveDueScript.Run(ctx, q.client, []string{from, q.readyKey}, q.now().UnixMilli(), limit).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, id string) error {
	return q.client.RPush(ctx, q.dlqKey, id).Err()
}

// DLQPeek reads the oldest dead-lettered request ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Depth reports ready, in-flight and scheduled counts.
type Depth struct {
	Ready     int64 `json:"ready"`
	InFlight  int64 `json:"inFlight"`
	Scheduled int64 `json:"scheduled"`
	Dead      int64 `json:"dead"`
}

func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	dead := pipe.LLen(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, err
	}
	return Depth{Ready: ready.Val(), InFlight: inflight.Val(), Scheduled: scheduled.Val(), Dead: dead.Val()}, nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

var ensureScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[1]) or redis.call('ZSCORE', KEYS[3], ARGV[1]) then
  return 0
end
for _, id in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
  if id == ARGV[1] then
    return 0
  end
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)
