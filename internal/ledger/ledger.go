// Package ledger is the replay-safe store of payment intents. MarkUsed is the
// sole double-spend guard: it is a compare-and-set on the consumed flag and
// returns true to exactly one caller per intent.
package ledger

import (
	"context"
	"fmt"

	"hypernode-facilitator/internal/models"
)

// Ledger is implemented by the Redis and SQLite backends.
type Ledger interface {
	// Store inserts the entry unless one exists; it never overwrites consumed.
	Store(ctx context.Context, pi models.PaymentIntent, signature string) error
	// Retrieve returns nil when absent or expired, swept or not.
	Retrieve(ctx context.Context, intentID string) (*models.LedgerEntry, error)
	IsUsed(ctx context.Context, intentID string) (bool, error)
	MarkUsed(ctx context.Context, intentID string) (bool, error)
	// Cleanup deletes expired entries and reports how many went.
	Cleanup(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	IsHealthy(ctx context.Context) bool
	Close() error
}

// Stats summarises ledger contents for observability.
type Stats struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
	Used   int64 `json:"used"`
}

// Backend names accepted by Open.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

func errCorrupt(intentID string, err error) error {
	return fmt.Errorf("ledger entry %s corrupt: %w", intentID, err)
}
