package ledger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"hypernode-facilitator/internal/config"
)

// Open builds the backend named by cfg.LedgerBackend. Construction failures are
// returned to the caller; there is no fallback backend.
func Open(ctx context.Context, cfg config.Config) (Ledger, error) {
	switch cfg.LedgerBackend {
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis ledger: %w", err)
		}
		return NewRedisLedger(client, cfg.LedgerCleanupBatch), nil
	case BackendSQLite:
		return OpenSQLite(cfg.LedgerSQLitePath)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}
