package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type txKey struct{}

// withTx marks ctx as running inside tx so nested store calls reuse its
// connection instead of taking a second one from the pool.
func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}
