package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"hypernode-facilitator/internal/escrow"
)

const (
	lockHeld     = "locked"
	lockReleased = "released"
	lockRefunded = "refunded"
)

// Custody is the value-transfer backend: protocol-held account balances in
// Postgres plus one lock row per intent. Every operation is idempotent per
// intent and runs in its own transaction, or in a savepoint of the caller's
// when ctx carries one from Store.Update.
type Custody struct {
	store *Store
}

var _ escrow.Backend = (*Custody)(nil)

func NewCustody(s *Store) *Custody {
	return &Custody{store: s}
}

// Deposit credits account, creating it if needed.
func (c *Custody) Deposit(ctx context.Context, account string, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("deposit amount must be positive")
	}
	if err := credit(ctx, c.store.pool, account, amount); err != nil {
		return fmt.Errorf("deposit %s: %w", account, err)
	}
	return nil
}

// Balance returns the free balance of account; unknown accounts hold zero.
func (c *Custody) Balance(ctx context.Context, account string) (uint64, error) {
	var bal uint64
	err := c.store.pool.QueryRow(ctx, `SELECT balance FROM custody_accounts WHERE account = $1`, account).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s: %w", account, err)
	}
	return bal, nil
}

func (c *Custody) Lock(ctx context.Context, intentID, payer string, amount uint64) error {
	return c.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO custody_locks (intent_id, payer, amount, state)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (intent_id) DO NOTHING
		`, intentID, payer, amount, lockHeld)
		if err != nil {
			return fmt.Errorf("insert lock: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return debit(ctx, tx, payer, amount)
	})
}

func (c *Custody) Release(ctx context.Context, intentID, payee string) error {
	return c.inTx(ctx, func(tx pgx.Tx) error {
		state, _, amount, err := lockForUpdate(ctx, tx, intentID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("no lock for intent %s", intentID)
		}
		if err != nil {
			return err
		}
		switch state {
		case lockReleased:
			return nil
		case lockRefunded:
			return escrow.ErrLockClosed
		}
		if err := credit(ctx, tx, payee, amount); err != nil {
			return err
		}
		return closeLock(ctx, tx, intentID, lockReleased, &payee)
	})
}

// Refund returns the locked amount to the payer. Refunding an intent that was
// never locked is a no-op.
func (c *Custody) Refund(ctx context.Context, intentID string) error {
	return c.inTx(ctx, func(tx pgx.Tx) error {
		state, payer, amount, err := lockForUpdate(ctx, tx, intentID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		switch state {
		case lockRefunded:
			return nil
		case lockReleased:
			return escrow.ErrLockClosed
		}
		if err := credit(ctx, tx, payer, amount); err != nil {
			return err
		}
		return closeLock(ctx, tx, intentID, lockRefunded, nil)
	})
}

func (c *Custody) Locked(ctx context.Context, intentID string) (bool, error) {
	var q interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	} = c.store.pool
	if tx, ok := txFrom(ctx); ok {
		q = tx
	}
	var state string
	err := q.QueryRow(ctx, `SELECT state FROM custody_locks WHERE intent_id = $1`, intentID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock %s: %w", intentID, err)
	}
	return state == lockHeld, nil
}

func (c *Custody) Withdraw(ctx context.Context, account, owner string, amount uint64) error {
	return c.inTx(ctx, func(tx pgx.Tx) error {
		if err := debit(ctx, tx, account, amount); err != nil {
			return err
		}
		return credit(ctx, tx, owner, amount)
	})
}

func (c *Custody) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if outer, ok := txFrom(ctx); ok {
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = c.store.pool.BeginTx(ctx, pgx.TxOptions{})
	}
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func credit(ctx context.Context, db execer, account string, amount uint64) error {
	_, err := db.Exec(ctx, `
		INSERT INTO custody_accounts (account, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account) DO UPDATE SET balance = custody_accounts.balance + EXCLUDED.balance, updated_at = NOW()
	`, account, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	return nil
}

func lockForUpdate(ctx context.Context, tx pgx.Tx, intentID string) (state, payer string, amount uint64, err error) {
	err = tx.QueryRow(ctx, `
		SELECT state, payer, amount FROM custody_locks WHERE intent_id = $1 FOR UPDATE
	`, intentID).Scan(&state, &payer, &amount)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		err = fmt.Errorf("lock row %s: %w", intentID, err)
	}
	return state, payer, amount, err
}

func closeLock(ctx context.Context, tx pgx.Tx, intentID, state string, payee *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE custody_locks SET state = $2, payee = $3, updated_at = NOW() WHERE intent_id = $1
	`, intentID, state, payee)
	if err != nil {
		return fmt.Errorf("close lock %s: %w", intentID, err)
	}
	return nil
}

func debit(ctx context.Context, tx pgx.Tx, account string, amount uint64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE custody_accounts SET balance = balance - $2, updated_at = NOW()
		WHERE account = $1 AND balance >= $2
	`, account, amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", account, err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrInsufficientFunds
	}
	return nil
}
