package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"hypernode-facilitator/internal/config"
	"hypernode-facilitator/internal/store"
)

// Custody is the part of the custody backend hnctl drives.
type Custody interface {
	Deposit(ctx context.Context, account string, amount uint64) error
	Balance(ctx context.Context, account string) (uint64, error)
}

// openCustody connects to the configured Postgres custody. Tests replace it.
var openCustody = func(ctx context.Context) (Custody, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return store.NewCustody(st), st.Close, nil
}

func newCustodyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "custody",
		Short: "Fund and inspect custody accounts",
		Long:  `Custody commands talk to Postgres directly using the facilitator's configuration (POSTGRES_DSN or $FACILITATOR_CONFIG).`,
	}

	var account string
	var amount uint64
	deposit := &cobra.Command{
		Use:   "deposit",
		Short: "Credit an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			acct, err := accountOrKey(account)
			if err != nil {
				return err
			}
			if amount == 0 {
				return fmt.Errorf("amount must be greater than zero")
			}
			c, closeFn, err := openCustody(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := c.Deposit(cmd.Context(), acct, amount); err != nil {
				return err
			}
			bal, err := c.Balance(cmd.Context(), acct)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"account": acct, "balance": bal})
		},
	}
	deposit.Flags().StringVar(&account, "account", "", "account to credit (default: identity of --key)")
	deposit.Flags().Uint64Var(&amount, "amount", 0, "amount to deposit")

	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show an account balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			acct, err := accountOrKey(account)
			if err != nil {
				return err
			}
			c, closeFn, err := openCustody(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			bal, err := c.Balance(cmd.Context(), acct)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"account": acct, "balance": bal})
		},
	}
	balance.Flags().StringVar(&account, "account", "", "account to show (default: identity of --key)")

	cmd.AddCommand(deposit, balance)
	return cmd
}

func accountOrKey(account string) (string, error) {
	if account != "" {
		return account, nil
	}
	key, err := loadKey()
	if err != nil {
		return "", err
	}
	return key.Identity(), nil
}
