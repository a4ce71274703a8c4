package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hypernode-facilitator/internal/escrow"
	"hypernode-facilitator/internal/intent"
)

// signedBody matches the JSON the facilitator accepts on signed node and
// intent routes.
type signedBody struct {
	Requester string `json:"requester"`
	Signature string `json:"signature"`
	Amount    uint64 `json:"amount,omitempty"`
	intent.OperatorAuth
}

type registerBody struct {
	Authority string `json:"authority"`
	Stake     uint64 `json:"stake"`
	Signature string `json:"signature"`
}

func newSignCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print request bodies for signed facilitator calls",
		Long: `Cancel, withdraw and deactivate bodies carry a fresh nonce and expire after
--ttl; each body is accepted once.`,
	}
	cmd.PersistentFlags().DurationVar(&ttl, "ttl", intent.DefaultOperatorTTL, "time until a cancel, withdraw or deactivate body expires")

	cancel := &cobra.Command{
		Use:   "cancel INTENT_ID",
		Short: "Sign a cancellation as the intent's client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, auth, err := operatorAuth(ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), signedBody{
				Requester:    key.Identity(),
				Signature:    key.Sign([]byte(intent.CancelMessage(args[0], auth))),
				OperatorAuth: auth,
			})
		},
	}

	var stake uint64
	register := &cobra.Command{
		Use:   "register",
		Short: "Sign a node registration as its authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := loadKey()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), registerBody{
				Authority: key.Identity(),
				Stake:     stake,
				Signature: key.Sign([]byte(intent.RegisterMessage(key.Identity(), stake))),
			})
		},
	}
	register.Flags().Uint64Var(&stake, "stake", 0, "stake to record for the node")

	var amount uint64
	withdraw := &cobra.Command{
		Use:   "withdraw",
		Short: "Sign a reward withdrawal for the authority's node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, auth, err := operatorAuth(ttl)
			if err != nil {
				return err
			}
			nodeID := escrow.NodeID(key.Identity())
			return printJSON(cmd.OutOrStdout(), signedBody{
				Requester:    key.Identity(),
				Signature:    key.Sign([]byte(intent.WithdrawMessage(nodeID, amount, auth))),
				Amount:       amount,
				OperatorAuth: auth,
			})
		},
	}
	withdraw.Flags().Uint64Var(&amount, "amount", 0, "amount to withdraw")
	_ = withdraw.MarkFlagRequired("amount")

	deactivate := &cobra.Command{
		Use:   "deactivate",
		Short: "Sign a deactivation for the authority's node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, auth, err := operatorAuth(ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), signedBody{
				Requester:    key.Identity(),
				Signature:    key.Sign([]byte(intent.DeactivateMessage(escrow.NodeID(key.Identity()), auth))),
				OperatorAuth: auth,
			})
		},
	}

	cmd.AddCommand(cancel, register, withdraw, deactivate)
	return cmd
}

func operatorAuth(ttl time.Duration) (*intent.KeyPair, intent.OperatorAuth, error) {
	key, err := loadKey()
	if err != nil {
		return nil, intent.OperatorAuth{}, err
	}
	if ttl > intent.MaxOperatorTTL {
		return nil, intent.OperatorAuth{}, fmt.Errorf("ttl may not exceed %s", intent.MaxOperatorTTL)
	}
	auth, err := intent.NewOperatorAuth(time.Now(), ttl)
	if err != nil {
		return nil, intent.OperatorAuth{}, err
	}
	return key, auth, nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
