// Package cli implements hnctl, the operator and client tool for the
// facilitator: key generation, signed intents and reports, node request
// signatures and custody funding.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"hypernode-facilitator/internal/intent"
)

// EnvKey is read when --key is not given.
const EnvKey = "HN_KEY"

var keyHex string

// NewRootCommand assembles hnctl.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hnctl",
		Short:         "HyperNode facilitator client",
		Long:          `hnctl creates keys, signs payment intents, completion reports and node requests, and funds custody accounts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&keyHex, "key", "", "hex ed25519 seed to sign with (default $"+EnvKey+")")

	root.AddCommand(
		newKeygenCommand(),
		newIntentCommand(),
		newReportCommand(),
		newSignCommand(),
		newNodeIDCommand(),
		newCustodyCommand(),
	)
	return root
}

// Execute runs hnctl against os.Args.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadKey() (*intent.KeyPair, error) {
	k := keyHex
	if k == "" {
		k = os.Getenv(EnvKey)
	}
	if k == "" {
		return nil, fmt.Errorf("no signing key: pass --key or set %s", EnvKey)
	}
	return intent.KeyPairFromHex(k)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := intent.GenerateKey()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"identity": k.Identity(),
				"seed":     k.SeedHex(),
			})
		},
	}
}
