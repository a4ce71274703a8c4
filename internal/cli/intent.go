package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hypernode-facilitator/internal/escrow"
	"hypernode-facilitator/internal/intent"
	"hypernode-facilitator/internal/models"
	"hypernode-facilitator/internal/oracle"
)

func newIntentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Create and sign payment intents",
	}

	var (
		amount   uint64
		jobID    string
		ttl      time.Duration
		meta     []string
		showJSON bool
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a signed intent and print its payment header",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := loadKey()
			if err != nil {
				return err
			}
			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}
			pi, err := intent.New(key.Identity(), amount, jobID, ttl, metadata)
			if err != nil {
				return err
			}
			payload := models.PaymentPayload{Intent: pi, Signature: key.SignIntent(pi)}
			header, err := intent.EncodeHeader(payload)
			if err != nil {
				return err
			}
			if showJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"header":  header,
					"payload": payload,
				})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), header)
			return err
		},
	}
	create.Flags().Uint64Var(&amount, "amount", 0, "amount to escrow")
	create.Flags().StringVar(&jobID, "job", "", "job the payment is for")
	create.Flags().DurationVar(&ttl, "ttl", intent.DefaultTTL, "time until the intent expires")
	create.Flags().StringArrayVar(&meta, "meta", nil, "metadata as key=value, repeatable (e.g. team=research)")
	create.Flags().BoolVar(&showJSON, "json", false, "print the decoded payload along with the header")
	_ = create.MarkFlagRequired("amount")

	decode := &cobra.Command{
		Use:   "decode HEADER",
		Short: "Decode a payment header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := intent.DecodeHeader(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), payload)
		},
	}

	cmd.AddCommand(create, decode)
	return cmd
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q is not key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Work with completion reports",
	}

	var logsFile string
	sign := &cobra.Command{
		Use:   "sign REPORT.json",
		Short: "Sign a completion report as the node authority",
		Long: `Reads a completion report, fills in logsHash from --logs when given and
prints the report with its claimant signature. Use - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadKey()
			if err != nil {
				return err
			}
			var raw []byte
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read report: %w", err)
			}
			var r models.CompletionReport
			if err := decodeStrict(raw, &r); err != nil {
				return fmt.Errorf("parse report: %w", err)
			}
			if logsFile != "" {
				logs, err := os.ReadFile(logsFile)
				if err != nil {
					return fmt.Errorf("read logs: %w", err)
				}
				r.Logs = logs
				r.LogsHash = oracle.HashLogs(logs)
			}
			if r.NodeID == "" {
				r.NodeID = escrow.NodeID(key.Identity())
			}
			signed, err := oracle.SignReport(key, r)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), signed)
		},
	}
	sign.Flags().StringVar(&logsFile, "logs", "", "raw execution logs to attach and hash")

	cmd.AddCommand(sign)
	return cmd
}

func newNodeIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "node-id [IDENTITY]",
		Short: "Print the node id derived from an authority identity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := ""
			if len(args) == 1 {
				identity = args[0]
			} else {
				key, err := loadKey()
				if err != nil {
					return err
				}
				identity = key.Identity()
			}
			if _, err := intent.ParseIdentity(identity); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), escrow.NodeID(identity))
			return err
		},
	}
}
