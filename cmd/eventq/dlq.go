package main

import (
	"encoding/json"
	"fmt"

	"github.com/billingkit/eventq"
	"github.com/spf13/cobra"
)

func (a *app) dlqCommand() *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage dead-letter lists",
	}

	var drainLimit int
	drainCmd := &cobra.Command{
		Use:   "drain <topic>",
		Short: "Remove dead letters and print them as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, _, _, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			enc := json.NewEncoder(a.stdout)
			n, err := client.DeadLetters().Drain(ctx, args[0], drainLimit, func(entry eventq.DeadLetter) error {
				if entry.Envelope != nil {
					return enc.Encode(entry.Envelope)
				}
				return enc.Encode(map[string]string{"raw": string(entry.Raw)})
			})
			fmt.Fprintf(a.stderr, "Drained %d dead letters from %s\n", n, args[0])
			return err
		},
	}
	drainCmd.Flags().IntVarP(&drainLimit, "limit", "n", 0, "Maximum entries to drain (0 = all)")

	var redriveLimit int
	redriveCmd := &cobra.Command{
		Use:   "redrive <topic>",
		Short: "Republish dead letters as new messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, _, _, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			n, err := client.DeadLetters().Redrive(ctx, args[0], redriveLimit)
			fmt.Fprintf(a.stdout, "Redrove %d dead letters on %s\n", n, args[0])
			return err
		},
	}
	redriveCmd.Flags().IntVarP(&redriveLimit, "limit", "n", 0, "Maximum entries to redrive (0 = all)")

	dlqCmd.AddCommand(drainCmd, redriveCmd)
	return dlqCmd
}
