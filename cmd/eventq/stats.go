package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/messaging"
	"github.com/spf13/cobra"
)

func (a *app) statsCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats [topic...]",
		Short: "Show queue statistics",
		Long:  "Show pending, delayed and dead-letter counts. Without arguments the configured topics are shown, falling back to the billing queues.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, cfg, _, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			topics := args
			if len(topics) == 0 {
				topics = cfg.Topics
			}
			if len(topics) == 0 {
				topics = contracts.Queues()
			}

			all := make([]messaging.QueueStats, 0, len(topics))
			for _, topic := range topics {
				stats, err := client.GetQueueStats(ctx, topic)
				if err != nil {
					return fmt.Errorf("stats for %s: %w", topic, err)
				}
				all = append(all, stats)
			}

			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(all)
			}
			printStats(a.stdout, all)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func printStats(w io.Writer, all []messaging.QueueStats) {
	if len(all) == 0 {
		fmt.Fprintln(w, "No topics")
		return
	}

	fmt.Fprintf(w, "%-30s %-10s %-10s %-10s %-10s\n", "Topic", "Pending", "Delayed", "Failed", "Total")
	fmt.Fprintf(w, "%-30s %-10s %-10s %-10s %-10s\n", "-----", "-------", "-------", "------", "-----")
	for _, s := range all {
		fmt.Fprintf(w, "%-30s %-10d %-10d %-10d %-10d\n", s.Topic, s.Pending, s.Delayed, s.Failed, s.Total)
	}
}
