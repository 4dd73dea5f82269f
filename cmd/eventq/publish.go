package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/billingkit/eventq/messaging"
	"github.com/spf13/cobra"
)

var errInvalidJSON = errors.New("payload is not valid JSON")

func (a *app) publishCommand() *cobra.Command {
	var (
		delay     time.Duration
		broadcast bool
	)

	cmd := &cobra.Command{
		Use:   "publish <topic> <json-payload>",
		Short: "Publish a message",
		Long:  "Publish a JSON payload to a topic, optionally delayed, or to a broadcast channel with --broadcast.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, payload := args[0], json.RawMessage(args[1])
			if !json.Valid(payload) {
				return errInvalidJSON
			}

			ctx := cmd.Context()
			client, _, _, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if broadcast {
				if err := client.PublishBroadcast(ctx, topic, payload); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Broadcast sent on %s\n", topic)
				return nil
			}

			id, err := client.Publish(ctx, topic, payload, messaging.WithDelay(delay))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Published %s to %s\n", id, topic)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&delay, "delay", "d", 0, "Deliver after this delay")
	cmd.Flags().BoolVarP(&broadcast, "broadcast", "b", false, "Send on the broadcast channel instead")
	return cmd
}
