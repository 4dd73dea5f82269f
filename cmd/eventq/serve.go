package main

import (
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/billingkit/eventq"
	"github.com/billingkit/eventq/metrics"
	"github.com/billingkit/eventq/monitor"
	"github.com/spf13/cobra"
)

func (a *app) serveCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run delay promoters and the monitoring server",
		Long: `serve promotes due delayed messages for every configured topic and exposes
/healthz, /livez, /topics, /topics/{topic}/stats and /metrics over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collector := metrics.NewPrometheusCollector()
			client, cfg, logger, err := a.connect(ctx, eventq.WithMetrics(collector))
			if err != nil {
				return err
			}
			defer client.Close()

			for _, topic := range cfg.Topics {
				if err := client.WatchTopic(topic); err != nil {
					return err
				}
			}

			topics := func() []string { return mergeTopics(cfg.Topics, client.Topics()) }
			collector.Registry().MustRegister(metrics.NewQueueDepthCollector(client, topics, logger))

			health := monitor.NewRegistry()
			health.Register(monitor.NewConnectionChecker("store", client, true))
			health.Register(monitor.NewConnectionChecker("broadcast", broadcastConnectivity{client}, false))
			health.Register(monitor.NewQueueChecker(client, topics, monitor.DefaultQueueThresholds))
			health.Register(monitor.NewRuntimeChecker(500, 1000))

			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			server := monitor.NewServer(health, client,
				monitor.WithLogger(logger),
				monitor.WithTopics(topics),
				monitor.WithGatherer(collector.Registry()),
			)
			return server.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (defaults to http.addr)")
	return cmd
}

type broadcastConnectivity struct {
	client *eventq.Client
}

func (b broadcastConnectivity) IsConnected() bool {
	return b.client.BroadcastConnected()
}

func mergeTopics(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, topic := range list {
			if _, ok := seen[topic]; ok {
				continue
			}
			seen[topic] = struct{}{}
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}
