// Package metrics exports messaging metrics to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/billingkit/eventq/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventq"

// PrometheusCollector implements messaging.MetricsCollector
type PrometheusCollector struct {
	registry *prometheus.Registry

	published       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	handled         *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	promoted        *prometheus.CounterVec
	promoteErrors   *prometheus.CounterVec
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the eventq metrics on a fresh registry
func NewPrometheusCollector() *PrometheusCollector {
	c := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Envelopes written to a topic.",
		}, []string{"topic", "delayed", "status"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time to enqueue an envelope.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handled_total",
			Help:      "Handler invocations.",
		}, []string{"topic", "status"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Failed envelopes scheduled for another attempt.",
		}, []string{"topic", "attempt"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Envelopes moved to the dead-letter list.",
		}, []string{"topic", "reason"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Envelopes discarded as already seen.",
		}, []string{"topic"}),
		promoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promoted_total",
			Help:      "Delayed envelopes moved to the ready list.",
		}, []string{"topic"}),
		promoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promote_errors_total",
			Help:      "Failed promotion ticks.",
		}, []string{"topic"}),
	}

	c.registry.MustRegister(
		c.published, c.publishDuration,
		c.handled, c.handleDuration,
		c.retries, c.deadLetters, c.duplicates,
		c.promoted, c.promoteErrors,
	)
	return c
}

// Registry returns the registry holding the eventq metrics
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordPublish implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordPublish(topic string, delayed bool, duration time.Duration, success bool) {
	c.published.WithLabelValues(topic, strconv.FormatBool(delayed), status(success)).Inc()
	c.publishDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordMessage implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordMessage(topic string, duration time.Duration, success bool) {
	c.handled.WithLabelValues(topic, status(success)).Inc()
	c.handleDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordRetry implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordRetry(topic string, retryCount int) {
	c.retries.WithLabelValues(topic, strconv.Itoa(retryCount)).Inc()
}

// RecordDeadLetter implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDeadLetter(topic string, reason string) {
	c.deadLetters.WithLabelValues(topic, reason).Inc()
}

// RecordDuplicate implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDuplicate(topic string) {
	c.duplicates.WithLabelValues(topic).Inc()
}

// RecordPromotion implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordPromotion(topic string, promoted int, success bool) {
	if !success {
		c.promoteErrors.WithLabelValues(topic).Inc()
		return
	}
	c.promoted.WithLabelValues(topic).Add(float64(promoted))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// StatsSource reads queue statistics for a topic
type StatsSource interface {
	GetQueueStats(ctx context.Context, topic string) (messaging.QueueStats, error)
}

// QueueDepthCollector reports per-topic queue lengths at scrape time
type QueueDepthCollector struct {
	stats   StatsSource
	topics  func() []string
	timeout time.Duration
	logger  *slog.Logger

	depth *prometheus.Desc
}

var _ prometheus.Collector = (*QueueDepthCollector)(nil)

// NewQueueDepthCollector reads lengths for every topic returned by topics
func NewQueueDepthCollector(stats StatsSource, topics func() []string, logger *slog.Logger) *QueueDepthCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueDepthCollector{
		stats:   stats,
		topics:  topics,
		timeout: 2 * time.Second,
		logger:  logger,
		depth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "depth"),
			"Envelopes per topic container.",
			[]string{"topic", "container"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (q *QueueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- q.depth
}

// Collect implements prometheus.Collector
func (q *QueueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	for _, topic := range q.topics() {
		stats, err := q.stats.GetQueueStats(ctx, topic)
		if err != nil {
			q.logger.Warn("queue depth unavailable", "topic", topic, "error", err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(q.depth, prometheus.GaugeValue, float64(stats.Pending), topic, "ready")
		ch <- prometheus.MustNewConstMetric(q.depth, prometheus.GaugeValue, float64(stats.Delayed), topic, "delayed")
		ch <- prometheus.MustNewConstMetric(q.depth, prometheus.GaugeValue, float64(stats.Failed), topic, "dead_letter")
	}
}
