package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/billingkit/eventq/contracts"
)

const (
	// DefaultPromoteInterval is how often due envelopes are moved to the ready list
	DefaultPromoteInterval = time.Second
	// DefaultPromoteBatch is the number of envelopes moved per store call
	DefaultPromoteBatch = 10
)

// DelayPromoter moves due envelopes from the delayed set of a topic to its
// ready list. One loop runs per topic once EnsureTopic has been called.
type DelayPromoter struct {
	store    QueueStore
	clock    clock.Clock
	interval time.Duration
	batch    int
	logger   *slog.Logger
	metrics  MetricsCollector

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	topics  map[string]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// PromoterOption configures the DelayPromoter
type PromoterOption func(*DelayPromoter)

// WithPromoteInterval sets the tick interval
func WithPromoteInterval(interval time.Duration) PromoterOption {
	return func(p *DelayPromoter) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithPromoteBatch sets how many envelopes are moved per store call
func WithPromoteBatch(batch int) PromoterOption {
	return func(p *DelayPromoter) {
		if batch > 0 {
			p.batch = batch
		}
	}
}

// WithPromoterClock sets the time source
func WithPromoterClock(c clock.Clock) PromoterOption {
	return func(p *DelayPromoter) {
		p.clock = c
	}
}

// WithPromoterLogger sets the logger
func WithPromoterLogger(logger *slog.Logger) PromoterOption {
	return func(p *DelayPromoter) {
		p.logger = logger
	}
}

// WithPromoterMetrics sets the metrics collector
func WithPromoterMetrics(metrics MetricsCollector) PromoterOption {
	return func(p *DelayPromoter) {
		p.metrics = metrics
	}
}

// NewDelayPromoter creates a promoter working on the given store session
func NewDelayPromoter(store QueueStore, options ...PromoterOption) *DelayPromoter {
	p := &DelayPromoter{
		store:    store,
		clock:    clock.New(),
		interval: DefaultPromoteInterval,
		batch:    DefaultPromoteBatch,
		logger:   slog.Default(),
		metrics:  &NoOpMetricsCollector{},
		topics:   make(map[string]struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// EnsureTopic starts the promotion loop of topic unless it is already running
func (p *DelayPromoter) EnsureTopic(topic string) error {
	keys, err := contracts.KeysFor(topic)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return &contracts.ShutdownError{Op: "promote"}
	}
	if _, ok := p.topics[topic]; ok {
		return nil
	}
	p.topics[topic] = struct{}{}

	// Created before the goroutine starts so no tick is missed.
	ticker := p.clock.Ticker(p.interval)

	p.wg.Add(1)
	go p.run(ticker, keys)

	p.logger.Debug("delay promoter started",
		"topic", topic,
		"interval", p.interval,
		"batch", p.batch,
	)
	return nil
}

// Topics returns the topics being promoted, sorted by name
func (p *DelayPromoter) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	topics := make([]string, 0, len(p.topics))
	for topic := range p.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// PromoteOnce moves every due envelope of topic and returns how many moved
func (p *DelayPromoter) PromoteOnce(ctx context.Context, topic string) (int, error) {
	keys, err := contracts.KeysFor(topic)
	if err != nil {
		return 0, err
	}
	return p.promote(ctx, keys)
}

// Stop stops every loop and waits for them to exit
func (p *DelayPromoter) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *DelayPromoter) run(ticker *clock.Ticker, keys contracts.TopicKeys) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.promote(p.ctx, keys); err != nil && p.ctx.Err() == nil {
				p.logger.Error("failed to promote delayed messages",
					"topic", keys.Topic,
					"error", err,
				)
			}
		}
	}
}

// promote keeps moving full batches until fewer than a batch are due
func (p *DelayPromoter) promote(ctx context.Context, keys contracts.TopicKeys) (int, error) {
	total := 0
	for {
		n, err := p.store.PromoteDue(ctx, keys.Delayed, keys.Ready, p.clock.Now(), p.batch)
		if err != nil {
			p.metrics.RecordPromotion(keys.Topic, total, false)
			if errors.Is(err, context.Canceled) {
				return total, nil
			}
			return total, err
		}

		total += n
		if n < p.batch {
			break
		}
	}

	if total > 0 {
		p.metrics.RecordPromotion(keys.Topic, total, true)
		p.logger.Debug("promoted delayed messages",
			"topic", keys.Topic,
			"count", total,
		)
	}
	return total, nil
}
