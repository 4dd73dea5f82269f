package monitor

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/billingkit/eventq/messaging"
)

// Connectivity is anything that reports whether its connection is up
type Connectivity interface {
	IsConnected() bool
}

// StatsSource reads queue statistics for a topic
type StatsSource interface {
	GetQueueStats(ctx context.Context, topic string) (messaging.QueueStats, error)
}

// ConnectionChecker reports a backing store connection. A required
// connection that is down is unhealthy; an optional one is degraded.
type ConnectionChecker struct {
	name     string
	conn     Connectivity
	required bool
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(name string, conn Connectivity, required bool) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn, required: required}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "connected",
		Timestamp: start,
	}

	if !c.conn.IsConnected() {
		result.Message = "not connected"
		result.Status = StatusDegraded
		if c.required {
			result.Status = StatusUnhealthy
		}
	}

	result.Duration = time.Since(start)
	return result
}

// QueueThresholds bound the queue depths considered healthy
type QueueThresholds struct {
	// MaxPending degrades health when the ready list grows beyond it; zero disables the check
	MaxPending int64
	// MaxDeadLetters degrades health when dead letters exceed it; zero disables the check
	MaxDeadLetters int64
}

// DefaultQueueThresholds are used when none are configured
var DefaultQueueThresholds = QueueThresholds{
	MaxPending:     10000,
	MaxDeadLetters: 100,
}

// QueueChecker reports backlog and dead-letter growth for a set of topics
type QueueChecker struct {
	stats      StatsSource
	topics     func() []string
	thresholds QueueThresholds
}

// NewQueueChecker creates a queue depth checker
func NewQueueChecker(stats StatsSource, topics func() []string, thresholds QueueThresholds) *QueueChecker {
	return &QueueChecker{stats: stats, topics: topics, thresholds: thresholds}
}

func (c *QueueChecker) Name() string {
	return "queues"
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "queue depths are normal",
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var problems []string
	for _, topic := range c.topics() {
		stats, err := c.stats.GetQueueStats(ctx, topic)
		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("stats unavailable for %s", topic)
			result.Error = err.Error()
			break
		}
		result.Details[topic] = stats

		if t := c.thresholds.MaxPending; t > 0 && stats.Pending > t {
			problems = append(problems, fmt.Sprintf("%s has %d pending", topic, stats.Pending))
		}
		if t := c.thresholds.MaxDeadLetters; t > 0 && stats.Failed > t {
			problems = append(problems, fmt.Sprintf("%s has %d dead letters", topic, stats.Failed))
		}
	}

	if result.Status == StatusHealthy && len(problems) > 0 {
		result.Status = StatusDegraded
		result.Message = strings.Join(problems, "; ")
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker degrades on high goroutine counts
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a runtime checker
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"goroutines": goroutines,
			"heapMB":     float64(m.HeapAlloc) / 1024 / 1024,
			"gcRuns":     m.NumGC,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
