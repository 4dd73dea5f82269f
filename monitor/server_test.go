package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/billingkit/eventq/messaging"
	"github.com/billingkit/eventq/metrics"
	"github.com/billingkit/eventq/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *memory.Store, *metrics.PrometheusCollector) {
	t.Helper()

	store := memory.NewStore()
	t.Cleanup(func() { store.Close() })

	stats := messaging.NewStatsReader(store)
	topics := func() []string { return []string{"billing-events"} }

	registry := NewRegistry()
	registry.Register(NewConnectionChecker("store", store, true))
	registry.Register(NewQueueChecker(stats, topics, DefaultQueueThresholds))

	collector := metrics.NewPrometheusCollector()
	server := NewServer(registry, stats,
		WithTopics(topics),
		WithGatherer(collector.Registry()),
	)
	return server, store, collector
}

func get(server http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	t.Run("healthy store", func(t *testing.T) {
		server, _, _ := newTestServer(t)

		rec := get(server, "/healthz")
		require.Equal(t, http.StatusOK, rec.Code)

		var health OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Contains(t, health.Checks, "store")
	})

	t.Run("store outage is unhealthy", func(t *testing.T) {
		server, store, _ := newTestServer(t)
		store.SetAvailable(false)

		rec := get(server, "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var health OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, StatusUnhealthy, health.Status)
	})

	t.Run("liveness", func(t *testing.T) {
		server, _, _ := newTestServer(t)
		rec := get(server, "/livez")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}

func TestServer_Stats(t *testing.T) {
	ctx := context.Background()

	t.Run("topic stats", func(t *testing.T) {
		server, store, _ := newTestServer(t)
		require.NoError(t, store.Append(ctx, "billing-events", []byte(`{}`)))
		require.NoError(t, store.Append(ctx, "dlq:billing-events", []byte(`{}`)))

		rec := get(server, "/topics/billing-events/stats")
		require.Equal(t, http.StatusOK, rec.Code)

		var stats messaging.QueueStats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, messaging.QueueStats{Topic: "billing-events", Pending: 1, Failed: 1, Total: 2}, stats)
	})

	t.Run("all topics", func(t *testing.T) {
		server, _, _ := newTestServer(t)

		rec := get(server, "/topics")
		require.Equal(t, http.StatusOK, rec.Code)

		var all []messaging.QueueStats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
		require.Len(t, all, 1)
		assert.Equal(t, "billing-events", all[0].Topic)
	})

	t.Run("store outage is 503", func(t *testing.T) {
		server, store, _ := newTestServer(t)
		store.SetAvailable(false)

		rec := get(server, "/topics/billing-events/stats")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "stats unavailable", body["error"])
	})
}

func TestServer_Metrics(t *testing.T) {
	server, _, collector := newTestServer(t)
	collector.RecordPublish("billing-events", false, 0, true)

	rec := get(server, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `eventq_published_total{delayed="false",status="success",topic="billing-events"} 1`)
}
