// Package monitor serves health, queue statistics and Prometheus metrics over HTTP.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/messaging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type handlerWithErr func(http.ResponseWriter, *http.Request) *httpError

// Server exposes the monitoring endpoints
type Server struct {
	health       *Registry
	stats        StatsSource
	topics       func() []string
	gatherer     prometheus.Gatherer
	checkTimeout time.Duration
	logger       *slog.Logger
	router       chi.Router
	httpServer   *http.Server
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer serves the given registry on /metrics
func WithGatherer(gatherer prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithTopics sets the topics listed by /topics
func WithTopics(topics func() []string) ServerOption {
	return func(s *Server) {
		s.topics = topics
	}
}

// WithCheckTimeout bounds a /healthz evaluation
func WithCheckTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.checkTimeout = timeout
	}
}

// NewServer builds the router. Routes:
//
//	GET /healthz               overall health, 503 when unhealthy
//	GET /livez                 process liveness
//	GET /topics                stats for every known topic
//	GET /topics/{topic}/stats  stats for one topic
//	GET /metrics               Prometheus exposition
func NewServer(health *Registry, stats StatsSource, opts ...ServerOption) *Server {
	s := &Server{
		health:       health,
		stats:        stats,
		topics:       func() []string { return nil },
		gatherer:     prometheus.DefaultGatherer,
		checkTimeout: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/livez", s.handleLive)
	r.Get("/topics", s.handler(s.handleTopics))
	r.Get("/topics/{topic}/stats", s.handler(s.handleTopicStats))
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.router = r

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("monitor listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handler(fn handlerWithErr) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			_ = render.Render(w, r, err)
			s.logger.Warn("request failed",
				"path", r.URL.Path,
				"status", err.Code,
				"error", err)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout)
	defer cancel()

	health := s.health.Check(ctx)
	if health.Status == StatusUnhealthy {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, health)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	render.PlainText(w, r, "alive")
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) *httpError {
	topics := s.topics()
	all := make([]messaging.QueueStats, 0, len(topics))
	for _, topic := range topics {
		stats, err := s.stats.GetQueueStats(r.Context(), topic)
		if err != nil {
			return unavailable("stats unavailable", err)
		}
		all = append(all, stats)
	}
	render.JSON(w, r, all)
	return nil
}

func (s *Server) handleTopicStats(w http.ResponseWriter, r *http.Request) *httpError {
	topic := chi.URLParam(r, "topic")
	stats, err := s.stats.GetQueueStats(r.Context(), topic)
	if err != nil {
		if errors.Is(err, contracts.ErrInvalidTopic) {
			return badRequest(err.Error())
		}
		return unavailable("stats unavailable", err)
	}
	render.JSON(w, r, stats)
	return nil
}
