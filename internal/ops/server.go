// Package ops exposes the operational HTTP listener: Prometheus metrics,
// health, version, and delivery statistics.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bissquit/alert-courier/internal/delivery"
	"github.com/bissquit/alert-courier/internal/pkg/httputil"
	"github.com/bissquit/alert-courier/internal/version"
)

const defaultFailedLimit = 100

// retryErrorMappings maps delivery errors surfaced by the failed-set retry
// endpoint onto HTTP statuses.
var retryErrorMappings = []httputil.ErrorMapping{
	{Error: delivery.ErrMessageNotFound, Status: http.StatusNotFound},
}

// Config holds ops listener configuration.
type Config struct {
	Addr string
}

// Server serves the ops endpoints for one delivery manager.
type Server struct {
	manager *delivery.Manager
	server  *http.Server
}

// NewServer builds the ops HTTP server around a delivery manager.
func NewServer(cfg Config, manager *delivery.Manager, logger *slog.Logger) *Server {
	s := &Server{manager: manager}

	r := chi.NewRouter()
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.healthzHandler)
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", s.versionHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.statsHandler)
		r.Get("/stats/channels/{channel}", s.channelStatsHandler)
		r.Get("/failed", s.listFailedHandler)
		r.Delete("/failed", s.clearFailedHandler)
		r.Post("/failed/{messageID}/retry", s.retryFailedHandler)
	})

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Run starts the listener and blocks until shutdown.
func (s *Server) Run() error {
	slog.Info("starting ops server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router returns the HTTP handler for testing.
func (s *Server) Router() http.Handler {
	return s.server.Handler
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

// readyzHandler degrades to 503 when any sender reports unhealthy. Disabled
// senders do not fail readiness.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := s.manager.HealthChecks(ctx)
	for channel, status := range checks {
		if status.Status != "healthy" && status.Status != "disabled" {
			httputil.JSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"channel":  channel,
				"channels": checks,
			})
			return
		}
	}

	httputil.JSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"channels": checks,
	})
}

func (s *Server) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]any{
		"queue":       s.manager.QueueStats(),
		"rate_limits": s.manager.RateLimitStats(),
		"deliveries":  s.manager.DeliveryAnalytics(),
	})
}

func (s *Server) channelStatsHandler(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	httputil.JSON(w, http.StatusOK, s.manager.ChannelDeliveryAnalytics(channel))
}

func (s *Server) listFailedHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	failed := s.manager.FailedMessages(limit)
	httputil.JSON(w, http.StatusOK, map[string]any{
		"count":    len(failed),
		"messages": failed,
	})
}

func (s *Server) clearFailedHandler(w http.ResponseWriter, _ *http.Request) {
	cleared := s.manager.ClearFailedMessages()
	httputil.JSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) retryFailedHandler(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if err := s.manager.RetryFailedMessage(messageID); err != nil {
		httputil.HandleError(r.Context(), w, err, retryErrorMappings)
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{"message_id": messageID})
}
