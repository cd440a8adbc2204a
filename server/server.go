// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"flatfinder/metrics"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// WebhookPath receives pushed chat updates.
const WebhookPath = "/telegram/webhook"

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	webhook   http.Handler
	poller    Poller
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	pollLimit *rate.Limiter
	pollToken string
}

// Config holds server configuration. Nil handlers leave their routes unmounted.
type Config struct {
	Webhook   http.Handler
	Poller    Poller
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	PollToken string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		webhook:   cfg.Webhook,
		poller:    cfg.Poller,
		gatherer:  cfg.Gatherer,
		logger:    cfg.Logger,
		pollLimit: rate.NewLimiter(rate.Every(time.Minute), 1),
		pollToken: cfg.PollToken,
	}
}

// Routes returns the router with all endpoints mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.webhook != nil {
		r.Method(http.MethodPost, WebhookPath, s.webhook)
	}
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}
	if s.poller != nil && s.pollToken != "" {
		r.Post("/pollz", s.handlePoll)
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case r.URL.Path == "/health" || r.URL.Path == "/metrics":
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.pollToken)) != 1 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.pollLimit.Allow() {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
