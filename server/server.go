// Package server hosts the operational HTTP surface: health and readiness
// probes, the Prometheus exporter and, in webhook mode, the Telegram
// update endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/switchboard/internal/profile"
	"github.com/hrygo/switchboard/metrics"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the echo instance with the switchboard routes.
type Server struct {
	e       *echo.Echo
	profile *profile.Profile
	ready   atomic.Bool
}

// NewServer builds the HTTP server. A nil metrics set leaves /metrics
// unrouted.
func NewServer(p *profile.Profile, m *metrics.Set) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{e: e, profile: p}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	e.GET("/readyz", func(c echo.Context) error {
		if !s.ready.Load() {
			return c.String(http.StatusServiceUnavailable, "Starting.")
		}
		return c.String(http.StatusOK, "Ready.")
	})
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}
	return s
}

// RegisterWebhook mounts the Telegram webhook endpoint. Must be called
// before Start.
func (s *Server) RegisterWebhook(h http.Handler) {
	s.e.POST("/telegram/webhook", echo.WrapHandler(h))
}

// MarkReady flips /readyz to 200. Called once the producers are running.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

// Start serves in the background and returns immediately. Startup errors
// surface in the log; the health probe catches a dead listener.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	slog.Info("http server listening", "addr", addr)
	return nil
}

// Shutdown drains in-flight requests with a bounded grace period.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.e.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}
}
