package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/mqttbridge/internal/adapter/metrics"
)

type Server struct {
	echo *echo.Echo
	port string

	websocketHandler echo.HandlerFunc
	metricsHandler   http.Handler
	httpMetrics      *metrics.HTTPMetrics

	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer wires the routes. metricsHandler and httpMetrics may be nil.
func NewServer(port string, websocketHandler echo.HandlerFunc, metricsHandler http.Handler, httpMetrics *metrics.HTTPMetrics, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:             e,
		port:             port,
		websocketHandler: websocketHandler,
		metricsHandler:   metricsHandler,
		httpMetrics:      httpMetrics,
		healthChecks:     healthChecks,
		startTime:        time.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Listen binds the listening socket. Failing to bind is the one fatal startup error,
// so it is separated from Start to be reported before anything else runs.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return fmt.Errorf("failed to bind port %s: %w", s.port, err)
	}
	s.echo.Listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.echo.Listener == nil {
		return nil
	}
	return s.echo.Listener.Addr()
}

// Start serves until Shutdown. It binds first if Listen was not called.
func (s *Server) Start() error {
	if s.echo.Listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	slog.Info("Starting server", "addr", s.Addr().String())
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests. Hijacked
// WebSocket connections are not tracked by the server; the bridge closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
