package websocket

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/mqttbridge/internal/adapter/metrics"
	"github.com/pscheid92/mqttbridge/internal/broadcast"
	"github.com/pscheid92/mqttbridge/internal/domain"
	"github.com/pscheid92/mqttbridge/internal/platform/correlation"
	apperrors "github.com/pscheid92/mqttbridge/internal/platform/errors"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 4096
)

type HandlerConfig struct {
	Client      broadcast.ClientOptions
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades HTTP requests to WebSocket clients. The request goroutine
// becomes the client's reader and returns when the connection ends.
type Handler struct {
	registry *broadcast.Registry
	limits   *ConnectionLimits
	clock    clockwork.Clock
	opts     broadcast.ClientOptions
	metrics  *metrics.WebSocketMetrics
	upgrader websocket.Upgrader
}

func NewHandler(registry *broadcast.Registry, limits *ConnectionLimits, clock clockwork.Clock, cfg HandlerConfig, m *metrics.WebSocketMetrics) *Handler {
	h := &Handler{
		registry: registry,
		limits:   limits,
		clock:    clock,
		opts:     cfg.Client,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	h.upgrader.Error = h.upgradeError
	return h
}

func (h *Handler) Serve(c echo.Context) error {
	ip := c.RealIP()

	if ok, reason := h.limits.Acquire(ip); !ok {
		h.metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		if reason == LimitReasonRate {
			return apperrors.RateLimitedError("too many connection attempts").WithContext("remote_addr", ip)
		}
		return apperrors.UnavailableError("connection limit reached").WithContext("current", h.limits.Current())
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		h.limits.Release()
		return nil
	}

	client := broadcast.NewClient(conn, h.clock, h.opts, h.metrics, func(closed domain.Client) {
		h.registry.Remove(closed)
		h.limits.Release()
	})

	ctx := correlation.WithConnection(c.Request().Context(), correlation.Connection{ID: client.ID(), RemoteAddr: ip})

	if !h.registry.Add(client) {
		slog.WarnContext(ctx, "Client closed before registration")
		client.Close("")
		return nil
	}
	h.metrics.ConnectionsTotal.Inc()
	slog.InfoContext(ctx, "Client connected", "clients", h.registry.Len())

	err = client.ReadLoop()
	slog.InfoContext(ctx, "Client disconnected", "reason", closeReason(err), "clients", h.registry.Len())
	return nil
}

func (h *Handler) upgradeError(w http.ResponseWriter, r *http.Request, status int, reason error) {
	label := "upgrade_failed"
	if status == http.StatusForbidden {
		label = "origin"
	}
	h.metrics.ConnectionsRejected.WithLabelValues(label).Inc()
	slog.Debug("WebSocket upgrade failed", "status", status, "error", reason, "remote_addr", r.RemoteAddr)
	http.Error(w, http.StatusText(status), status)
}

func closeReason(err error) string {
	var closeErr *websocket.CloseError
	switch {
	case !errors.As(err, &closeErr):
		return "connection lost"
	case closeErr.Code == websocket.CloseNormalClosure, closeErr.Code == websocket.CloseGoingAway:
		return "closed"
	default:
		return closeErr.Error()
	}
}
