package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/mqttbridge/internal/adapter/metrics"
	"github.com/pscheid92/mqttbridge/internal/broadcast"
	"github.com/pscheid92/mqttbridge/internal/domain"
	apperrors "github.com/pscheid92/mqttbridge/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	handler    *Handler
	registry   *broadcast.Registry
	dispatcher *broadcast.Dispatcher
	limits     *ConnectionLimits
	wsMetrics  *metrics.WebSocketMetrics
	url        string
}

func newHandlerFixture(t *testing.T, limits *ConnectionLimits, allowed []string) *handlerFixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	wsMetrics := metrics.NewWebSocketMetrics(reg)
	registry := broadcast.NewRegistry(wsMetrics)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 2, 3, 4, 5, 678_000_000, time.UTC))
	dispatcher := broadcast.NewDispatcher(registry, "classroom/+/telemetry", clock, metrics.NewDispatchMetrics(reg))

	h := NewHandler(registry, limits, clock, HandlerConfig{CheckOrigin: NewCheckOrigin(allowed, false)}, wsMetrics)

	e := echo.New()
	e.GET("/", h.Serve)
	e.GET("/ws", h.Serve)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &handlerFixture{
		handler:    h,
		registry:   registry,
		dispatcher: dispatcher,
		limits:     limits,
		wsMetrics:  wsMetrics,
		url:        "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func defaultLimits() *ConnectionLimits {
	return NewConnectionLimits(clockwork.NewRealClock(), 100, 100, 100)
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandler_ClientReceivesTelemetry(t *testing.T) {
	for _, path := range []string{"/", "/ws"} {
		t.Run(path, func(t *testing.T) {
			f := newHandlerFixture(t, defaultLimits(), nil)
			peer := dial(t, f.url+path, nil)

			require.Eventually(t, func() bool { return f.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

			delivered := f.dispatcher.Dispatch(domain.Message{Topic: "classroom/5/telemetry", Payload: []byte(`{"t":21.5}`)})
			assert.Equal(t, 1, delivered)

			_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
			msgType, data, err := peer.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, websocket.TextMessage, msgType)
			assert.Equal(t, `{"topic":"classroom/5/telemetry","payload":"{\"t\":21.5}","timestamp":"2024-01-02T03:04:05.678Z"}`, string(data))
			assert.Equal(t, 1.0, testutil.ToFloat64(f.wsMetrics.ConnectionsTotal))
		})
	}
}

func TestHandler_PeerCloseDeregisters(t *testing.T) {
	f := newHandlerFixture(t, defaultLimits(), nil)
	peer := dial(t, f.url+"/ws", nil)
	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	_ = peer.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = peer.Close()

	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.limits.Current() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_MultipleClientsAllReceive(t *testing.T) {
	f := newHandlerFixture(t, defaultLimits(), nil)
	peers := []*websocket.Conn{dial(t, f.url+"/ws", nil), dial(t, f.url+"/ws", nil), dial(t, f.url+"/", nil)}
	require.Eventually(t, func() bool { return f.registry.Len() == len(peers) }, 2*time.Second, 5*time.Millisecond)

	f.dispatcher.Dispatch(domain.Message{Topic: "classroom/1/telemetry", Payload: []byte("a")})
	f.dispatcher.Dispatch(domain.Message{Topic: "classroom/1/status", Payload: []byte("ignored")})
	f.dispatcher.Dispatch(domain.Message{Topic: "classroom/2/telemetry", Payload: []byte("b")})

	for _, peer := range peers {
		for _, want := range []string{`"payload":"a"`, `"payload":"b"`} {
			_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, data, err := peer.ReadMessage()
			require.NoError(t, err)
			assert.Contains(t, string(data), want)
		}
	}
}

func TestHandler_RejectsDisallowedOrigin(t *testing.T) {
	f := newHandlerFixture(t, defaultLimits(), []string{"https://dashboard.example.com"})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url+"/ws", header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, f.registry.Len())
	require.Eventually(t, func() bool { return f.limits.Current() == 0 }, 2*time.Second, 5*time.Millisecond, "slot released after failed upgrade")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.wsMetrics.ConnectionsRejected.WithLabelValues("origin")))
}

func TestHandler_AllowsListedOrigin(t *testing.T) {
	f := newHandlerFixture(t, defaultLimits(), []string{"https://dashboard.example.com"})

	dial(t, f.url+"/ws", http.Header{"Origin": []string{"https://dashboard.example.com"}})
	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_RateLimited(t *testing.T) {
	limits := NewConnectionLimits(clockwork.NewFakeClock(), 100, 1, 1)
	f := newHandlerFixture(t, limits, nil)
	e := echo.New()

	// The first request spends the only token; it is not a WebSocket handshake so the upgrade fails.
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	require.NoError(t, f.handler.Serve(e.NewContext(req, httptest.NewRecorder())))

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	err := f.handler.Serve(e.NewContext(req, httptest.NewRecorder()))

	structured := apperrors.AsStructuredError(err)
	require.NotNil(t, structured)
	assert.Equal(t, apperrors.TypeRateLimited, structured.Type)
	assert.Equal(t, http.StatusTooManyRequests, structured.HTTPStatus())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.wsMetrics.ConnectionsRejected.WithLabelValues("rate_limit")))
}

func TestHandler_GlobalLimit(t *testing.T) {
	limits := NewConnectionLimits(clockwork.NewRealClock(), 1, 100, 100)
	f := newHandlerFixture(t, limits, nil)

	dial(t, f.url+"/ws", nil)
	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	err := f.handler.Serve(e.NewContext(req, httptest.NewRecorder()))

	structured := apperrors.AsStructuredError(err)
	require.NotNil(t, structured)
	assert.Equal(t, apperrors.TypeUnavailable, structured.Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.wsMetrics.ConnectionsRejected.WithLabelValues("global_limit")))
}
