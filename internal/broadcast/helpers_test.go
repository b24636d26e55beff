package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/mqttbridge/internal/adapter/metrics"
	"github.com/pscheid92/mqttbridge/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*metrics.WebSocketMetrics, *metrics.DispatchMetrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return metrics.NewWebSocketMetrics(reg), metrics.NewDispatchMetrics(reg)
}

func newTestConnPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(func() { srv.Close() })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

// fakeClient records every frame it is handed.
type fakeClient struct {
	id    string
	state atomic.Int32

	mu          sync.Mutex
	frames      [][]byte
	closeReason string
	closeCalls  int

	sendCalls atomic.Int32
	sendErr   error
	panicMsg  string
	onSend    func(call int)

	doneOnce sync.Once
	done     chan struct{}
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id, done: make(chan struct{})}
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) State() domain.ClientState {
	return domain.ClientState(f.state.Load())
}

func (f *fakeClient) Open() bool {
	return f.state.CompareAndSwap(int32(domain.ClientConnecting), int32(domain.ClientOpen))
}

func (f *fakeClient) Send(data []byte) error {
	call := int(f.sendCalls.Add(1))
	if f.onSend != nil {
		f.onSend(call)
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.sendErr != nil {
		return f.sendErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeClient) Close(reason string) {
	f.mu.Lock()
	f.closeCalls++
	f.closeReason = reason
	f.mu.Unlock()

	f.state.Store(int32(domain.ClientClosed))
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeClient) Done() <-chan struct{} { return f.done }

func (f *fakeClient) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, frame := range f.frames {
		out[i] = string(frame)
	}
	return out
}

func (f *fakeClient) closedWith() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeReason, f.closeCalls
}
