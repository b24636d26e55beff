package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/mqttbridge/internal/adapter/metrics"
	"github.com/pscheid92/mqttbridge/internal/domain"
)

const (
	pingInterval = 30 * time.Second
	pongDeadline = 60 * time.Second

	// Clients never send anything meaningful; anything bigger than a control frame is abuse.
	maxReadSize = 512

	// RFC 6455 caps control frame payloads at 125 bytes, two of which hold the close code.
	maxCloseReasonLen = 123

	DefaultSendBuffer      = 64
	DefaultMaxPendingBytes = 1 << 20
	DefaultWriteTimeout    = 5 * time.Second
)

var errPeerGone = errors.New("peer closed connection")

// ClientOptions bounds the memory a single client may hold.
type ClientOptions struct {
	// SendBuffer is the maximum number of queued frames.
	SendBuffer int
	// MaxPendingBytes is the maximum number of queued, unwritten bytes. A single frame
	// larger than the budget is still accepted when nothing else is pending.
	MaxPendingBytes int64
	// WriteTimeout bounds every frame write and the final flush on close.
	WriteTimeout time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.MaxPendingBytes <= 0 {
		o.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Client is a WebSocket connection with its own writer goroutine. Frames queued
// with Send are written in order; Send never blocks the caller.
type Client struct {
	id         string
	connection *websocket.Conn
	clock      clockwork.Clock
	opts       ClientOptions
	metrics    *metrics.WebSocketMetrics
	onClosed   func(domain.Client)

	state        atomic.Int32
	pendingBytes atomic.Int64

	sendChannel chan []byte
	stopChannel chan struct{}
	doneChannel chan struct{}
	stopOnce    sync.Once
	finishOnce  sync.Once

	reasonMutex sync.Mutex
	reason      string
}

// NewClient wraps an upgraded connection and starts its writer goroutine.
// onClosed runs exactly once, after the transport is closed for any reason.
func NewClient(connection *websocket.Conn, clock clockwork.Clock, opts ClientOptions, m *metrics.WebSocketMetrics, onClosed func(domain.Client)) *Client {
	c := newClient(connection, clock, opts, m, onClosed)
	go c.run()
	return c
}

func newClient(connection *websocket.Conn, clock clockwork.Clock, opts ClientOptions, m *metrics.WebSocketMetrics, onClosed func(domain.Client)) *Client {
	opts = opts.withDefaults()
	return &Client{
		id:          uuid.NewString(),
		connection:  connection,
		clock:       clock,
		opts:        opts,
		metrics:     m,
		onClosed:    onClosed,
		sendChannel: make(chan []byte, opts.SendBuffer),
		stopChannel: make(chan struct{}),
		doneChannel: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() domain.ClientState {
	return domain.ClientState(c.state.Load())
}

func (c *Client) Open() bool {
	return c.state.CompareAndSwap(int32(domain.ClientConnecting), int32(domain.ClientOpen))
}

func (c *Client) Done() <-chan struct{} {
	return c.doneChannel
}

func (c *Client) Send(data []byte) error {
	if state := c.State(); state != domain.ClientOpen {
		return &domain.ClientTransportError{ClientID: c.id, Err: domain.ErrClientNotOpen}
	}

	size := int64(len(data))
	pending := c.pendingBytes.Add(size)
	if pending > c.opts.MaxPendingBytes && pending != size {
		c.pendingBytes.Add(-size)
		return &domain.SlowConsumerError{ClientID: c.id, QueuedFrames: len(c.sendChannel), PendingBytes: pending - size}
	}

	select {
	case c.sendChannel <- data:
		return nil
	default:
		c.pendingBytes.Add(-size)
		return &domain.SlowConsumerError{ClientID: c.id, QueuedFrames: len(c.sendChannel), PendingBytes: pending - size}
	}
}

// Close asks the writer to flush queued frames, send a close frame with reason
// and close the socket. It returns immediately; Done reports completion.
func (c *Client) Close(reason string) {
	for {
		state := c.State()
		if state == domain.ClientClosing || state == domain.ClientClosed {
			return
		}
		if c.state.CompareAndSwap(int32(state), int32(domain.ClientClosing)) {
			break
		}
	}

	if len(reason) > maxCloseReasonLen {
		reason = reason[:maxCloseReasonLen]
	}
	c.reasonMutex.Lock()
	c.reason = reason
	c.reasonMutex.Unlock()

	c.requestStop()
}

// ReadLoop consumes inbound frames until the peer goes away, keeping the read
// deadline alive through pongs. It must be called from exactly one goroutine
// and returns once the connection is unusable.
func (c *Client) ReadLoop() error {
	c.connection.SetReadLimit(maxReadSize)
	c.extendReadDeadline()
	c.connection.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		if _, _, err := c.connection.ReadMessage(); err != nil {
			c.abort(errors.Join(errPeerGone, err))
			return err
		}
		c.extendReadDeadline()
	}
}

func (c *Client) run() {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendChannel:
			if err := c.write(data); err != nil {
				c.abort(err)
				return
			}
		case <-ticker.Chan():
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.connection.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.metrics.PingFailures.Inc()
				c.abort(err)
				return
			}
		case <-c.stopChannel:
			if c.State() == domain.ClientClosed {
				return
			}
			c.flush()
			return
		}
	}
}

func (c *Client) write(data []byte) error {
	defer c.pendingBytes.Add(-int64(len(data)))

	start := c.clock.Now()
	_ = c.connection.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.connection.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.metrics.MessageSendDuration.Observe(c.clock.Since(start).Seconds())
	return nil
}

// flush drains the queue and sends the close frame, all within one write timeout.
func (c *Client) flush() {
	deadline := time.Now().Add(c.opts.WriteTimeout)
	_ = c.connection.SetWriteDeadline(deadline)

	if err := c.drain(); err != nil {
		slog.Debug("Client flush failed", "client_id", c.id, "error", err)
	} else {
		c.reasonMutex.Lock()
		reason := c.reason
		c.reasonMutex.Unlock()

		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.connection.WriteControl(websocket.CloseMessage, closeMessage, deadline)
	}

	_ = c.connection.Close()
	c.finish()
}

func (c *Client) drain() error {
	for {
		select {
		case data := <-c.sendChannel:
			err := c.connection.WriteMessage(websocket.TextMessage, data)
			c.pendingBytes.Add(-int64(len(data)))
			if err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// abort tears the connection down without a close handshake.
func (c *Client) abort(err error) {
	if c.State() != domain.ClientClosed {
		slog.Debug("Client connection lost", "client_id", c.id, "error", err)
	}
	c.state.Store(int32(domain.ClientClosed))
	_ = c.connection.Close()
	c.requestStop()
	c.finish()
}

func (c *Client) requestStop() {
	c.stopOnce.Do(func() {
		close(c.stopChannel)
	})
}

func (c *Client) finish() {
	c.finishOnce.Do(func() {
		c.state.Store(int32(domain.ClientClosed))
		close(c.doneChannel)
		if c.onClosed != nil {
			c.onClosed(c)
		}
	})
}

func (c *Client) extendReadDeadline() {
	_ = c.connection.SetReadDeadline(time.Now().Add(pongDeadline))
}
