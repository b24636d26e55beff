// Package mqtt subscribes to an MQTT broker with the Eclipse Paho client.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/mqttbridge/internal/adapter/metrics"
	"github.com/pscheid92/mqttbridge/internal/domain"
)

// subackFailure is the SUBACK return code for a rejected subscription.
const subackFailure = 0x80

const (
	disconnectQuiesce = 250 // milliseconds
	errorBufferSize   = 8
)

var (
	errTimeout  = errors.New("timed out")
	errRejected = errors.New("subscription rejected by broker")
)

// client is the subset of the Paho client the subscription drives.
type client interface {
	Connect() pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

type clientFactory func(opts *pahomqtt.ClientOptions) client

func newPahoClient(opts *pahomqtt.ClientOptions) client {
	return pahomqtt.NewClient(opts)
}

type Config struct {
	Host           string
	Port           int
	ClientID       string
	Filter         string
	QoS            byte
	ConnectTimeout time.Duration
	BufferSize     int
}

// Subscription is a domain.Broker backed by an MQTT connection. Every successful
// Connect opens a clean session and re-issues the subscription.
type Subscription struct {
	cfg       Config
	addr      string
	clock     clockwork.Clock
	metrics   *metrics.BrokerMetrics
	newClient clientFactory

	mu     sync.Mutex
	client client

	connected atomic.Bool
	messages  chan domain.Message
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func NewSubscription(cfg Config, clock clockwork.Clock, m *metrics.BrokerMetrics) (*Subscription, error) {
	if err := domain.ValidateFilter(cfg.Filter); err != nil {
		return nil, err
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid QoS %d", cfg.QoS)
	}

	return &Subscription{
		cfg:       cfg,
		addr:      fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port),
		clock:     clock,
		metrics:   m,
		newClient: newPahoClient,
		messages:  make(chan domain.Message, cfg.BufferSize),
		errors:    make(chan error, errorBufferSize),
		done:      make(chan struct{}),
	}, nil
}

func (s *Subscription) Addr() string { return s.addr }

func (s *Subscription) Messages() <-chan domain.Message { return s.messages }

func (s *Subscription) Errors() <-chan error { return s.errors }

func (s *Subscription) Connected() bool { return s.connected.Load() }

// Connect makes one connection attempt and, once connected, subscribes to the
// configured filter. A rejected subscription is reported on Errors and does not
// fail the connection.
func (s *Subscription) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return &domain.BrokerConnectError{Addr: s.addr, Err: domain.ErrBrokerNotActive}
	default:
	}

	s.mu.Lock()
	previous := s.client
	s.client = nil
	s.mu.Unlock()
	if previous != nil {
		previous.Disconnect(0)
	}

	c := s.newClient(s.clientOptions())
	if err := s.wait(ctx, c.Connect()); err != nil {
		// A late CONNACK would otherwise leave a second session with our client id.
		c.Disconnect(0)
		s.metrics.ConnectFailures.Inc()
		return &domain.BrokerConnectError{Addr: s.addr, Err: err}
	}

	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
	s.connected.Store(true)

	slog.InfoContext(ctx, "Connected to MQTT broker", "addr", s.addr, "client_id", s.cfg.ClientID)

	if err := s.subscribe(ctx, c); err != nil {
		s.metrics.SubscribeErrors.Inc()
		s.report(err)
		return nil
	}

	slog.InfoContext(ctx, "Subscribed to topic filter", "filter", s.cfg.Filter, "qos", s.cfg.QoS)
	return nil
}

// Disconnect closes the connection and stops message delivery. It is idempotent;
// a disconnected subscription cannot be reconnected.
func (s *Subscription) Disconnect() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		c := s.client
		s.client = nil
		s.mu.Unlock()

		if c != nil {
			c.Disconnect(disconnectQuiesce)
		}
		s.connected.Store(false)
		slog.Info("Disconnected from MQTT broker", "addr", s.addr)
	})
}

func (s *Subscription) clientOptions() *pahomqtt.ClientOptions {
	return pahomqtt.NewClientOptions().
		AddBroker(s.addr).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetConnectionLostHandler(s.onConnectionLost)
}

func (s *Subscription) subscribe(ctx context.Context, c client) error {
	token := c.Subscribe(s.cfg.Filter, s.cfg.QoS, s.onMessage)
	if err := s.wait(ctx, token); err != nil {
		return &domain.SubscribeError{Filter: s.cfg.Filter, Err: err}
	}

	if result, ok := token.(interface{ Result() map[string]byte }); ok {
		if code, found := result.Result()[s.cfg.Filter]; found && code == subackFailure {
			return &domain.SubscribeError{Filter: s.cfg.Filter, Err: errRejected}
		}
	}
	return nil
}

// onMessage runs on the Paho router goroutine. Blocking here stalls the
// connection's reader, which is the backpressure towards the broker.
func (s *Subscription) onMessage(_ pahomqtt.Client, m pahomqtt.Message) {
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())
	s.metrics.MessagesReceived.Inc()

	select {
	case s.messages <- domain.Message{Topic: m.Topic(), Payload: payload}:
	case <-s.done:
	}
}

func (s *Subscription) onConnectionLost(_ pahomqtt.Client, err error) {
	s.connected.Store(false)
	select {
	case <-s.done:
		return
	default:
	}
	slog.Warn("MQTT connection lost", "addr", s.addr, "error", err)
	s.report(&domain.BrokerConnectError{Addr: s.addr, Err: err})
}

func (s *Subscription) report(err error) {
	select {
	case s.errors <- err:
	default:
		slog.Warn("Broker error dropped, error channel full", "error", err)
	}
}

func (s *Subscription) wait(ctx context.Context, token pahomqtt.Token) error {
	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.Chan():
		return errTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
