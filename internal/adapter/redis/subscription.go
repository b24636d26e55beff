package redis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pscheid92/mqttbridge/internal/adapter/metrics"
	"github.com/pscheid92/mqttbridge/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const errorBufferSize = 8

type Config struct {
	Filter         string
	ConnectTimeout time.Duration
	BufferSize     int
}

// Subscription is a domain.Broker over Redis PSUBSCRIBE. Channel names play the
// role of MQTT topics; the MQTT filter is translated to a glob pattern and every
// delivery is checked against the filter again, since globs are coarser.
type Subscription struct {
	rdb     *goredis.Client
	cfg     Config
	pattern string
	metrics *metrics.BrokerMetrics

	mu     sync.Mutex
	pubsub *goredis.PubSub
	cancel context.CancelFunc

	connected atomic.Bool
	messages  chan domain.Message
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func NewSubscription(rdb *goredis.Client, cfg Config, m *metrics.BrokerMetrics) (*Subscription, error) {
	if err := domain.ValidateFilter(cfg.Filter); err != nil {
		return nil, err
	}

	return &Subscription{
		rdb:      rdb,
		cfg:      cfg,
		pattern:  FilterToPattern(cfg.Filter),
		metrics:  m,
		messages: make(chan domain.Message, cfg.BufferSize),
		errors:   make(chan error, errorBufferSize),
		done:     make(chan struct{}),
	}, nil
}

func (s *Subscription) Addr() string {
	return "redis://" + s.rdb.Options().Addr
}

func (s *Subscription) Messages() <-chan domain.Message { return s.messages }

func (s *Subscription) Errors() <-chan error { return s.errors }

func (s *Subscription) Connected() bool { return s.connected.Load() }

// Connect issues PSUBSCRIBE and waits for the confirmation before starting
// the receive loop. Any previous pub/sub connection is released first.
func (s *Subscription) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return &domain.BrokerConnectError{Addr: s.Addr(), Err: domain.ErrBrokerNotActive}
	default:
	}
	s.release()

	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancelConnect := context.WithTimeout(ctx, timeout)
	defer cancelConnect()

	pubsub := s.rdb.PSubscribe(connectCtx, s.pattern)
	if _, err := pubsub.Receive(connectCtx); err != nil {
		_ = pubsub.Close()
		s.metrics.ConnectFailures.Inc()
		return &domain.BrokerConnectError{Addr: s.Addr(), Err: err}
	}

	receiveCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.pubsub = pubsub
	s.cancel = cancel
	s.mu.Unlock()
	s.connected.Store(true)

	slog.InfoContext(ctx, "Subscribed to Redis channels", "addr", s.Addr(), "pattern", s.pattern, "filter", s.cfg.Filter)

	go s.receive(receiveCtx, pubsub)
	return nil
}

// Disconnect stops delivery and closes the pub/sub connection. The underlying
// Redis client stays open and is owned by the caller.
func (s *Subscription) Disconnect() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.release()
		slog.Info("Disconnected from Redis", "addr", s.Addr())
	})
}

func (s *Subscription) release() {
	s.mu.Lock()
	pubsub, cancel := s.pubsub, s.cancel
	s.pubsub, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	s.connected.Store(false)
}

func (s *Subscription) receive(ctx context.Context, pubsub *goredis.PubSub) {
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, goredis.ErrClosed) {
				return
			}
			s.connected.Store(false)
			_ = pubsub.Close()
			slog.Warn("Redis subscription lost", "addr", s.Addr(), "error", err)
			s.report(&domain.BrokerConnectError{Addr: s.Addr(), Err: err})
			return
		}

		if !domain.MatchTopic(s.cfg.Filter, msg.Channel) {
			continue
		}
		s.metrics.MessagesReceived.Inc()

		select {
		case s.messages <- domain.Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) report(err error) {
	select {
	case s.errors <- err:
	default:
		slog.Warn("Broker error dropped, error channel full", "error", err)
	}
}

// FilterToPattern translates an MQTT topic filter into a Redis glob pattern that
// matches a superset of the filter's topics.
func FilterToPattern(filter string) string {
	levels := strings.Split(filter, domain.TopicSeparator)

	var b strings.Builder
	for i, level := range levels {
		switch level {
		case domain.MultiLevelWildcard:
			// "a/#" also matches "a", so the separator before it becomes optional.
			if i > 0 {
				return strings.TrimSuffix(b.String(), domain.TopicSeparator) + "*"
			}
			return "*"
		case domain.SingleLevelWildcard:
			b.WriteString("*")
		default:
			b.WriteString(escapeGlob(level))
		}
		if i < len(levels)-1 {
			b.WriteString(domain.TopicSeparator)
		}
	}
	return b.String()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
