package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/mqttbridge/internal/adapter/metrics"
	"github.com/pscheid92/mqttbridge/internal/broadcast"
	"github.com/pscheid92/mqttbridge/internal/domain"
	"github.com/pscheid92/mqttbridge/internal/platform/retry"
)

// ShutdownReason is sent to every client in the close frame on shutdown.
const ShutdownReason = "Server shutting down"

type BridgeConfig struct {
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	ShutdownTimeout time.Duration
}

// Bridge owns the broker connection lifecycle. The broker never reconnects on
// its own; every loss is reported on Errors and handled here.
type Bridge struct {
	broker     domain.Broker
	registry   *broadcast.Registry
	dispatcher *broadcast.Dispatcher
	clock      clockwork.Clock
	cfg        BridgeConfig
	metrics    *metrics.BrokerMetrics
}

func NewBridge(broker domain.Broker, registry *broadcast.Registry, dispatcher *broadcast.Dispatcher, clock clockwork.Clock, cfg BridgeConfig, m *metrics.BrokerMetrics) *Bridge {
	return &Bridge{
		broker:     broker,
		registry:   registry,
		dispatcher: dispatcher,
		clock:      clock,
		cfg:        cfg,
		metrics:    m,
	}
}

// Ready reports whether the broker connection is currently established.
func (b *Bridge) Ready() bool {
	return b.broker.Connected()
}

// Run connects to the broker, dispatches until ctx is cancelled and then shuts
// down in order: dispatcher, clients, broker.
func (b *Bridge) Run(ctx context.Context) error {
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	go b.dispatcher.Run(dispatchCtx, b.broker.Messages())

	superviseErr := b.supervise(ctx)
	if superviseErr != nil {
		slog.Error("Broker supervision stopped", "error", superviseErr)
	}

	cancelDispatch()
	<-b.dispatcher.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
	defer cancel()
	closeErr := b.registry.CloseAll(shutdownCtx, ShutdownReason)

	b.broker.Disconnect()
	b.metrics.Connected.Set(0)

	if closeErr != nil {
		closeErr = fmt.Errorf("failed to close clients: %w", closeErr)
	}
	return errors.Join(superviseErr, closeErr)
}

func (b *Bridge) supervise(ctx context.Context) error {
	for {
		b.drainErrors()

		if err := b.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.metrics.Connected.Set(1)

		if !b.watch(ctx) {
			return nil
		}
		b.metrics.Connected.Set(0)
		b.metrics.Reconnects.Inc()
	}
}

func (b *Bridge) connect(ctx context.Context) error {
	policy := retry.Policy{
		InitialBackoff: b.cfg.InitialBackoff,
		MaxBackoff:     b.cfg.MaxBackoff,
		Clock:          b.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.WarnContext(ctx, "Broker connection failed, retrying",
				"addr", b.broker.Addr(),
				"attempt", attempt,
				"backoff", backoff,
				"error", err,
			)
		},
	}

	return retry.DoVoid(ctx, policy, classifyConnectError, func() error {
		return b.broker.Connect(ctx)
	})
}

// watch blocks until the connection is lost (true) or ctx is done (false).
func (b *Bridge) watch(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-b.broker.Errors():
			var connectErr *domain.BrokerConnectError
			var subscribeErr *domain.SubscribeError
			switch {
			case errors.As(err, &subscribeErr):
				slog.WarnContext(ctx, "Subscription failed, no messages until reconnect",
					"filter", subscribeErr.Filter,
					"error", subscribeErr.Err,
				)
			case errors.As(err, &connectErr):
				slog.WarnContext(ctx, "Broker connection lost, reconnecting", "addr", connectErr.Addr, "error", connectErr.Err)
				return true
			default:
				slog.ErrorContext(ctx, "Unexpected broker error", "error", err)
			}
		}
	}
}

// drainErrors discards reports left over from a previous connection.
func (b *Bridge) drainErrors() {
	for {
		select {
		case err := <-b.broker.Errors():
			slog.Debug("Discarding stale broker error", "error", err)
		default:
			return
		}
	}
}

func classifyConnectError(err error) retry.Action {
	if errors.Is(err, domain.ErrBrokerNotActive) {
		return retry.Stop
	}
	return retry.Retry
}
