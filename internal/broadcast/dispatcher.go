package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/mqttbridge/internal/adapter/metrics"
	"github.com/pscheid92/mqttbridge/internal/domain"
)

// Close reasons sent to clients in the WebSocket close frame.
const (
	reasonSlowConsumer   = "slow consumer"
	reasonTransportError = "delivery failed"
)

// maxLoggedPayload caps the payload preview in the per-message trace.
const maxLoggedPayload = 256

// Dispatcher fans broker messages out to every client in the registry.
type Dispatcher struct {
	registry *Registry
	filter   string
	clock    clockwork.Clock
	metrics  *metrics.DispatchMetrics
	done     chan struct{}
}

// NewDispatcher creates a dispatcher. Messages whose topic does not match
// filter are discarded; an empty filter accepts every topic.
func NewDispatcher(registry *Registry, filter string, clock clockwork.Clock, m *metrics.DispatchMetrics) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		filter:   filter,
		clock:    clock,
		metrics:  m,
		done:     make(chan struct{}),
	}
}

// Run drains messages strictly one at a time until ctx is cancelled or the
// channel is closed. It must be called at most once.
func (d *Dispatcher) Run(ctx context.Context, messages <-chan domain.Message) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			d.dispatchRecovered(msg)
		}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// dispatchRecovered keeps Run alive when dispatching one message panics.
func (d *Dispatcher) dispatchRecovered(msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.Panics.Inc()
			slog.Error("Recovered from panic while dispatching message", "topic", msg.Topic, "panic", r)
		}
	}()
	d.Dispatch(msg)
}

// Dispatch serializes msg once and queues it to every Open client in a registry
// snapshot. Clients that fail are removed and closed; the rest are unaffected.
// Returns the number of clients the envelope was queued to.
func (d *Dispatcher) Dispatch(msg domain.Message) int {
	if d.filter != "" && !domain.MatchTopic(d.filter, msg.Topic) {
		slog.Debug("Discarding message outside topic filter", "topic", msg.Topic, "filter", d.filter)
		d.metrics.MessagesDiscarded.WithLabelValues("filter_mismatch").Inc()
		return 0
	}

	start := d.clock.Now()
	env := domain.NewEnvelope(msg, start)
	data, err := env.Marshal()
	if err != nil {
		slog.Error("Failed to marshal envelope", "topic", msg.Topic, "error", err)
		d.metrics.MessagesDiscarded.WithLabelValues("encode_error").Inc()
		return 0
	}

	delivered := 0
	for _, c := range d.registry.Snapshot() {
		if err := d.deliver(c, data); err != nil {
			d.evict(c, err)
			continue
		}
		delivered++
	}

	d.metrics.MessagesDispatched.Inc()
	d.metrics.EnvelopesDelivered.Add(float64(delivered))
	d.metrics.DispatchDuration.Observe(d.clock.Since(start).Seconds())

	slog.Debug("Message dispatched",
		"topic", msg.Topic,
		"payload", payloadPreview(env.Payload),
		"bytes", len(data),
		"clients", delivered,
	)
	return delivered
}

func (d *Dispatcher) deliver(c domain.Client, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.Panics.Inc()
			err = &domain.ClientTransportError{ClientID: c.ID(), Err: fmt.Errorf("panic during send: %v", r)}
		}
	}()

	if state := c.State(); state != domain.ClientOpen {
		return &domain.ClientTransportError{ClientID: c.ID(), Err: fmt.Errorf("%w: %s", domain.ErrClientNotOpen, state)}
	}
	return c.Send(data)
}

func (d *Dispatcher) evict(c domain.Client, err error) {
	reason := domain.EvictionReason(err)
	if !d.registry.Remove(c) {
		return
	}

	closeReason := reasonTransportError
	if reason == "slow_consumer" {
		closeReason = reasonSlowConsumer
	}
	c.Close(closeReason)

	d.metrics.ClientsEvicted.WithLabelValues(reason).Inc()
	slog.Warn("Evicted client", "client_id", c.ID(), "reason", reason, "error", err)
}

func payloadPreview(payload string) string {
	if len(payload) <= maxLoggedPayload {
		return payload
	}
	cut := maxLoggedPayload
	for cut > 0 && !utf8.RuneStart(payload[cut]) {
		cut--
	}
	return payload[:cut] + "…"
}
