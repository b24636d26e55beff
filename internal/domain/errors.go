package domain

import (
	"errors"
	"fmt"
)

var (
	ErrClientNotOpen   = errors.New("client not open")
	ErrInvalidFilter   = errors.New("invalid topic filter")
	ErrBrokerNotActive = errors.New("broker connection not established")
)

// BrokerConnectError reports a failure to reach the broker or the loss of an
// established connection. Recoverable: the supervisor reconnects with backoff.
type BrokerConnectError struct {
	Addr string
	Err  error
}

func (e *BrokerConnectError) Error() string {
	return fmt.Sprintf("broker %s: connection failed: %v", e.Addr, e.Err)
}

func (e *BrokerConnectError) Unwrap() error { return e.Err }

// SubscribeError reports that the broker rejected or did not acknowledge the
// subscription. The bridge keeps running without a subscription until the next reconnect.
type SubscribeError struct {
	Filter string
	Err    error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %q: %v", e.Filter, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// ClientTransportError reports a write failure or abnormal close on one client.
type ClientTransportError struct {
	ClientID string
	Err      error
}

func (e *ClientTransportError) Error() string {
	return fmt.Sprintf("client %s: transport: %v", e.ClientID, e.Err)
}

func (e *ClientTransportError) Unwrap() error { return e.Err }

// SlowConsumerError reports a client whose unsent data would exceed its
// queue or byte bound.
type SlowConsumerError struct {
	ClientID     string
	QueuedFrames int
	PendingBytes int64
}

func (e *SlowConsumerError) Error() string {
	return fmt.Sprintf("client %s: slow consumer: %d frames, %d bytes pending", e.ClientID, e.QueuedFrames, e.PendingBytes)
}

// EvictionReason classifies a delivery failure for logs and metrics.
func EvictionReason(err error) string {
	var slow *SlowConsumerError
	switch {
	case errors.As(err, &slow):
		return "slow_consumer"
	case errors.Is(err, ErrClientNotOpen):
		return "not_open"
	default:
		return "transport_error"
	}
}
