package domain

import "context"

// Broker is a publish/subscribe broker connection bound to one topic filter.
//
// Connect makes a single connection attempt and, once connected, issues the
// subscription. Reconnect policy belongs to the caller: after a
// BrokerConnectError arrives on Errors, the caller calls Connect again and the
// subscription is issued anew.
type Broker interface {
	Connect(ctx context.Context) error
	Messages() <-chan Message
	Errors() <-chan error
	Connected() bool
	Disconnect()
	Addr() string
}
