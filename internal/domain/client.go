package domain

// ClientState is the lifecycle state of a streaming client.
type ClientState int32

const (
	ClientConnecting ClientState = iota
	ClientOpen
	ClientClosing
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientConnecting:
		return "connecting"
	case ClientOpen:
		return "open"
	case ClientClosing:
		return "closing"
	case ClientClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is a handle to one connected streaming endpoint.
// A client moves Connecting -> Open -> Closing -> Closed and never reopens.
type Client interface {
	ID() string
	State() ClientState

	// Open transitions a Connecting client to Open.
	// Returns false if the client is in any other state.
	Open() bool

	// Send queues one serialized envelope for delivery. It must not block.
	// The slice is shared across clients and must not be modified.
	Send(data []byte) error

	// Close starts a graceful close and returns immediately.
	Close(reason string)

	// Done is closed once the underlying transport is fully closed.
	Done() <-chan struct{}
}
