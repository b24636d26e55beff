// Package broadcast implements the fan-out core: the client registry, the
// dispatcher that turns broker messages into envelopes, and the per-connection
// WebSocket writer.
//
// The Dispatcher handles one message at a time and never blocks on a client: every
// client owns a bounded queue drained by its own writer goroutine, and a client whose
// queue would overflow is evicted instead of slowing everyone else down.
package broadcast
