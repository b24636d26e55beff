// Package app supervises the bridge: it keeps the broker connection alive with
// backoff, feeds broker messages to the dispatcher and orders shutdown.
package app
