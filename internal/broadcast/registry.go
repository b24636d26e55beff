package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pscheid92/mqttbridge/internal/adapter/metrics"
	"github.com/pscheid92/mqttbridge/internal/domain"
)

// Registry tracks the set of Open clients. All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]domain.Client
	wsMetrics *metrics.WebSocketMetrics
}

func NewRegistry(wsMetrics *metrics.WebSocketMetrics) *Registry {
	return &Registry{
		clients:   make(map[string]domain.Client),
		wsMetrics: wsMetrics,
	}
}

// Add registers a client and transitions it Connecting -> Open.
// Returns false if the client is already registered or can no longer be opened.
func (r *Registry) Add(c domain.Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[c.ID()]; exists {
		return false
	}
	if !c.Open() {
		return false
	}

	r.clients[c.ID()] = c
	r.wsMetrics.ActiveConnections.Set(float64(len(r.clients)))
	return true
}

// Remove deregisters a client. Returns false if it was not registered.
func (r *Registry) Remove(c domain.Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.clients[c.ID()]
	if !exists || existing != c {
		return false
	}

	delete(r.clients, c.ID())
	r.wsMetrics.ActiveConnections.Set(float64(len(r.clients)))
	return true
}

// Snapshot returns the clients registered at call time.
// The returned slice is owned by the caller.
func (r *Registry) Snapshot() []domain.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]domain.Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll deregisters every client, closes each one gracefully and waits until
// their transports are closed or ctx is done.
func (r *Registry) CloseAll(ctx context.Context, reason string) error {
	r.mu.Lock()
	clients := make([]domain.Client, 0, len(r.clients))
	for id, c := range r.clients {
		clients = append(clients, c)
		delete(r.clients, id)
	}
	r.wsMetrics.ActiveConnections.Set(0)
	r.mu.Unlock()

	for _, c := range clients {
		c.Close(reason)
	}

	for i, c := range clients {
		select {
		case <-c.Done():
		case <-ctx.Done():
			slog.Warn("Timed out waiting for clients to close",
				"closed", i,
				"total", len(clients),
			)
			return ctx.Err()
		}
	}

	slog.Info("All clients closed", "count", len(clients))
	return nil
}
