// Package registry holds the live client_id -> outbound sink mapping,
// grounded in original_source/server.py's active_connections dict and
// generalized from network.Listener's handler-registration pattern so
// the dispatcher never depends on the transport package directly.
package registry

import "sync"

// Sink is anything that can accept an encoded outbound packet for a
// connected client. network.Connection satisfies it via its Write method.
type Sink interface {
	Write(b []byte) (int, error)
}

// Registry is an explicit value passed to the handler, dispatcher, and
// broker; it is never a package-level global.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register associates a client id with its outbound sink, replacing any
// prior sink for the same id (a new CONNECT on the same client id takes
// over the connection).
func (r *Registry) Register(clientID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[clientID] = sink
}

// Deregister removes a client id's sink. It is a no-op if sink no longer
// matches what is registered (the client id has since been taken over by
// a newer connection).
func (r *Registry) Deregister(clientID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sinks[clientID]; ok && current == sink {
		delete(r.sinks, clientID)
	}
}

// Lookup returns the outbound sink for a client id, if connected.
func (r *Registry) Lookup(clientID string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sinks[clientID]
	return sink, ok
}

// Snapshot returns a point-in-time copy of the registry, used by the
// dispatcher so a fan-out does not hold the registry lock for the
// duration of a delivery attempt.
func (r *Registry) Snapshot() map[string]Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Sink, len(r.sinks))
	for k, v := range r.sinks {
		out[k] = v
	}
	return out
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Range calls fn for every connected client id and its sink. fn must not
// call back into the registry.
func (r *Registry) Range(fn func(clientID string, sink Sink)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.sinks {
		fn(k, v)
	}
}
