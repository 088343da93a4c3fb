package session

import (
	"io"
	"slices"
	"sync"
)

type entry struct {
	info Info
	conn io.Closer
}

// Registry tracks live connections so they can be listed and closed from
// outside their serving goroutine. It never exposes session state.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
	}
}

// Add registers a connection under info.ID.
func (r *Registry) Add(info Info, conn io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[info.ID] = &entry{info: info, conn: conn}
}

// Remove forgets a connection. It does not close it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List returns the live sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	result := make([]Info, 0, len(r.conns))
	for _, e := range r.conns {
		result = append(result, e.info)
	}
	r.mu.RUnlock()

	slices.SortFunc(result, func(a, b Info) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return result
}

// Kill closes the connection of session id. The serving goroutine notices
// on its next read and tears the session down.
func (r *Registry) Kill(id string) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	e.conn.Close()
	return true
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.conns {
		e.conn.Close()
	}
}
