// Package session tracks which open realtime connections are authenticated
// and as whom. The registry is process-local and starts empty.
package session

import (
	"errors"
	"sync"
)

// ErrUnauthorized is returned for connections with no bound identity.
var ErrUnauthorized = errors.New("unauthorized")

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]int64
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]int64)}
}

// Bind associates connID with userID. Binding again replaces the identity.
func (r *Registry) Bind(connID string, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[connID] = userID
}

// Unbind drops any identity bound to connID.
func (r *Registry) Unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, connID)
}

func (r *Registry) Lookup(connID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.sessions[connID]
	if !ok {
		return 0, ErrUnauthorized
	}
	return userID, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
