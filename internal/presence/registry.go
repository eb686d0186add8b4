package presence

import (
	"errors"
	"sync"

	"github.com/samber/lo"
)

// ErrPresenceMiss reports that a user has no live connection.
var ErrPresenceMiss = errors.New("presence: user not connected")

// Registry maps user identifiers to their single live connection and back.
// A later Identify for the same user replaces the earlier connection without
// notifying it.
type Registry struct {
	mu         sync.RWMutex
	connByUser map[string]string
	userByConn map[string]string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connByUser: make(map[string]string),
		userByConn: make(map[string]string),
	}
}

// Identify binds connID to userID, replacing any previous binding of either side.
func (r *Registry) Identify(connID, userID string) {
	if connID == "" || userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if previousUser, ok := r.userByConn[connID]; ok && previousUser != userID {
		if r.connByUser[previousUser] == connID {
			delete(r.connByUser, previousUser)
		}
	}
	if previousConn, ok := r.connByUser[userID]; ok && previousConn != connID {
		delete(r.userByConn, previousConn)
	}
	r.connByUser[userID] = connID
	r.userByConn[connID] = userID
}

// Lookup returns the live connection for userID.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.connByUser[userID]
	return connID, ok
}

// UserOf returns the user bound to connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.userByConn[connID]
	return userID, ok
}

// Remove drops both directions of the mapping for connID. A user already
// rebound to a newer connection keeps that binding.
func (r *Registry) Remove(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.userByConn[connID]
	if !ok {
		return "", false
	}
	delete(r.userByConn, connID)
	if r.connByUser[userID] == connID {
		delete(r.connByUser, userID)
	}
	return userID, true
}

// Len returns the number of present users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connByUser)
}

// Users returns the identifiers of every present user in no particular order.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.connByUser)
}
