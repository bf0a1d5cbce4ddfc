package relay

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrUnauthenticated is returned when a connection's credential is missing or rejected.
	ErrUnauthenticated = errors.New("authentication failed")
	// ErrInvalidState is returned when an operation does not fit the connection's lifecycle state.
	ErrInvalidState = errors.New("invalid connection state")
	// ErrSelfRelay is returned when a user addresses an event to themselves.
	ErrSelfRelay = errors.New("cannot relay to yourself")
	// ErrOwnerConflict is returned when a connection id is registered under a second user.
	ErrOwnerConflict = errors.New("connection already registered to another user")
	// ErrInvariant marks a registry/presence disagreement. It is a logic bug.
	ErrInvariant = errors.New("presence invariant violated")
)

// Registry binds user identities to their live connection ids. It is the
// only place that relationship is stored.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{}
	byConn map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
	}
}

// Register adds connID to userID's live set and returns how many connections
// the user holds afterwards. Registering the same pair twice is a no-op.
func (r *Registry) Register(userID, connID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, exists := r.byConn[connID]; exists {
		if owner != userID {
			return len(r.byUser[userID]), ErrOwnerConflict
		}
		return len(r.byUser[userID]), nil
	}
	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = userID
	return len(conns), nil
}

// Deregister removes connID and reports its owner and how many connections
// the owner still holds. ok is false when connID was not registered.
func (r *Registry) Deregister(connID string) (userID string, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok = r.byConn[connID]
	if !ok {
		return "", 0, false
	}
	delete(r.byConn, connID)
	conns := r.byUser[userID]
	delete(conns, connID)
	remaining = len(conns)
	if remaining == 0 {
		delete(r.byUser, userID)
	}
	return userID, remaining, true
}

// ConnectionsFor returns the user's live connection ids in a stable order.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Owner returns the user a connection id is registered to.
func (r *Registry) Owner(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// OnlineUsers lists every user with at least one live connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live connections across all users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
