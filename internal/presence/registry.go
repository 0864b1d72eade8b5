package presence

import (
	"sort"
	"sync"
)

// Registry maps a user id to the set of that user's live connections.
// It is safe for concurrent use; every read returns a copy.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Connection // user -> conn id -> conn
	count  int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Connection),
	}
}

// Register adds c to its user's set and reports whether the user just came
// online. Closed or already registered connections are ignored.
func (r *Registry) Register(c *Connection) bool {
	if c == nil || c.UserID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Closed() {
		return false
	}

	conns := r.byUser[c.UserID]
	first := conns == nil
	if first {
		conns = make(map[string]*Connection)
		r.byUser[c.UserID] = conns
	}
	if _, exists := conns[c.ID]; exists {
		return false
	}
	conns[c.ID] = c
	r.count++
	return first
}

// Deregister removes c and invalidates its send handle in the same critical
// section. It reports whether the user's last connection went away. Removing
// an absent connection is a no-op.
func (r *Registry) Deregister(c *Connection) bool {
	if c == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byUser[c.UserID]
	if _, ok := conns[c.ID]; !ok {
		c.invalidate()
		return false
	}
	delete(conns, c.ID)
	r.count--
	c.invalidate()

	if len(conns) == 0 {
		delete(r.byUser, c.UserID)
		return true
	}
	return false
}

// ConnectionsFor returns a snapshot of userID's connections, empty if none.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// OnlineUserIDs returns a sorted snapshot of users with at least one
// connection.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

// IsOnline reports whether userID holds a connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Snapshot returns the online set and every connection from one consistent
// view of the registry.
func (r *Registry) Snapshot() ([]string, []*Connection) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked(), r.allLocked()
}

// Counts returns the number of connections and online users.
func (r *Registry) Counts() (connections, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count, len(r.byUser)
}

func (r *Registry) onlineLocked() []string {
	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) allLocked() []*Connection {
	out := make([]*Connection, 0, r.count)
	for _, conns := range r.byUser {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}
