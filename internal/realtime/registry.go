package realtime

import "sync"

// Registry tracks the live connections of every user. A user key exists only
// while at least one open connection is registered for it.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string][]*Connection
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string][]*Connection)}
}

func (r *Registry) Register(userID string, conn *Connection) {
	if conn == nil || conn.Closed() {
		return
	}
	r.mu.Lock()
	r.byUser[userID] = append(r.byUser[userID], conn)
	r.mu.Unlock()
}

// Unregister removes the connection if present. Calling it again is a no-op.
func (r *Registry) Unregister(userID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.byUser[userID]
	if !ok {
		return false
	}
	for i, conn := range bucket {
		if conn.ID() != connectionID {
			continue
		}
		rest := make([]*Connection, 0, len(bucket)-1)
		rest = append(rest, bucket[:i]...)
		rest = append(rest, bucket[i+1:]...)
		if len(rest) == 0 {
			delete(r.byUser, userID)
		} else {
			r.byUser[userID] = rest
		}
		return true
	}
	return false
}

// Evict removes conn from the registry and then closes it. It reports whether
// this call removed the connection.
func (r *Registry) Evict(conn *Connection) bool {
	removed := r.Unregister(conn.UserID(), conn.ID())
	conn.Close()
	return removed
}

// ConnectionsFor returns a snapshot of the user's open connections.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.byUser[userID]
	out := make([]*Connection, 0, len(bucket))
	for _, conn := range bucket {
		if !conn.Closed() {
			out = append(out, conn)
		}
	}
	return out
}

// All returns a snapshot of every open connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.byUser))
	for _, bucket := range r.byUser {
		for _, conn := range bucket {
			if !conn.Closed() {
				out = append(out, conn)
			}
		}
	}
	return out
}

func (r *Registry) CountFor(userID string) int {
	return len(r.ConnectionsFor(userID))
}

func (r *Registry) Total() int {
	return len(r.All())
}

// HasUser reports whether userID currently has a bucket.
func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// Users returns the number of users with at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// CloseAll closes every sink and empties the registry. Used at shutdown.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	buckets := r.byUser
	r.byUser = make(map[string][]*Connection)
	r.mu.Unlock()

	n := 0
	for _, bucket := range buckets {
		for _, conn := range bucket {
			conn.Close()
			n++
		}
	}
	return n
}
