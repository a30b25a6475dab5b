package ws

import (
	"context"
	"sync"

	"messaging-service/internal/presence"
)

// Registry maps user ids to their live connections. It is the synchronization
// point the presence tracker observes: registering the first connection takes
// a user online, deregistering the last takes them offline. Each user holds at
// most maxPerUser connections; one more evicts the oldest.
type Registry struct {
	mu         sync.RWMutex
	byUser     map[string][]*Client // oldest first
	maxPerUser int

	tracker *presence.Tracker
}

// NewRegistry constructs a Registry. maxPerUser <= 0 falls back to 5.
func NewRegistry(tracker *presence.Tracker, maxPerUser int) *Registry {
	if maxPerUser <= 0 {
		maxPerUser = 5
	}
	return &Registry{
		byUser:     make(map[string][]*Client),
		maxPerUser: maxPerUser,
		tracker:    tracker,
	}
}

// Register adds a connection and returns the evicted one, if the device limit
// was hit. The caller closes the evicted connection with the policy code.
func (r *Registry) Register(ctx context.Context, c *Client) *Client {
	var evicted *Client

	r.mu.Lock()
	conns := r.byUser[c.user.UserID]
	if len(conns) >= r.maxPerUser {
		evicted = conns[0]
		conns = conns[1:]
	}
	r.byUser[c.user.UserID] = append(conns, c)
	r.mu.Unlock()

	if r.tracker != nil {
		r.tracker.Connect(ctx, c.identity(), c.id)
		if evicted != nil {
			// The evicted handle already left the registry; release its
			// presence slot here so its close path cannot double-count.
			r.tracker.Disconnect(ctx, evicted.user.UserID, evicted.id)
		}
	}
	return evicted
}

// Deregister removes a connection. Safe to call more than once.
func (r *Registry) Deregister(ctx context.Context, c *Client) {
	removed := false

	r.mu.Lock()
	conns := r.byUser[c.user.UserID]
	for i, conn := range conns {
		if conn == c {
			conns = append(conns[:i], conns[i+1:]...)
			removed = true
			break
		}
	}
	if len(conns) == 0 {
		delete(r.byUser, c.user.UserID)
	} else {
		r.byUser[c.user.UserID] = conns
	}
	r.mu.Unlock()

	if removed && r.tracker != nil {
		r.tracker.Disconnect(ctx, c.user.UserID, c.id)
	}
}

// Connections returns a snapshot of the user's live connections.
func (r *Registry) Connections(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]*Client, len(conns))
	copy(out, conns)
	return out
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Client
	for _, conns := range r.byUser {
		out = append(out, conns...)
	}
	return out
}

// ActiveUsers reports how many users hold at least one connection.
func (r *Registry) ActiveUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
