package presence

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// Identity carries the profile fields stamped onto a presence record.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
	Role        models.Role
}

// Tracker owns the online fields of every user's presence. A user's record is
// created lazily on first connection; the user goes offline only when their
// last connection closes. Away and busy are explicit client choices and never
// touch the connection set.
type Tracker struct {
	mu    sync.RWMutex
	users map[string]*record

	repo repositories.PresenceRepository

	// OnChange is invoked after each state transition, outside the lock.
	OnChange func(models.UserStatus)
}

type record struct {
	status      models.UserStatus
	connections map[string]struct{}
}

// NewTracker constructs a Tracker. The repository may be nil in tests.
func NewTracker(repo repositories.PresenceRepository) *Tracker {
	return &Tracker{
		users: make(map[string]*record),
		repo:  repo,
	}
}

// Connect registers a connection for the user and moves them online if this
// is their first one.
func (t *Tracker) Connect(ctx context.Context, id Identity, connID string) {
	t.mu.Lock()
	rec, ok := t.users[id.UserID]
	if !ok {
		rec = &record{
			status: models.UserStatus{
				UserID:      id.UserID,
				Username:    id.Username,
				DisplayName: id.DisplayName,
				Role:        id.Role,
			},
			connections: make(map[string]struct{}),
		}
		t.users[id.UserID] = rec
	}
	rec.connections[connID] = struct{}{}
	rec.status.LastSeen = time.Now().UTC()
	changed := rec.status.OnlineStatus != models.StatusOnline &&
		(rec.status.OnlineStatus == models.StatusOffline || rec.status.OnlineStatus == "")
	if changed {
		rec.status.OnlineStatus = models.StatusOnline
	}
	status := rec.status
	t.mu.Unlock()

	if changed {
		t.transition(ctx, status)
	} else {
		t.persist(ctx, status)
	}
}

// Disconnect removes a connection. When the user's connection set drains they
// go offline and last_seen is stamped.
func (t *Tracker) Disconnect(ctx context.Context, userID, connID string) {
	t.mu.Lock()
	rec, ok := t.users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(rec.connections, connID)
	rec.status.LastSeen = time.Now().UTC()
	wentOffline := len(rec.connections) == 0
	if wentOffline {
		rec.status.OnlineStatus = models.StatusOffline
	}
	status := rec.status
	t.mu.Unlock()

	if wentOffline {
		t.transition(ctx, status)
	}
}

// SetStatus applies an explicit client status (online, away, busy). It never
// alters the connection set and is ignored for users with no connections.
func (t *Tracker) SetStatus(ctx context.Context, userID string, status models.OnlineStatus) bool {
	if !status.Valid() || status == models.StatusOffline {
		return false
	}

	t.mu.Lock()
	rec, ok := t.users[userID]
	if !ok || len(rec.connections) == 0 {
		t.mu.Unlock()
		return false
	}
	rec.status.OnlineStatus = status
	rec.status.LastSeen = time.Now().UTC()
	snapshot := rec.status
	t.mu.Unlock()

	t.transition(ctx, snapshot)
	return true
}

// Heartbeat refreshes last_seen for a live user.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) {
	t.mu.Lock()
	rec, ok := t.users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.status.LastSeen = time.Now().UTC()
	snapshot := rec.status
	t.mu.Unlock()

	t.persist(ctx, snapshot)
}

// Status returns the user's presence record.
func (t *Tracker) Status(userID string) (models.UserStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.users[userID]
	if !ok {
		return models.UserStatus{}, false
	}
	return rec.status, true
}

// Connections reports how many live connections the user holds.
func (t *Tracker) Connections(userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.users[userID]
	if !ok {
		return 0
	}
	return len(rec.connections)
}

// OnlineUsers lists every user currently not offline, most recently seen
// first.
func (t *Tracker) OnlineUsers() []models.UserStatus {
	t.mu.RLock()
	var out []models.UserStatus
	for _, rec := range t.users {
		if rec.status.OnlineStatus != models.StatusOffline {
			out = append(out, rec.status)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

func (t *Tracker) transition(ctx context.Context, status models.UserStatus) {
	t.persist(ctx, status)
	if t.OnChange != nil {
		t.OnChange(status)
	}
}

func (t *Tracker) persist(ctx context.Context, status models.UserStatus) {
	if t.repo == nil {
		return
	}
	if err := t.repo.UpsertStatus(ctx, status); err != nil {
		log.Printf("presence: persist status for %s failed: %v", status.UserID, err)
	}
}
