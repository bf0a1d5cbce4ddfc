package relay

import (
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// PresenceEvent announces a user's online/offline transition.
type PresenceEvent struct {
	UserID   string
	Status   Status
	LastSeen time.Time
	At       time.Time
}

// Record is the derived presence of a single user.
type Record struct {
	UserID   string
	Status   Status
	LastSeen time.Time
}

// PresenceTracker turns registry occupancy changes into presence events. It
// emits exactly on 0→1 and 1→0 transitions.
type PresenceTracker struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]Record
}

// NewPresenceTracker builds a tracker using now as its clock; nil means time.Now.
func NewPresenceTracker(now func() time.Time) *PresenceTracker {
	if now == nil {
		now = time.Now
	}
	return &PresenceTracker{now: now, records: make(map[string]Record)}
}

// OnConnectionAdded is called with the user's connection count right after a
// registration. It returns an online event only for the first connection.
func (p *PresenceTracker) OnConnectionAdded(userID string, count int) (*PresenceEvent, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: user %s has %d connections after register", ErrInvariant, userID, count)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.records[userID]
	if count > 1 || rec.Status == StatusOnline {
		return nil, nil
	}
	now := p.now()
	p.records[userID] = Record{UserID: userID, Status: StatusOnline, LastSeen: rec.LastSeen}
	return &PresenceEvent{UserID: userID, Status: StatusOnline, LastSeen: rec.LastSeen, At: now}, nil
}

// OnConnectionRemoved is called with the user's remaining connection count
// right after a deregistration. It returns an offline event, stamped with
// the last-seen time, only when no connections remain.
func (p *PresenceTracker) OnConnectionRemoved(userID string, remaining int) (*PresenceEvent, error) {
	if remaining < 0 {
		return nil, fmt.Errorf("%w: user %s has %d connections after deregister", ErrInvariant, userID, remaining)
	}
	if remaining > 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[userID]
	if !ok || rec.Status != StatusOnline {
		return nil, fmt.Errorf("%w: user %s went offline without being online", ErrInvariant, userID)
	}
	now := p.now()
	p.records[userID] = Record{UserID: userID, Status: StatusOffline, LastSeen: now}
	return &PresenceEvent{UserID: userID, Status: StatusOffline, LastSeen: now, At: now}, nil
}

// Lookup returns the user's presence. Unknown users are offline with a zero
// last-seen.
func (p *PresenceTracker) Lookup(userID string) Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[userID]
	if !ok {
		return Record{UserID: userID, Status: StatusOffline}
	}
	return rec
}
