package relay

import (
	"sort"
	"sync"
)

// TypingTracker mirrors the last typing signal per (sender, peer). It has no
// timers; expiry is a client concern.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[string]map[string]bool
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{entries: make(map[string]map[string]bool)}
}

// SetTyping overwrites the entry for (senderID, peerID).
func (t *TypingTracker) SetTyping(senderID, peerID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := t.entries[senderID]
	if peers == nil {
		peers = make(map[string]bool)
		t.entries[senderID] = peers
	}
	peers[peerID] = isTyping
}

func (t *TypingTracker) IsTyping(senderID, peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[senderID][peerID]
}

// ClearSender drops every entry for senderID and returns the peers that were
// still marked as typing.
func (t *TypingTracker) ClearSender(senderID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := t.entries[senderID]
	delete(t.entries, senderID)
	var stale []string
	for peerID, typing := range peers {
		if typing {
			stale = append(stale, peerID)
		}
	}
	sort.Strings(stale)
	return stale
}
