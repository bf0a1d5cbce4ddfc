package mirror

import (
	"context"

	"relaychat/internal/relay"
	"relaychat/internal/storage"
)

// PresenceWriter is the storage capability StoreMirror needs.
type PresenceWriter interface {
	RecordPresence(ctx context.Context, p storage.Presence) error
}

// StoreMirror keeps the SQLite presence ledger in step with transitions.
type StoreMirror struct {
	store PresenceWriter
}

func NewStoreMirror(store PresenceWriter) *StoreMirror {
	return &StoreMirror{store: store}
}

func (m *StoreMirror) Name() string { return "sqlite" }

func (m *StoreMirror) Publish(ctx context.Context, event relay.PresenceEvent) error {
	return m.store.RecordPresence(ctx, storage.Presence{
		UserID:    event.UserID,
		Status:    string(event.Status),
		LastSeen:  event.LastSeen,
		UpdatedAt: event.At,
	})
}

// Close is a no-op; the store is owned by the caller.
func (m *StoreMirror) Close() error { return nil }
