package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relaychat/internal/storage"
)

// SessionStore is the subset of storage.Store needed to resolve opaque tokens.
type SessionStore interface {
	GetSession(ctx context.Context, token string) (*storage.Session, error)
}

// SessionVerifier resolves opaque session tokens kept in SQLite.
type SessionVerifier struct {
	store SessionStore
	now   func() time.Time
}

func NewSessionVerifier(store SessionStore, now func() time.Time) *SessionVerifier {
	if now == nil {
		now = time.Now
	}
	return &SessionVerifier{store: store, now: now}
}

func (v *SessionVerifier) Verify(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	sess, err := v.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return "", fmt.Errorf("%w: unknown session", ErrInvalidToken)
		}
		return "", fmt.Errorf("load session: %w", err)
	}
	if !sess.ExpiresAt.After(v.now()) {
		return "", fmt.Errorf("%w: session expired", ErrInvalidToken)
	}
	return sess.UserID, nil
}
