// Package anon assigns visitors without an account a stable pseudo-identity
// so their posts can be attributed and moderated across page loads.
package anon

import (
	"context"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
)

const (
	userIDKey    = "anon_user_id"
	sessionIDKey = "anon_session_id"
)

// Identity is the pseudo-user a visitor is known by until they sign in.
type Identity struct {
	UserID    uuid.UUID
	SessionID string
}

// Storage is the per-visitor persistent storage. *scs.SessionManager
// satisfies it.
type Storage interface {
	GetString(ctx context.Context, key string) string
	Put(ctx context.Context, key string, val interface{})
	Remove(ctx context.Context, key string)
}

// Recorder keeps a durable stand-in row for a new identity.
type Recorder interface {
	SaveTempUser(ctx context.Context, id Identity) error
}

type Manager struct {
	storage  Storage
	recorder Recorder
	logger   slog.Logger
}

// New returns a Manager. With a nil storage every call to Identity mints a
// new identity; attribution degrades but nothing fails.
func New(storage Storage, recorder Recorder, logger slog.Logger) *Manager {
	return &Manager{storage: storage, recorder: recorder, logger: logger}
}

// Identity returns the visitor's identity, creating and persisting one on
// first use.
func (m *Manager) Identity(ctx context.Context) Identity {
	if id, ok := m.Current(ctx); ok {
		return id
	}
	id := Identity{
		UserID:    uuid.New(),
		SessionID: uuid.NewString(),
	}
	if m.storage != nil {
		m.storage.Put(ctx, userIDKey, id.UserID.String())
		m.storage.Put(ctx, sessionIDKey, id.SessionID)
	}
	if m.recorder != nil {
		if err := m.recorder.SaveTempUser(ctx, id); err != nil {
			m.logger.Warn(ctx, "record anonymous user", slog.F("temp_user_id", id.UserID), slog.Error(err))
		}
	}
	m.logger.Debug(ctx, "issued anonymous identity", slog.F("temp_user_id", id.UserID))
	return id
}

// Current returns the stored identity without creating one.
func (m *Manager) Current(ctx context.Context) (Identity, bool) {
	if m.storage == nil {
		return Identity{}, false
	}
	raw := m.storage.GetString(ctx, userIDKey)
	if raw == "" {
		return Identity{}, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return Identity{}, false
	}
	sid := m.storage.GetString(ctx, sessionIDKey)
	if sid == "" {
		return Identity{}, false
	}
	return Identity{UserID: userID, SessionID: sid}, true
}

// Clear forgets the stored identity. Call it on sign-in so the anonymous
// identity is not conflated with the account.
func (m *Manager) Clear(ctx context.Context) {
	if m.storage == nil {
		return
	}
	m.storage.Remove(ctx, userIDKey)
	m.storage.Remove(ctx, sessionIDKey)
}
