// Package session tracks per-user conversation sessions.
//
// A session groups consecutive messages into one model context. Sessions
// are not closed explicitly; a session ends when the user stays quiet for
// longer than the inactivity window, and the next message starts a new one.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ragpile/ragpile/pkg/ragpile/store"
)

// DefaultWindow is the inactivity span after which the next message
// starts a fresh session.
const DefaultWindow = 2 * time.Hour

// Integration settings keys on the user record.
const (
	integration     = "assistant"
	keySessionID    = "session_id"
	keyLastActivity = "last_activity"
)

// Manager resolves the active session for a user, rotating stale ones.
type Manager struct {
	store  store.Store
	window time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// NewManager returns a Manager over st. A non-positive window falls
// back to DefaultWindow.
func NewManager(st store.Store, window time.Duration, log *slog.Logger) *Manager {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:  st,
		window: window,
		now:    time.Now,
		log:    log.With("component", "session"),
	}
}

// GetOrCreate returns the active session id for u, minting a new one when
// none exists or the previous one has been idle past the window. It always
// stamps the user's last-activity time before returning, so the window is
// measured from the latest message, not from session creation. Persistence
// errors are returned rather than masked; the caller must not proceed with
// a session id that was never durably recorded.
func (m *Manager) GetOrCreate(ctx context.Context, u *store.User) (string, error) {
	now := m.now().UTC()

	id := u.Integrations.Get(integration, keySessionID)
	fresh := id == ""
	if !fresh {
		last, err := time.Parse(time.RFC3339, u.Integrations.Get(integration, keyLastActivity))
		if err != nil || now.Sub(last) > m.window {
			fresh = true
		}
	}

	if fresh {
		id = newSessionID()
		if err := m.store.CreateSession(ctx, &store.Session{
			ID:        id,
			UserID:    u.ID,
			CreatedAt: now,
		}); err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		u.Integrations.Set(integration, keySessionID, id)
		m.log.Info("session rotated", "user", u.ID, "session", id)
	}

	// Stamped on every message, including ones that reuse the session.
	u.Integrations.Set(integration, keyLastActivity, now.Format(time.RFC3339))
	if err := m.store.UpdateUserIntegrations(ctx, u); err != nil {
		return "", fmt.Errorf("stamp session activity: %w", err)
	}
	return id, nil
}

// Clear forgets the user's current session so the next message starts a
// new one.
func (m *Manager) Clear(ctx context.Context, u *store.User) error {
	u.Integrations.Set(integration, keySessionID, "")
	u.Integrations.Set(integration, keyLastActivity, "")
	if err := m.store.UpdateUserIntegrations(ctx, u); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
