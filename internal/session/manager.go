package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"quest/internal/domain"
	"quest/internal/observability"
	"quest/internal/ports"
)

// ManagerConfig controls session lifetime checks.
type ManagerConfig struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

// Manager applies expiry and token checks on top of a SessionStore. It
// never caches; every call reads the store so a logout made by another
// context is observed immediately.
type Manager struct {
	store ports.SessionStore
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

func NewManager(store ports.SessionStore, cfg ManagerConfig) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = domain.SessionTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store: store,
		ttl:   cfg.TTL,
		now:   cfg.Now,
		log:   observability.Default(cfg.Logger).With("component", "session"),
	}
}

// Current returns the stored session, or nil when nobody is logged in.
// An expired session is removed and reported as session_expired.
func (m *Manager) Current(ctx context.Context) (*domain.Session, error) {
	session, err := m.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	if session.Expired(m.now(), m.ttl) {
		if err := m.store.Remove(ctx); err != nil {
			m.log.Warn("failed to clear expired session", "error", err)
		}
		m.log.Info("session expired", "user_id", session.UserID, "issued_at", session.IssuedAt)
		return nil, domain.NewError(domain.ErrorKindSessionExpired, "session expired, please log in again")
	}
	return session, nil
}

// Save stores session, stamping the issue time when it is unset.
func (m *Manager) Save(ctx context.Context, session domain.Session) (domain.Session, error) {
	if strings.TrimSpace(session.AccessToken) == "" {
		return domain.Session{}, domain.NewError(domain.ErrorKindInvalidInput, "session has no access token")
	}
	if session.IssuedAt.IsZero() {
		session.IssuedAt = m.now()
	}
	if err := m.store.Set(ctx, session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// Clear forgets the session.
func (m *Manager) Clear(ctx context.Context) error {
	return m.store.Remove(ctx)
}

// Validate re-reads the store and checks that token is still the active
// credential.
func (m *Manager) Validate(ctx context.Context, token string) (domain.Session, error) {
	session, err := m.Current(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	if session == nil {
		return domain.Session{}, domain.NewError(domain.ErrorKindUnauthorized, "you need to log in first")
	}
	if token == "" || session.AccessToken != token {
		return domain.Session{}, domain.NewError(domain.ErrorKindUnauthorized, "session changed, please log in again")
	}
	return *session, nil
}
