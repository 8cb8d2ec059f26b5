package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultCookieName = "board_session"

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Manager ties browser cookies to stored sessions and serializes requests
// that share a session.
type Manager struct {
	store      Store
	idle       time.Duration
	cookieName string
	secure     bool
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithSecureCookie marks the session cookie Secure.
func WithSecureCookie(secure bool) ManagerOption {
	return func(m *Manager) { m.secure = secure }
}

// NewManager creates a manager over store. Sessions untouched for longer
// than idle are treated as gone.
func NewManager(store Store, idle time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		idle:       idle,
		cookieName: DefaultCookieName,
		now:        time.Now,
		locks:      make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the backing session store.
func (m *Manager) Store() Store {
	return m.store
}

// IdleTimeout returns the configured idle timeout.
func (m *Manager) IdleTimeout() time.Duration {
	return m.idle
}

// Open loads the session named by the request cookie, or starts a new one
// and sets its cookie on w. The session stays locked until release is called.
func (m *Manager) Open(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Session, func(), error) {
	if cookie, err := r.Cookie(m.cookieName); err == nil {
		if _, err := uuid.Parse(cookie.Value); err == nil {
			release := m.lock(cookie.Value)
			s, err := m.store.Get(ctx, cookie.Value)
			switch {
			case err == nil && !m.expired(s):
				return s, release, nil
			case err == nil, errors.Is(err, ErrNotFound):
				// expired or unknown: fall through to a fresh session
				release()
			default:
				release()
				return nil, nil, fmt.Errorf("failed to load session: %w", err)
			}
		}
	}

	id := uuid.NewString()
	release := m.lock(id)
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return New(id, m.now()), release, nil
}

// Save stamps the session and writes it to the store.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	s.UpdatedAt = m.now()
	return m.store.Put(ctx, s)
}

// Expire removes the session if it has been idle since before cutoff,
// calling onExpire first so the caller can release what the session owns.
// It reports whether the session was removed.
func (m *Manager) Expire(ctx context.Context, id string, cutoff time.Time, onExpire func(*Session)) (bool, error) {
	release := m.lock(id)
	defer release()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !s.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	if onExpire != nil {
		onExpire(s)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) expired(s *Session) bool {
	return m.now().Sub(s.UpdatedAt) > m.idle
}

func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sessionLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}
