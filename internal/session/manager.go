// Package session owns the bearer-token lifecycle: authentication,
// expiry-based refresh, and single-active-session enforcement via a
// fencing token stored in the shared persistent store.
//
// One Manager holds at most one active session. A recurring tick first
// re-validates that this client still owns the active-session slot, then
// refreshes the token if it is close to expiry — refreshing a token that
// has already been superseded would resurrect an invalidated session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papertrade/sync-engine/internal/metrics"
	"github.com/papertrade/sync-engine/internal/model"
	"github.com/papertrade/sync-engine/internal/store"
)

var (
	// ErrAuthFailed is returned for bad credentials. The current session,
	// if any, is left untouched.
	ErrAuthFailed = errors.New("session: authentication failed")

	// ErrRefreshFailed is returned when a token exchange fails. It is
	// fatal to the session: teardown has already happened by the time
	// the caller sees it.
	ErrRefreshFailed = errors.New("session: token refresh failed")

	// ErrConcurrentSession is returned when another device has claimed
	// the active-session slot. The local session has been invalidated.
	ErrConcurrentSession = errors.New("session: signed in on another device")

	// ErrNoSession is returned by operations that require an active session.
	ErrNoSession = errors.New("session: no active session")
)

// refreshWindow is how close to expiry a token must be before a tick
// exchanges it for a fresh one.
const refreshWindow = 5 * time.Minute

// DefaultCheckInterval is the cadence of the fencing-check/refresh tick.
const DefaultCheckInterval = time.Minute

// Credentials is the login payload exchanged for a bearer token.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthService is the remote authentication collaborator.
type AuthService interface {
	// Login exchanges credentials for a bearer token with embedded claims.
	Login(ctx context.Context, creds Credentials) (string, error)

	// Exchange re-issues a token given a still-valid token.
	Exchange(ctx context.Context, bearerToken string) (string, error)
}

// Manager is the session state machine:
//
//	Unauthenticated → Authenticating → Active → {Refreshing → Active | Expired}
//	Active → Invalidated on fencing mismatch or explicit logout
//
// Expired and Invalidated are terminal for a session instance; a new
// Authenticate call starts a new instance.
type Manager struct {
	store store.Store
	auth  AuthService
	now   func() time.Time

	mu         sync.Mutex
	state      model.SessionState
	session    *model.Session
	refreshing bool
	generation int

	// onTerminal, if set, is called (outside the lock) after the session
	// reaches a terminal state. The engine uses it to cancel the
	// session-scoped timers and in-flight callbacks.
	onTerminal func(state model.SessionState, cause error)
}

// NewManager creates a session manager over the given store and auth
// collaborator. now is injectable for tests; pass nil for time.Now.
func NewManager(st store.Store, auth AuthService, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store: st,
		auth:  auth,
		now:   now,
		state: model.SessionUnauthenticated,
	}
}

// OnTerminal registers the terminal-state callback. The callback must not
// call back into the Manager.
func (m *Manager) OnTerminal(fn func(state model.SessionState, cause error)) {
	m.mu.Lock()
	m.onTerminal = fn
	m.mu.Unlock()
}

// --- Store keys (session namespace) ---

const currentPrincipalKey = "session:current"

func stateKey(principalID string) string {
	return store.Key("session", principalID, "state")
}

func fencingKey(principalID string) string {
	return store.Key("session", principalID, "fencing")
}

// Authenticate exchanges credentials for a new session. On success it
// issues a fresh fencing token, claims the active-session slot, and
// persists the session so the next load resumes without re-authenticating.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) (model.Session, error) {
	m.mu.Lock()
	if m.session != nil {
		// A new login replaces the current instance.
		m.clearLocked(ctx, model.SessionInvalidated, true)
	}
	m.state = model.SessionAuthenticating
	m.mu.Unlock()

	token, err := m.auth.Login(ctx, creds)
	if err != nil {
		m.mu.Lock()
		m.state = model.SessionUnauthenticated
		m.mu.Unlock()
		return model.Session{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	claims, err := decodeClaims(token)
	if err != nil {
		m.mu.Lock()
		m.state = model.SessionUnauthenticated
		m.mu.Unlock()
		return model.Session{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	sess := &model.Session{
		PrincipalID:  claims.PrincipalID,
		Role:         claims.Role,
		BearerToken:  token,
		TokenExpiry:  claims.Expiry,
		FencingToken: uuid.New().String(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.persistLocked(ctx, sess); err != nil {
		m.state = model.SessionUnauthenticated
		return model.Session{}, err
	}
	// Claiming the slot is what invalidates every other device.
	if err := m.store.Set(ctx, fencingKey(sess.PrincipalID), sess.FencingToken); err != nil {
		m.state = model.SessionUnauthenticated
		return model.Session{}, err
	}

	m.session = sess
	m.state = model.SessionActive
	m.generation++

	slog.Info("session authenticated",
		"principal", sess.PrincipalID,
		"role", string(sess.Role),
		"expires", sess.TokenExpiry,
	)
	return *sess, nil
}

// Resume restores a persisted session at startup so the client does not
// need a fresh authentication round-trip. An already-expired session is
// cleared instead of resumed. Returns ErrNoSession if nothing was stored.
func (m *Manager) Resume(ctx context.Context) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var principalID string
	if err := m.store.Get(ctx, currentPrincipalKey, &principalID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Session{}, ErrNoSession
		}
		return model.Session{}, err
	}

	var sess model.Session
	if err := m.store.Get(ctx, stateKey(principalID), &sess); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Session{}, ErrNoSession
		}
		return model.Session{}, err
	}

	if !sess.TokenExpiry.After(m.now()) {
		m.clearPersistedLocked(ctx, principalID, true)
		return model.Session{}, ErrNoSession
	}

	m.session = &sess
	m.state = model.SessionActive
	m.generation++

	slog.Info("session resumed", "principal", sess.PrincipalID, "expires", sess.TokenExpiry)
	return sess, nil
}

// RefreshIfNeeded exchanges the bearer token for a fresh one when it is
// within refreshWindow of expiry. Overlapping calls perform exactly one
// exchange: a second caller observes the in-flight flag and returns.
// Exchange failure tears the session down — it is never silently ignored.
func (m *Manager) RefreshIfNeeded(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	if m.state != model.SessionActive || m.session == nil {
		m.mu.Unlock()
		return nil
	}
	if m.refreshing {
		m.mu.Unlock()
		return nil
	}
	if m.session.TokenExpiry.Sub(now) >= refreshWindow {
		m.mu.Unlock()
		return nil
	}

	m.refreshing = true
	m.state = model.SessionRefreshing
	token := m.session.BearerToken
	gen := m.generation
	m.mu.Unlock()

	newToken, exchErr := m.auth.Exchange(ctx, token)

	m.mu.Lock()
	m.refreshing = false

	if m.generation != gen {
		// Session was torn down or replaced while the exchange was in
		// flight; the response must not be applied.
		m.mu.Unlock()
		return nil
	}

	if exchErr != nil {
		metrics.SessionRefreshes.WithLabelValues("error").Inc()
		m.clearLocked(ctx, model.SessionExpired, true)
		cb, st := m.onTerminal, m.state
		m.mu.Unlock()
		err := fmt.Errorf("%w: %v", ErrRefreshFailed, exchErr)
		if cb != nil {
			cb(st, err)
		}
		return err
	}

	claims, err := decodeClaims(newToken)
	if err != nil {
		metrics.SessionRefreshes.WithLabelValues("error").Inc()
		m.clearLocked(ctx, model.SessionExpired, true)
		cb, st := m.onTerminal, m.state
		m.mu.Unlock()
		err = fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		if cb != nil {
			cb(st, err)
		}
		return err
	}

	m.session.BearerToken = newToken
	m.session.TokenExpiry = claims.Expiry
	m.state = model.SessionActive
	if err := m.persistLocked(ctx, m.session); err != nil {
		// The refreshed token is live in memory; a failed persist costs a
		// re-authentication on the next load, not the session. The timer
		// loop must keep running either way or fencing checks stop.
		slog.Warn("failed to persist refreshed session", "err", err)
	}
	m.mu.Unlock()

	metrics.SessionRefreshes.WithLabelValues("ok").Inc()
	slog.Info("session token refreshed", "expires", claims.Expiry)
	return nil
}

// DetectConcurrentSession compares the in-memory fencing token against the
// slot in the persistent store. A mismatch means another device has since
// authenticated and claimed the slot: the local session is invalidated
// immediately. Store read failures are transient and change nothing.
func (m *Manager) DetectConcurrentSession(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil || (m.state != model.SessionActive && m.state != model.SessionRefreshing) {
		m.mu.Unlock()
		return nil
	}

	var stored string
	err := m.store.Get(ctx, fencingKey(m.session.PrincipalID), &stored)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.mu.Unlock()
		return fmt.Errorf("session: fencing check: %w", err)
	}

	// A missing slot means the slot was revoked (logout-all); either way
	// this client no longer owns the session.
	if stored == m.session.FencingToken {
		m.mu.Unlock()
		return nil
	}

	metrics.FencingInvalidations.Inc()
	slog.Warn("concurrent session detected, invalidating local session",
		"principal", m.session.PrincipalID)

	// The other device owns the slot now: clear local state only.
	m.clearLocked(ctx, model.SessionInvalidated, false)
	cb := m.onTerminal
	m.mu.Unlock()

	if cb != nil {
		cb(model.SessionInvalidated, ErrConcurrentSession)
	}
	return ErrConcurrentSession
}

// Logout tears down the local session and releases the active-session slot.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	m.clearLocked(ctx, model.SessionInvalidated, true)
	cb := m.onTerminal
	m.mu.Unlock()

	if cb != nil {
		cb(model.SessionInvalidated, nil)
	}
	return nil
}

// LogoutAllDevices rotates the stored fencing token to a value no device
// holds, so every other device fails its next fencing check, then tears
// down locally.
func (m *Manager) LogoutAllDevices(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoSession
	}

	if err := m.store.Set(ctx, fencingKey(m.session.PrincipalID), uuid.New().String()); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("session: rotate fencing token: %w", err)
	}

	m.clearLocked(ctx, model.SessionInvalidated, false)
	cb := m.onTerminal
	m.mu.Unlock()

	if cb != nil {
		cb(model.SessionInvalidated, nil)
	}
	return nil
}

// Session returns a snapshot of the current session and lifecycle state.
func (m *Manager) Session() (model.Session, model.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return model.Session{}, m.state
	}
	return *m.session, m.state
}

// BearerToken returns the current token for authenticated calls, or
// ErrNoSession when the session is not active.
func (m *Manager) BearerToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || (m.state != model.SessionActive && m.state != model.SessionRefreshing) {
		return "", ErrNoSession
	}
	return m.session.BearerToken, nil
}

// Run drives the recurring fencing-check/refresh tick until ctx is
// cancelled. The fencing check always runs first: a tick must never
// refresh a token for a session another device has superseded.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.DetectConcurrentSession(ctx); err != nil {
				if !errors.Is(err, ErrConcurrentSession) {
					slog.Warn("fencing check failed", "err", err)
					continue
				}
				return
			}
			if err := m.RefreshIfNeeded(ctx, m.now()); err != nil {
				slog.Error("session refresh failed", "err", err)
				return
			}
		}
	}
}

// --- internal helpers (callers hold m.mu) ---

func (m *Manager) persistLocked(ctx context.Context, sess *model.Session) error {
	if err := m.store.Set(ctx, stateKey(sess.PrincipalID), sess); err != nil {
		return fmt.Errorf("session: persist state: %w", err)
	}
	if err := m.store.Set(ctx, currentPrincipalKey, sess.PrincipalID); err != nil {
		return fmt.Errorf("session: persist principal: %w", err)
	}
	return nil
}

// clearLocked moves the session to a terminal state and clears persisted
// session fields. releaseSlot controls whether the fencing slot is deleted:
// it must stay untouched when another device owns it.
func (m *Manager) clearLocked(ctx context.Context, terminal model.SessionState, releaseSlot bool) {
	if m.session != nil {
		m.clearPersistedLocked(ctx, m.session.PrincipalID, releaseSlot)
	}
	m.session = nil
	m.state = terminal
	m.generation++
	metrics.SessionTeardowns.WithLabelValues(string(terminal)).Inc()
}

func (m *Manager) clearPersistedLocked(ctx context.Context, principalID string, releaseSlot bool) {
	// Best effort: a failed delete only means a stale blob until the next
	// successful login overwrites it.
	if err := m.store.Delete(ctx, stateKey(principalID)); err != nil {
		slog.Warn("failed to clear persisted session", "err", err)
	}
	if err := m.store.Delete(ctx, currentPrincipalKey); err != nil {
		slog.Warn("failed to clear current principal", "err", err)
	}
	if releaseSlot {
		if err := m.store.Delete(ctx, fencingKey(principalID)); err != nil {
			slog.Warn("failed to release fencing slot", "err", err)
		}
	}
}
