package hub

import (
	"context"
	"sync"
	"time"

	"github.com/streamspace-dev/hub/internal/logger"
)

// TokenVerifier is the external identity boundary: something that can
// validate a bearer token and, optionally, refresh one ahead of expiry.
// auth.DashboardTokenVerifier implements it for dashboard JWTs; agent API
// keys are checked by auth.AgentAuthenticator, which does not implement
// this interface.
type TokenVerifier interface {
	// Verify validates token and returns the resolved principal id, its
	// expiry, and a refresh token if the scheme supports one (empty
	// string if not).
	Verify(ctx context.Context, token string) (principalID string, expiresAt time.Time, refreshToken string, err error)

	// Refresh exchanges a refresh token for a new bearer token and
	// expiry. Implementations that don't support refresh (e.g. agent API
	// keys) should return an error; TokenManager treats that the same as
	// having no refresh token at all.
	Refresh(ctx context.Context, refreshToken string) (newToken string, newExpiry time.Time, err error)
}

// TokenRefreshedEvent is emitted when a proactive refresh succeeds; the
// handler forwards a TOKEN_REFRESH frame to the peer.
type TokenRefreshedEvent struct {
	ConnectionID string
	NewToken     string
	NewExpiry    time.Time
}

// TokenExpiredEvent is emitted when a token could not be refreshed (no
// refresh token, or refresh failed after retries) and has now expired;
// the handler closes the connection with TOKEN_EXPIRED.
type TokenExpiredEvent struct {
	ConnectionID string
}

const (
	refreshLead       = 60 * time.Second
	refreshRetryWait1 = 1 * time.Second
	refreshRetryWait2 = 3 * time.Second
)

type tokenSchedule struct {
	timer        *time.Timer
	refreshToken string
}

// TokenManager schedules a refresh timer per connection, firing
// refreshLead before the token's expiry.
type TokenManager struct {
	verifier TokenVerifier

	mu        sync.Mutex
	schedules map[string]*tokenSchedule
	closed    bool

	refreshed chan TokenRefreshedEvent
	expired   chan TokenExpiredEvent
}

func NewTokenManager(verifier TokenVerifier) *TokenManager {
	return &TokenManager{
		verifier:  verifier,
		schedules: make(map[string]*tokenSchedule),
		refreshed: make(chan TokenRefreshedEvent, 64),
		expired:   make(chan TokenExpiredEvent, 64),
	}
}

func (m *TokenManager) Refreshed() <-chan TokenRefreshedEvent { return m.refreshed }
func (m *TokenManager) Expired() <-chan TokenExpiredEvent     { return m.expired }

// Verify delegates to the injected verifier. Call this once at
// AGENT_CONNECT/DASHBOARD_CONNECT time before registering the schedule.
func (m *TokenManager) Verify(ctx context.Context, token string) (principalID string, expiresAt time.Time, refreshToken string, err error) {
	return m.verifier.Verify(ctx, token)
}

// RegisterToken arms a refresh timer for connectionID, firing
// refreshLead before expiresAt. A duplicate registration replaces the
// prior schedule, stopping its timer first.
func (m *TokenManager) RegisterToken(connectionID string, expiresAt time.Time, refreshToken string) {
	fireIn := time.Until(expiresAt) - refreshLead
	if fireIn < 0 {
		fireIn = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if prev, ok := m.schedules[connectionID]; ok {
		prev.timer.Stop()
	}
	sched := &tokenSchedule{refreshToken: refreshToken}
	sched.timer = time.AfterFunc(fireIn, func() {
		m.fire(connectionID)
	})
	m.schedules[connectionID] = sched
}

// Unregister cancels connectionID's schedule, if any. Called when a
// connection closes.
func (m *TokenManager) Unregister(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sched, ok := m.schedules[connectionID]; ok {
		sched.timer.Stop()
		delete(m.schedules, connectionID)
	}
}

func (m *TokenManager) fire(connectionID string) {
	m.mu.Lock()
	sched, ok := m.schedules[connectionID]
	if ok {
		delete(m.schedules, connectionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if sched.refreshToken == "" {
		m.emitExpired(connectionID)
		return
	}

	ctx := context.Background()
	newToken, newExpiry, err := m.verifier.Refresh(ctx, sched.refreshToken)
	if err != nil {
		time.Sleep(refreshRetryWait1)
		newToken, newExpiry, err = m.verifier.Refresh(ctx, sched.refreshToken)
	}
	if err != nil {
		time.Sleep(refreshRetryWait2)
		newToken, newExpiry, err = m.verifier.Refresh(ctx, sched.refreshToken)
	}
	if err != nil {
		logger.Hub().Warn().Err(err).Str("connectionId", connectionID).Msg("token refresh failed after retries")
		m.emitExpired(connectionID)
		return
	}

	m.RegisterToken(connectionID, newExpiry, sched.refreshToken)
	select {
	case m.refreshed <- TokenRefreshedEvent{ConnectionID: connectionID, NewToken: newToken, NewExpiry: newExpiry}:
	default:
		logger.Hub().Warn().Str("connectionId", connectionID).Msg("dropped token-refreshed event, channel full")
	}
}

func (m *TokenManager) emitExpired(connectionID string) {
	select {
	case m.expired <- TokenExpiredEvent{ConnectionID: connectionID}:
	default:
		logger.Hub().Warn().Str("connectionId", connectionID).Msg("dropped token-expired event, channel full")
	}
}

// Shutdown stops every outstanding timer.
func (m *TokenManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, sched := range m.schedules {
		sched.timer.Stop()
		delete(m.schedules, id)
	}
}
