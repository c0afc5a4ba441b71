// Package auth provides authentication and authorization mechanisms for the hub.
// This file implements server-side session tracking using Redis.
//
// SESSION TRACKING:
//
// the hub uses server-side session tracking to decide whether a dashboard
// token may be refreshed:
// - A token whose session is live is refresh-eligible
// - Deleting a session (logout, revocation) stops further refreshes
// - Session audit trail
//
// HOW IT WORKS:
//
// 1. Token Generation:
//   - Each JWT gets a unique session ID (jti claim)
//   - Session metadata stored in Redis: session:{jti}
//   - TTL matches token expiration
//
// 2. Token Verification (DashboardTokenVerifier):
//   - Signature and expiry are checked by JWTManager.ValidateToken, which
//     does not consult the session store
//   - A live session makes the token refresh-eligible
//   - A missing session (expired or revoked) leaves the token usable until
//     its exp claim, but it cannot be refreshed
//
// 3. Logout:
//   - Delete session from Redis
//   - The token can no longer be refreshed
//
// 4. Clearing All Sessions:
//   - ClearAllSessions deletes every session key by pattern
//   - The hub does not call it at startup
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/streamspace-dev/hub/internal/cache"
)

// SessionStore manages server-side session tracking in Redis
type SessionStore struct {
	cache *cache.Cache
}

// SessionData represents a stored session
type SessionData struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// NewSessionStore creates a new session store
func NewSessionStore(cache *cache.Cache) *SessionStore {
	return &SessionStore{
		cache: cache,
	}
}

// GenerateSessionID creates a cryptographically random session ID
func GenerateSessionID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// CreateSession stores a new session in Redis
func (s *SessionStore) CreateSession(ctx context.Context, session *SessionData, ttl time.Duration) error {
	if !s.cache.IsEnabled() {
		// If Redis is disabled, sessions won't be tracked
		// This is acceptable for development but not recommended for production
		return nil
	}

	key := s.sessionKey(session.SessionID)
	return s.cache.Set(ctx, key, session, ttl)
}

// GetSession retrieves a session from Redis
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*SessionData, error) {
	if !s.cache.IsEnabled() {
		// If Redis is disabled, assume all sessions are valid
		return nil, nil
	}

	var session SessionData
	key := s.sessionKey(sessionID)
	err := s.cache.Get(ctx, key, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ValidateSession checks if a session exists and is valid
func (s *SessionStore) ValidateSession(ctx context.Context, sessionID string) (bool, error) {
	if !s.cache.IsEnabled() {
		// If Redis is disabled, assume all sessions are valid
		return true, nil
	}

	key := s.sessionKey(sessionID)
	return s.cache.Exists(ctx, key)
}

// DeleteSession removes a session from Redis (logout)
func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	if !s.cache.IsEnabled() {
		return nil
	}

	key := s.sessionKey(sessionID)
	return s.cache.Delete(ctx, key)
}

// DeleteUserSessions removes all sessions for a specific user
func (s *SessionStore) DeleteUserSessions(ctx context.Context, userID string) error {
	if !s.cache.IsEnabled() {
		return nil
	}

	// Delete all sessions matching user pattern
	// Note: This requires listing sessions and checking userID
	// For simplicity, we'll use a user-indexed key pattern
	return s.cache.DeletePattern(ctx, cache.UserSessionsPattern(userID))
}

// ClearAllSessions removes all sessions from Redis (force all users to re-login)
func (s *SessionStore) ClearAllSessions(ctx context.Context) error {
	if !s.cache.IsEnabled() {
		return nil
	}

	// Delete all session keys
	return s.cache.DeletePattern(ctx, cache.SessionPattern())
}

// RefreshSession extends the TTL of an existing session
func (s *SessionStore) RefreshSession(ctx context.Context, sessionID string, newExpiresAt time.Time) error {
	if !s.cache.IsEnabled() {
		return nil
	}

	// Get existing session
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	// Update expiration
	session.ExpiresAt = newExpiresAt

	// Calculate new TTL
	ttl := time.Until(newExpiresAt)
	if ttl <= 0 {
		// Session has expired, delete it
		return s.DeleteSession(ctx, sessionID)
	}

	// Re-store with new TTL
	key := s.sessionKey(sessionID)
	return s.cache.Set(ctx, key, session, ttl)
}

// sessionKey generates the Redis key for a session
func (s *SessionStore) sessionKey(sessionID string) string {
	return cache.SessionKey(sessionID)
}

// IsEnabled returns whether session tracking is enabled
func (s *SessionStore) IsEnabled() bool {
	return s.cache != nil && s.cache.IsEnabled()
}
