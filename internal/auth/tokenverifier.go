// Package auth: this file adapts JWT validation to the narrow
// TokenVerifier shape internal/hub's TokenManager depends on. The
// adapter does not import internal/hub; TokenManager's interface is
// structural, so this just happens to satisfy it. Agent API keys have no
// refresh lifecycle, so the agent connection path uses
// AgentAuthenticator directly instead of an adapter.
package auth

import (
	"context"
	"errors"
	"time"
)

// DashboardTokenVerifier backs dashboard connections with JWTManager.
// Refresh eligibility is a property of the credential: only a token
// backed by a live server-side session (a jti claim whose session the
// store still holds) is handed back as its own refresh token. A bare
// token — no session id, or a session since revoked — carries no
// refresh token, so TokenManager lets it expire and the connection is
// closed with TOKEN_EXPIRED rather than silently renewed.
type DashboardTokenVerifier struct {
	jwt *JWTManager
}

func NewDashboardTokenVerifier(jwt *JWTManager) *DashboardTokenVerifier {
	return &DashboardTokenVerifier{jwt: jwt}
}

func (v *DashboardTokenVerifier) Verify(ctx context.Context, token string) (principalID string, expiresAt time.Time, refreshToken string, err error) {
	claims, err := v.jwt.ValidateToken(token)
	if err != nil {
		return "", time.Time{}, "", err
	}
	if claims.ExpiresAt == nil {
		return "", time.Time{}, "", errors.New("token carries no expiration claim")
	}

	refreshToken = ""
	if claims.ID != "" {
		if live, sessErr := v.jwt.ValidateSession(ctx, claims.ID); sessErr == nil && live {
			refreshToken = token
		}
	}
	return claims.UserID, claims.ExpiresAt.Time, refreshToken, nil
}

func (v *DashboardTokenVerifier) Refresh(ctx context.Context, refreshToken string) (newToken string, newExpiry time.Time, err error) {
	claims, err := v.jwt.ValidateToken(refreshToken)
	if err != nil {
		return "", time.Time{}, err
	}
	if claims.ID == "" {
		return "", time.Time{}, errors.New("token carries no session and is not refresh-eligible")
	}
	live, err := v.jwt.ValidateSession(ctx, claims.ID)
	if err != nil {
		return "", time.Time{}, err
	}
	if !live {
		return "", time.Time{}, errors.New("session has been revoked or expired")
	}

	newToken, err = v.jwt.RefreshToken(refreshToken)
	if err != nil {
		return "", time.Time{}, err
	}
	claims, err = v.jwt.ValidateToken(newToken)
	if err != nil {
		return "", time.Time{}, err
	}
	return newToken, claims.ExpiresAt.Time, nil
}
