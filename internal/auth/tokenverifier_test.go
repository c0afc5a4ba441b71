package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testJWTManager() *JWTManager {
	return NewJWTManager(&JWTConfig{SecretKey: testSecret, Issuer: "hub-test"})
}

// signBareToken mints a valid token with no jti claim, i.e. a credential
// with no server-side session behind it.
func signBareToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := &Claims{
		UserID:   "user-1",
		Username: "user-1",
		Role:     "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "hub-test",
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// A token without a session behind it must come back with no refresh
// token, so TokenManager lets it expire and closes the connection instead
// of silently renewing it.
func TestDashboardTokenVerifier_BareTokenIsNotRefreshable(t *testing.T) {
	v := NewDashboardTokenVerifier(testJWTManager())

	token := signBareToken(t, 90*time.Second)
	principal, expiresAt, refreshToken, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal)
	assert.WithinDuration(t, time.Now().Add(90*time.Second), expiresAt, 5*time.Second)
	assert.Empty(t, refreshToken, "a token with no session must not be handed back as its own refresh token")

	_, _, err = v.Refresh(context.Background(), token)
	assert.Error(t, err, "refresh must be rejected for a session-less token")
}

// A session-backed token is refresh-eligible and comes back renewed with
// a later expiry.
func TestDashboardTokenVerifier_SessionBackedTokenRefreshes(t *testing.T) {
	m := testJWTManager()
	v := NewDashboardTokenVerifier(m)

	token, err := m.GenerateToken("user-1", "user-1", "operator")
	require.NoError(t, err)

	principal, _, refreshToken, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal)
	assert.Equal(t, token, refreshToken, "a session-backed token refreshes with itself")

	newToken, newExpiry, err := v.Refresh(context.Background(), refreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, newToken)
	assert.True(t, newExpiry.After(time.Now()), "the refreshed token must carry a future expiry")
}
