package hub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVerifier is a scriptable TokenVerifier for TokenManager tests.
type fakeVerifier struct {
	refreshErr   error
	refreshCalls int32
	newToken     string
	newExpiry    time.Time
}

func (f *fakeVerifier) Verify(ctx context.Context, token string) (string, time.Time, string, error) {
	return "principal", time.Now().Add(time.Hour), "refresh-tok", nil
}

func (f *fakeVerifier) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshErr != nil {
		return "", time.Time{}, f.refreshErr
	}
	return f.newToken, f.newExpiry, nil
}

func TestTokenManager_RefreshSucceedsEmitsRefreshedEvent(t *testing.T) {
	fv := &fakeVerifier{newToken: "fresh-token", newExpiry: time.Now().Add(2 * time.Hour)}
	tm := NewTokenManager(fv)
	defer tm.Shutdown()

	tm.RegisterToken("c1", time.Now(), "refresh-tok") // already past refreshLead -> fires immediately

	select {
	case e := <-tm.Refreshed():
		assert.Equal(t, "c1", e.ConnectionID)
		assert.Equal(t, "fresh-token", e.NewToken)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a refreshed event")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fv.refreshCalls))
}

// TestTokenManager_RefreshFailsAfterRetriesEmitsExpired covers the
// failure-mode spec: verifier errors retry twice (1s, 3s backoff) then
// expire.
func TestTokenManager_RefreshFailsAfterRetriesEmitsExpired(t *testing.T) {
	fv := &fakeVerifier{refreshErr: errors.New("network error")}
	tm := NewTokenManager(fv)
	defer tm.Shutdown()

	tm.RegisterToken("c1", time.Now(), "refresh-tok")

	select {
	case e := <-tm.Expired():
		assert.Equal(t, "c1", e.ConnectionID)
	case <-time.After(10 * time.Second):
		t.Fatal("expected an expired event after exhausting retries")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&fv.refreshCalls), "must retry twice after the initial attempt")
}

func TestTokenManager_NoRefreshTokenExpiresImmediately(t *testing.T) {
	fv := &fakeVerifier{}
	tm := NewTokenManager(fv)
	defer tm.Shutdown()

	tm.RegisterToken("c1", time.Now(), "")

	select {
	case e := <-tm.Expired():
		assert.Equal(t, "c1", e.ConnectionID)
	case <-time.After(time.Second):
		t.Fatal("expected immediate expiry when no refresh token is present")
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&fv.refreshCalls))
}

func TestTokenManager_DuplicateRegistrationReplacesSchedule(t *testing.T) {
	fv := &fakeVerifier{newToken: "t2", newExpiry: time.Now().Add(time.Hour)}
	tm := NewTokenManager(fv)
	defer tm.Shutdown()

	tm.RegisterToken("c1", time.Now().Add(time.Hour), "refresh-tok")
	tm.RegisterToken("c1", time.Now(), "refresh-tok") // replaces with an immediate fire

	select {
	case <-tm.Refreshed():
	case <-time.After(2 * time.Second):
		t.Fatal("expected the replacement schedule to fire")
	}
}

func TestTokenManager_UnregisterStopsSchedule(t *testing.T) {
	fv := &fakeVerifier{}
	tm := NewTokenManager(fv)
	defer tm.Shutdown()

	tm.RegisterToken("c1", time.Now().Add(time.Hour), "refresh-tok")
	tm.Unregister("c1")

	_, ok := tm.schedules["c1"]
	require.False(t, ok)
}

func TestTokenManager_ShutdownStopsAllTimersAndIgnoresFurtherRegistration(t *testing.T) {
	fv := &fakeVerifier{}
	tm := NewTokenManager(fv)

	tm.RegisterToken("c1", time.Now().Add(time.Hour), "refresh-tok")
	tm.Shutdown()

	tm.RegisterToken("c2", time.Now(), "refresh-tok")

	select {
	case <-tm.Expired():
		t.Fatal("shutdown manager must not schedule new work")
	case <-time.After(100 * time.Millisecond):
	}
}
