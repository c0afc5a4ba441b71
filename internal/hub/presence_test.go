package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hub/internal/cache"
)

// The tracker must be inert, not fail, when Redis is disabled or absent —
// presence mirroring is a best-effort side channel, never a dependency of
// the connection path.
func TestPresenceTracker_DisabledCacheIsInert(t *testing.T) {
	c, err := cache.NewCache(cache.Config{Enabled: false})
	require.NoError(t, err)

	p := NewPresenceTracker(c)
	p.MarkOnline(context.Background(), "agent-1", "conn-1")
	p.MarkOffline(context.Background(), "agent-1")
}

func TestPresenceTracker_NilCacheIsInert(t *testing.T) {
	p := NewPresenceTracker(nil)
	p.MarkOnline(context.Background(), "agent-1", "conn-1")
	p.MarkOffline(context.Background(), "agent-1")
}
