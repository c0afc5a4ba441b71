package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hub/internal/models"
)

func TestHeartbeatManager_SendsPingOnTick(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("c1", models.KindAgent))

	var mu sync.Mutex
	var pinged []string
	hm := NewHeartbeatManager(r, func(connectionID string, ts time.Time) {
		mu.Lock()
		pinged = append(pinged, connectionID)
		mu.Unlock()
	}, 0, 0)
	hm.Watch("c1")

	hm.tick()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1"}, pinged)
}

// TestHeartbeatManager_TimeoutAtExactlyMaxMissed covers the boundary
// behavior: heartbeat timeout fires at exactly MAX_MISSED missed pongs.
func TestHeartbeatManager_TimeoutAtExactlyMaxMissed(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("c1", models.KindAgent))

	hm := NewHeartbeatManager(r, func(string, time.Time) {}, 0, 0)
	hm.Watch("c1")

	for i := 0; i < defaultMaxMissed-1; i++ {
		hm.tick()
		select {
		case e := <-hm.Timeout():
			t.Fatalf("unexpected timeout before maxMissed reached: %+v", e)
		default:
		}
	}

	hm.tick() // this tick brings missed count to exactly maxMissed

	select {
	case e := <-hm.Timeout():
		assert.Equal(t, "c1", e.ConnectionID)
	case <-time.After(time.Second):
		t.Fatal("expected a timeout event at exactly maxMissed")
	}
}

func TestHeartbeatManager_PongResetsMissedCount(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("c1", models.KindAgent))

	hm := NewHeartbeatManager(r, func(string, time.Time) {}, 0, 0)
	hm.Watch("c1")

	hm.tick()
	hm.Pong("c1", time.Now().Add(-10*time.Millisecond).UnixMilli())

	conn, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 0, conn.MissedPings)
}

func TestHeartbeatManager_UnwatchStopsMonitoring(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(newTestConn("c1", models.KindAgent))

	var calls int
	hm := NewHeartbeatManager(r, func(string, time.Time) { calls++ }, 0, 0)
	hm.Watch("c1")
	hm.Unwatch("c1")

	hm.tick()

	assert.Equal(t, 0, calls)
}
