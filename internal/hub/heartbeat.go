package hub

import (
	"sync"
	"time"

	"github.com/streamspace-dev/hub/internal/logger"
)

// defaultPingInterval and defaultMaxMissed are the fallback values used
// when NewHeartbeatManager is given a non-positive interval or count —
// e.g. a zero-value hubconfig.Config in a test — so the manager never
// silently ends up ticking at 0s.
const (
	defaultPingInterval = 30 * time.Second
	defaultMaxMissed    = 2
)

// ConnectionTimeoutEvent is emitted when a monitored connection misses
// maxMissed consecutive pongs.
type ConnectionTimeoutEvent struct {
	ConnectionID string
}

// PingFunc sends a PING frame carrying the given timestamp to
// connectionID. HeartbeatManager never touches the socket directly.
type PingFunc func(connectionID string, timestamp time.Time)

// HeartbeatManager drives one ticker that pings every monitored
// connection every pingInterval, and tracks missed pongs per connection.
// Ping/pong frames never pass through MessageRouter — they're consumed
// here directly, per the spec's isolation of heartbeat traffic from
// routed messages.
type HeartbeatManager struct {
	mu       sync.Mutex
	watched  map[string]struct{}
	send     PingFunc
	registry *ConnectionRegistry

	pingInterval time.Duration
	maxMissed    int

	timeout chan ConnectionTimeoutEvent
	stop    chan struct{}
	ticker  *time.Ticker
}

// NewHeartbeatManager builds a manager that pings every watched
// connection every pingInterval and times it out after maxMissed
// consecutive missed pongs. A non-positive pingInterval or maxMissed
// (the zero value, typically) falls back to defaultPingInterval /
// defaultMaxMissed.
func NewHeartbeatManager(registry *ConnectionRegistry, send PingFunc, pingInterval time.Duration, maxMissed int) *HeartbeatManager {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	if maxMissed <= 0 {
		maxMissed = defaultMaxMissed
	}
	return &HeartbeatManager{
		watched:      make(map[string]struct{}),
		send:         send,
		registry:     registry,
		pingInterval: pingInterval,
		maxMissed:    maxMissed,
		timeout:      make(chan ConnectionTimeoutEvent, 64),
		stop:         make(chan struct{}),
	}
}

// PingInterval reports the interval this manager pings on, so other
// components (the read-loop deadline slack) can derive values from it
// without duplicating hubconfig's default-resolution logic.
func (h *HeartbeatManager) PingInterval() time.Duration { return h.pingInterval }

func (h *HeartbeatManager) Timeout() <-chan ConnectionTimeoutEvent { return h.timeout }

// Watch begins monitoring connectionID.
func (h *HeartbeatManager) Watch(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watched[connectionID] = struct{}{}
}

// Unwatch stops monitoring connectionID, e.g. on close.
func (h *HeartbeatManager) Unwatch(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watched, connectionID)
}

// Pong records a pong response for connectionID, resetting its missed
// count. echoedMillis is the timestamp the peer echoed back from our
// PING, used to compute round-trip time; zero means nothing was echoed
// (e.g. an AGENT_HEARTBEAT standing in for a pong).
func (h *HeartbeatManager) Pong(connectionID string, echoedMillis int64) {
	h.registry.UpdatePing(connectionID, time.Now())
	if echoedMillis > 0 {
		rtt := time.Since(time.UnixMilli(echoedMillis))
		logger.Hub().Debug().Str("connectionId", connectionID).Dur("rtt", rtt).Msg("pong received")
	}
}

// Run starts the ticker loop; blocks until Stop is called.
func (h *HeartbeatManager) Run() {
	h.ticker = time.NewTicker(h.pingInterval)
	defer h.ticker.Stop()
	for {
		select {
		case <-h.ticker.C:
			h.tick()
		case <-h.stop:
			return
		}
	}
}

func (h *HeartbeatManager) tick() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.watched))
	for id := range h.watched {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		missed := h.registry.IncrementMissedPings(id)
		if missed >= h.maxMissed {
			h.Unwatch(id)
			select {
			case h.timeout <- ConnectionTimeoutEvent{ConnectionID: id}:
			default:
			}
			continue
		}
		h.send(id, now)
	}
}

// Stop halts the ticker loop.
func (h *HeartbeatManager) Stop() {
	close(h.stop)
}
