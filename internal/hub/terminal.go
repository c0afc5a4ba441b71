package hub

import (
	"sync"
	"time"

	"github.com/streamspace-dev/hub/internal/logger"
	"github.com/streamspace-dev/hub/internal/models"
)

const (
	terminalBufferBytes   = 4 * 1024
	terminalBufferLines   = 50
	terminalSendHighWater = 1 * 1024 * 1024
	terminalSendLowWater  = 256 * 1024
	terminalLinger        = 5 * time.Second
	terminalSessionMaxAge = 5 * time.Minute

	// defaultTerminalFlushInterval is the fallback used when
	// NewTerminalStreamManager is given a non-positive interval.
	defaultTerminalFlushInterval = 100 * time.Millisecond
)

// FlushFunc delivers a coalesced TERMINAL_STREAM frame for a session to
// its origin dashboard connection. TerminalStreamManager never touches a
// socket directly — exactly the registry.Send handoff used elsewhere.
type FlushFunc func(originConnectionID string, payload models.TerminalStreamPayload)

type sessionKey struct {
	commandID string
	agentID   string
}

// terminalSession accumulates TERMINAL_OUTPUT lines for one (commandId,
// agentId) pair until a flush policy trigger fires, then emits a single
// coalesced TERMINAL_STREAM frame. Elision replaces buffered content with
// a gap marker when the destination connection is backpressured, so a
// slow dashboard never stalls agent ingestion.
type terminalSession struct {
	mu sync.Mutex

	key                sessionKey
	originConnectionID string

	buf         []byte
	lines       int
	stream      models.TerminalStream
	ansi        bool
	elided      bool
	elidedBytes int

	lastFlush time.Time
	createdAt time.Time
	ended     bool
	endedAt   time.Time
}

// TerminalStreamManager owns one terminalSession per (commandId, agentId)
// in flight, a periodic flush ticker, and GC for ended/stale sessions.
type TerminalStreamManager struct {
	mu       sync.Mutex
	sessions map[sessionKey]*terminalSession

	registry *ConnectionRegistry
	flush    FlushFunc

	flushInterval time.Duration
	flushCeiling  time.Duration

	// backpressured tracks, per destination connectionId, whether that
	// connection is currently in the elision state. Entry is hysteretic:
	// once a connection crosses SEND_HIGH_WATER it stays elided until its
	// buffer drains below SEND_LOW_WATER, rather than flapping right at
	// the high-water boundary.
	bpMu          sync.Mutex
	backpressured map[string]bool

	stop chan struct{}
}

// NewTerminalStreamManager builds a manager that flushes every session's
// buffer on a flushInterval cadence. A non-positive flushInterval falls
// back to defaultTerminalFlushInterval. Tick also checks a backstop
// ceiling of 2x whatever interval is chosen.
func NewTerminalStreamManager(registry *ConnectionRegistry, flush FlushFunc, flushInterval time.Duration) *TerminalStreamManager {
	if flushInterval <= 0 {
		flushInterval = defaultTerminalFlushInterval
	}
	return &TerminalStreamManager{
		sessions:      make(map[sessionKey]*terminalSession),
		registry:      registry,
		flush:         flush,
		flushInterval: flushInterval,
		flushCeiling:  2 * flushInterval,
		backpressured: make(map[string]bool),
		stop:          make(chan struct{}),
	}
}

// shouldElide applies the high/low water hysteresis for connectionID
// given its current approximate outbound buffer size in bytes.
func (m *TerminalStreamManager) shouldElide(connectionID string, approxBytes int) bool {
	m.bpMu.Lock()
	defer m.bpMu.Unlock()
	eliding := m.backpressured[connectionID]
	switch {
	case eliding && approxBytes < terminalSendLowWater:
		eliding = false
	case !eliding && approxBytes > terminalSendHighWater:
		eliding = true
	}
	m.backpressured[connectionID] = eliding
	return eliding
}

// StartSession opens a session for (commandId, agentId), remembering which
// dashboard connection should receive its TERMINAL_STREAM frames.
func (m *TerminalStreamManager) StartSession(commandID, agentID, originConnectionID string) {
	key := sessionKey{commandID: commandID, agentID: agentID}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[key]; exists {
		return
	}
	m.sessions[key] = &terminalSession{
		key:                key,
		originConnectionID: originConnectionID,
		createdAt:          now,
		lastFlush:          now,
	}
}

// Append buffers one line of output, flushing immediately if the policy
// demands it (stderr, or either size threshold crossed).
func (m *TerminalStreamManager) Append(commandID, agentID string, content string, stream models.TerminalStream, ansi bool) {
	key := sessionKey{commandID: commandID, agentID: agentID}
	m.mu.Lock()
	sess, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.lines == 0 {
		// The flushed payload carries the first buffered line's stream.
		sess.stream = stream
	}
	sess.buf = append(sess.buf, content...)
	sess.buf = append(sess.buf, '\n')
	sess.lines++
	sess.ansi = sess.ansi || ansi
	immediate := stream == models.StreamStderr || len(sess.buf) >= terminalBufferBytes || sess.lines >= terminalBufferLines
	sess.mu.Unlock()

	if immediate {
		m.flushSession(sess)
	}
}

// flushSession sends whatever is buffered, applying backpressure elision
// if the destination connection's send buffer is over terminalSendHighWater.
func (m *TerminalStreamManager) flushSession(sess *terminalSession) {
	sess.mu.Lock()
	if len(sess.buf) == 0 && !sess.elided {
		sess.mu.Unlock()
		return
	}

	content := string(sess.buf)
	stream := sess.stream
	ansi := sess.ansi
	elided := sess.elided
	elidedBytes := sess.elidedBytes
	sess.buf = sess.buf[:0]
	sess.lines = 0
	sess.ansi = false
	sess.elided = false
	sess.elidedBytes = 0
	sess.lastFlush = time.Now()
	originConnectionID := sess.originConnectionID
	key := sess.key
	sess.mu.Unlock()

	if bufLen, ok := m.registry.SendBufferLen(originConnectionID); ok && m.shouldElide(originConnectionID, bufLen*defaultFrameEstimate) {
		sess.mu.Lock()
		sess.elided = true
		sess.elidedBytes += len(content)
		sess.mu.Unlock()
		logger.Hub().Warn().Str("commandId", key.commandID).Str("agentId", key.agentID).
			Msg("eliding terminal output, destination over high water mark")
		return
	}

	payload := models.TerminalStreamPayload{
		CommandID: key.commandID,
		AgentID:   key.agentID,
		Content:   content,
		Stream:    stream,
		ANSI:      ansi,
		Elided:    elided,
		Bytes:     elidedBytes,
	}
	m.flush(originConnectionID, payload)
}

// defaultFrameEstimate is a rough bytes-per-queued-frame multiplier used
// to translate registry.SendBufferLen's frame count into an approximate
// byte count for the high/low water comparison, since the registry queues
// frames, not raw bytes. Sized against terminalBufferBytes, the largest
// routine flush payload, so a saturated defaultSendBuffer queue can
// actually cross terminalSendHighWater rather than topping out under it.
const defaultFrameEstimate = terminalBufferBytes

// Tick runs the periodic flush sweep: the primary time-based trigger is
// any session whose buffer is non-empty and hasn't flushed within
// flushInterval, which fires on essentially every tick at the
// ticker's own cadence; flushCeiling is checked on the same tick as a
// backstop, not the normal path. Since flushCeiling is twice
// flushInterval, a session past the ceiling is always also due, so the
// ceiling check never selects a session the primary check misses. Ended
// sessions past terminalLinger or any session past terminalSessionMaxAge
// is garbage collected.
func (m *TerminalStreamManager) Tick() {
	now := time.Now()
	m.mu.Lock()
	var toFlush []*terminalSession
	var toDelete []sessionKey
	for key, sess := range m.sessions {
		sess.mu.Lock()
		hasContent := len(sess.buf) > 0 || sess.elided
		due := now.Sub(sess.lastFlush) >= m.flushInterval && hasContent
		overCeiling := now.Sub(sess.lastFlush) >= m.flushCeiling && hasContent
		expired := now.Sub(sess.createdAt) >= terminalSessionMaxAge
		lingered := sess.ended && now.Sub(sess.endedAt) >= terminalLinger
		sess.mu.Unlock()

		if due || overCeiling {
			toFlush = append(toFlush, sess)
		}
		if expired || lingered {
			toDelete = append(toDelete, key)
		}
	}
	m.mu.Unlock()

	for _, sess := range toFlush {
		m.flushSession(sess)
	}

	if len(toDelete) == 0 {
		return
	}
	m.mu.Lock()
	for _, key := range toDelete {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
}

// FlushAll force-flushes every session with pending content, regardless of
// how long it has been since its last flush. Used on graceful shutdown so
// no buffered output is lost when the hub closes sockets.
func (m *TerminalStreamManager) FlushAll() {
	m.mu.Lock()
	sessions := make([]*terminalSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		m.flushSession(sess)
	}
}

// Run drives Tick on the manager's flushInterval cadence until Stop.
func (m *TerminalStreamManager) Run() {
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-m.stop:
			return
		}
	}
}

func (m *TerminalStreamManager) Stop() {
	close(m.stop)
}

// EndSession flushes any remaining buffered content and marks the session
// for linger-then-GC, so late-arriving lines from an agent racing the
// COMMAND_COMPLETE frame are still delivered.
func (m *TerminalStreamManager) EndSession(commandID, agentID string) {
	key := sessionKey{commandID: commandID, agentID: agentID}
	m.mu.Lock()
	sess, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.flushSession(sess)
	sess.mu.Lock()
	sess.ended = true
	sess.endedAt = time.Now()
	sess.mu.Unlock()
}

// EndAllForAgent ends every session belonging to agentID, e.g. on
// disconnect, so buffered partial output is flushed rather than lost.
func (m *TerminalStreamManager) EndAllForAgent(agentID string) {
	m.mu.Lock()
	keys := make([]sessionKey, 0)
	for key := range m.sessions {
		if key.agentID == agentID {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()
	for _, key := range keys {
		m.EndSession(key.commandID, key.agentID)
	}
}

// ForgetConnection drops any backpressure hysteresis state held for
// connectionID, called once its connection has closed so the map doesn't
// accumulate entries for peers that will never reconnect with this id.
func (m *TerminalStreamManager) ForgetConnection(connectionID string) {
	m.bpMu.Lock()
	delete(m.backpressured, connectionID)
	m.bpMu.Unlock()
}

// Count returns the number of live (non-GC'd) sessions, for diagnostics.
func (m *TerminalStreamManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
