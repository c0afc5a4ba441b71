// Package hub implements the control-plane core: the two WebSocket
// gateways and the components that track connections, route messages,
// and buffer terminal output between them.
package hub

import (
	"sync"
	"time"

	"github.com/streamspace-dev/hub/internal/models"
)

// outbound is a registered peer's send-side state. conn holds the public
// Connection metadata; send is the buffered channel its writer goroutine
// drains. Registry never writes to a websocket directly — it only ever
// hands bytes to send, exactly like the teacher's AgentConnection.Send
// channel handoff.
type outbound struct {
	mu   sync.RWMutex
	conn models.Connection
	send chan []byte
}

func (o *outbound) snapshot() models.Connection {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.conn
}

// SupersededEvent is emitted by BindAgent when a new connection for an
// agentId displaces one already bound. The ConnectionHandler owning
// oldConnectionID is responsible for sending it an ERROR{SUPERSEDED}
// frame and closing its socket.
type SupersededEvent struct {
	AgentID         string
	OldConnectionID string
	NewConnectionID string
}

// ConnectionRegistry tracks every live WebSocket peer by connectionId and,
// for agents, additionally by agentId. Reads are RWMutex-shared; Add,
// Remove and BindAgent take the write lock, and BindAgent evicts and
// installs under that one lock so no two connections are ever bound to
// the same agentId.
type ConnectionRegistry struct {
	mu        sync.RWMutex
	byConn    map[string]*outbound
	byAgentID map[string]string // agentId -> connectionId

	superseded chan SupersededEvent
}

// defaultSendBuffer is sized so a fully saturated queue, at
// defaultFrameEstimate bytes per frame, actually crosses
// terminalSendHighWater — otherwise TerminalStreamManager's backpressure
// elision could never engage no matter how backed up a peer got.
const defaultSendBuffer = 300

// NewConnectionRegistry creates an empty registry with a buffered
// supersede-event channel (capacity 64) that the caller (Hub) drains via
// Superseded.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byConn:     make(map[string]*outbound),
		byAgentID:  make(map[string]string),
		superseded: make(chan SupersededEvent, 64),
	}
}

// Superseded returns the channel of supersede events to drain.
func (r *ConnectionRegistry) Superseded() <-chan SupersededEvent {
	return r.superseded
}

// Add registers a new connection. Its send channel is created here and
// returned so the handler's writer goroutine can drain it.
func (r *ConnectionRegistry) Add(conn models.Connection) chan []byte {
	o := &outbound{conn: conn, send: make(chan []byte, defaultSendBuffer)}
	r.mu.Lock()
	r.byConn[conn.ConnectionID] = o
	r.mu.Unlock()
	return o.send
}

// Remove unregisters a connection and closes its send channel. If the
// connection was bound to an agentId, and still owns that binding (it
// hasn't already been superseded), the binding is released too.
func (r *ConnectionRegistry) Remove(connectionID string) {
	r.mu.Lock()
	o, ok := r.byConn[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connectionID)
	agentID := o.snapshot().AgentID
	if agentID != "" && r.byAgentID[agentID] == connectionID {
		delete(r.byAgentID, agentID)
	}
	r.mu.Unlock()

	close(o.send)
}

// BindAgent associates connectionID with agentId, atomically evicting any
// prior connection bound to the same agentId. If an eviction occurred, a
// SupersededEvent is pushed to the Superseded channel (best-effort; if
// the channel is full, the event is dropped silently).
func (r *ConnectionRegistry) BindAgent(connectionID, agentID string) {
	r.mu.Lock()
	o, ok := r.byConn[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	o.mu.Lock()
	o.conn.AgentID = agentID
	o.conn.Kind = models.KindAgent
	o.mu.Unlock()

	prevConnID, hadPrev := r.byAgentID[agentID]
	r.byAgentID[agentID] = connectionID
	r.mu.Unlock()

	if hadPrev && prevConnID != connectionID {
		select {
		case r.superseded <- SupersededEvent{AgentID: agentID, OldConnectionID: prevConnID, NewConnectionID: connectionID}:
		default:
		}
	}
}

// Get returns the connection snapshot for connectionID, if live.
func (r *ConnectionRegistry) Get(connectionID string) (models.Connection, bool) {
	r.mu.RLock()
	o, ok := r.byConn[connectionID]
	r.mu.RUnlock()
	if !ok {
		return models.Connection{}, false
	}
	return o.snapshot(), true
}

// FindByAgent resolves the live connectionId bound to agentId, if any.
func (r *ConnectionRegistry) FindByAgent(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byAgentID[agentID]
	return connID, ok
}

// IsAgentOnline reports whether agentId currently has a live bound
// connection.
func (r *ConnectionRegistry) IsAgentOnline(agentID string) bool {
	_, ok := r.FindByAgent(agentID)
	return ok
}

// IterateDashboards calls fn for every connection of kind dashboard. fn
// must not call back into the registry.
func (r *ConnectionRegistry) IterateDashboards(fn func(models.Connection)) {
	r.mu.RLock()
	snaps := make([]models.Connection, 0, len(r.byConn))
	for _, o := range r.byConn {
		if c := o.snapshot(); c.Kind == models.KindDashboard {
			snaps = append(snaps, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range snaps {
		fn(c)
	}
}

// IterateAgents calls fn for every connection of kind agent.
func (r *ConnectionRegistry) IterateAgents(fn func(models.Connection)) {
	r.mu.RLock()
	snaps := make([]models.Connection, 0, len(r.byConn))
	for _, o := range r.byConn {
		if c := o.snapshot(); c.Kind == models.KindAgent {
			snaps = append(snaps, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range snaps {
		fn(c)
	}
}

// Send pushes a raw frame to connectionID's outbound channel.
// Returns ok=false if the connection doesn't exist or its buffer is full
// (the caller decides what "full" means for the message class: dropped,
// queued, or elided).
func (r *ConnectionRegistry) Send(connectionID string, payload []byte) (ok bool) {
	r.mu.RLock()
	o, exists := r.byConn[connectionID]
	r.mu.RUnlock()
	if !exists {
		return false
	}
	select {
	case o.send <- payload:
		return true
	default:
		return false
	}
}

// SendBufferLen returns how many frames are currently queued for
// connectionID, used by TerminalStreamManager's backpressure check.
// Returns 0, false if the connection is unknown.
func (r *ConnectionRegistry) SendBufferLen(connectionID string) (int, bool) {
	r.mu.RLock()
	o, exists := r.byConn[connectionID]
	r.mu.RUnlock()
	if !exists {
		return 0, false
	}
	return len(o.send), true
}

// UpdatePing records a successful ping/pong round trip.
func (r *ConnectionRegistry) UpdatePing(connectionID string, at time.Time) {
	r.mu.RLock()
	o, ok := r.byConn[connectionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	o.mu.Lock()
	o.conn.LastPingAt = at
	o.conn.MissedPings = 0
	o.mu.Unlock()
}

// IncrementMissedPings records one unanswered ping and returns the new
// count.
func (r *ConnectionRegistry) IncrementMissedPings(connectionID string) int {
	r.mu.RLock()
	o, ok := r.byConn[connectionID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	o.mu.Lock()
	o.conn.MissedPings++
	n := o.conn.MissedPings
	o.mu.Unlock()
	return n
}

// MarkAuthenticated sets a connection's authenticated/principal/tokenExpiry
// fields after successful AGENT_CONNECT or DASHBOARD_CONNECT.
func (r *ConnectionRegistry) MarkAuthenticated(connectionID, principal string, tokenExpiry time.Time) {
	r.mu.RLock()
	o, ok := r.byConn[connectionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	o.mu.Lock()
	o.conn.Authenticated = true
	o.conn.Principal = principal
	o.conn.TokenExpiry = tokenExpiry
	o.mu.Unlock()
}

// UpdateTokenExpiry updates a connection's tokenExpiry after a proactive
// refresh.
func (r *ConnectionRegistry) UpdateTokenExpiry(connectionID string, expiry time.Time) {
	r.mu.RLock()
	o, ok := r.byConn[connectionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	o.mu.Lock()
	o.conn.TokenExpiry = expiry
	o.mu.Unlock()
}

// Count returns the total number of live connections, used by health
// reporting.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
