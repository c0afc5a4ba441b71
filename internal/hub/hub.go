package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/streamspace-dev/hub/internal/auth"
	"github.com/streamspace-dev/hub/internal/db"
	"github.com/streamspace-dev/hub/internal/events"
	"github.com/streamspace-dev/hub/internal/logger"
	"github.com/streamspace-dev/hub/internal/models"
)

const (
	sweepInterval    = 1 * time.Second
	shutdownDeadline = 5 * time.Second
)

// Hub wires every component (C1-C7) together and owns the goroutines that
// drain their event channels. ConnectionHandlers (C8) are constructed per
// accepted socket and call back into Hub's exported methods.
type Hub struct {
	Registry   *ConnectionRegistry
	Tokens     *TokenManager
	Heartbeats *HeartbeatManager
	Tracker    *CommandTracker
	OfflineQ   *OfflineQueue
	Terminal   *TerminalStreamManager
	Router     *MessageRouter

	agentAuth         *auth.AgentAuthenticator
	dashboardVerifier *auth.DashboardTokenVerifier
	agents            *db.AgentRepo
	audit             *db.AuditRepo
	publisher         *events.Publisher
	presence          *PresenceTracker

	authGrace         time.Duration
	readDeadlineSlack time.Duration

	stop chan struct{}
}

// Deps bundles the external collaborators Hub needs to construct its
// components — the boundary §6 draws between "reimplemented here" and
// "referenced through an interface".
type Deps struct {
	AgentAuth         *auth.AgentAuthenticator
	DashboardVerifier *auth.DashboardTokenVerifier
	Agents            *db.AgentRepo
	Commands          *db.CommandRepo
	Audit             *db.AuditRepo
	Publisher         *events.Publisher

	// Presence mirrors agent bindings into the shared Redis cache so
	// other processes (REST readers, a second hub replica) can see which
	// agents are connected where. Nil-safe: a nil tracker disables the
	// mirror without affecting in-process routing.
	Presence *PresenceTracker

	// PingInterval, MaxMissedPings, FlushInterval, OfflineQueueMax,
	// OfflineQueueTTL and AuthGrace are operator-tunable knobs sourced
	// from hubconfig.Config; a zero value falls back to each
	// component's own default rather than ticking at 0s.
	PingInterval    time.Duration
	MaxMissedPings  int
	FlushInterval   time.Duration
	OfflineQueueMax int
	OfflineQueueTTL time.Duration
	AuthGrace       time.Duration
}

func New(deps Deps) *Hub {
	registry := NewConnectionRegistry()
	tokens := NewTokenManager(deps.DashboardVerifier)
	tracker := NewCommandTracker()
	offlineQ := NewOfflineQueue(deps.OfflineQueueMax, deps.OfflineQueueTTL)

	terminal := NewTerminalStreamManager(registry, func(originConnectionID string, payload models.TerminalStreamPayload) {
		env := newEnvelope(models.TypeTerminalStream, payload)
		registry.Send(originConnectionID, mustEncode(env))
	}, deps.FlushInterval)

	router := NewMessageRouter(registry, tracker, offlineQ, terminal, deps.Agents, deps.Commands, deps.Publisher)

	authGrace := deps.AuthGrace
	if authGrace <= 0 {
		authGrace = defaultAuthGrace
	}

	presence := deps.Presence
	if presence == nil {
		presence = NewPresenceTracker(nil)
	}

	h := &Hub{
		Registry:          registry,
		Tokens:            tokens,
		Tracker:           tracker,
		OfflineQ:          offlineQ,
		Terminal:          terminal,
		Router:            router,
		agentAuth:         deps.AgentAuth,
		dashboardVerifier: deps.DashboardVerifier,
		agents:            deps.Agents,
		audit:             deps.Audit,
		publisher:         deps.Publisher,
		presence:          presence,
		authGrace:         authGrace,
		stop:              make(chan struct{}),
	}
	h.Heartbeats = NewHeartbeatManager(registry, h.sendPing, deps.PingInterval, deps.MaxMissedPings)
	h.readDeadlineSlack = readDeadlineSlackFor(h.Heartbeats.PingInterval())
	return h
}

func mustEncode(env models.Envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		logger.Hub().Error().Err(err).Str("type", env.Type).Msg("failed to marshal envelope")
		return nil
	}
	return b
}

func (h *Hub) sendPing(connectionID string, ts time.Time) {
	env := newEnvelope(models.TypePing, models.PingPayload{Timestamp: ts.UnixMilli()})
	h.Registry.Send(connectionID, mustEncode(env))
}

// Run starts every background loop (heartbeat ticker, terminal flush
// ticker, event drains, periodic sweeps) and blocks until Shutdown.
func (h *Hub) Run() {
	go h.Heartbeats.Run()
	go h.Terminal.Run()
	go h.drainEvents()
	go h.sweepLoop()
	<-h.stop
}

func (h *Hub) drainEvents() {
	for {
		select {
		case e := <-h.Registry.Superseded():
			h.onSuperseded(e)
		case e := <-h.Tokens.Refreshed():
			h.onTokenRefreshed(e)
		case e := <-h.Tokens.Expired():
			h.onTokenExpired(e)
		case e := <-h.Heartbeats.Timeout():
			h.onHeartbeatTimeout(e)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) onSuperseded(e SupersededEvent) {
	logger.Hub().Info().Str("agentId", e.AgentID).Str("old", e.OldConnectionID).Str("new", e.NewConnectionID).Msg("agent connection superseded")
	h.Registry.Send(e.OldConnectionID, mustEncode(newEnvelope(models.TypeError, models.ErrorPayload{Code: "SUPERSEDED", Message: "a newer connection for this agent has taken over"})))
	h.closeConnection(e.OldConnectionID, "superseded")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	h.publisher.PublishAgentSuperseded(ctx, &events.AgentSupersededEvent{AgentID: e.AgentID, OldConnectionID: e.OldConnectionID, NewConnectionID: e.NewConnectionID})
}

func (h *Hub) onTokenRefreshed(e TokenRefreshedEvent) {
	h.Registry.UpdateTokenExpiry(e.ConnectionID, e.NewExpiry)
	env := newEnvelope(models.TypeTokenRefresh, models.TokenRefreshPayload{NewToken: e.NewToken, NewExpiry: e.NewExpiry.UnixMilli()})
	h.Registry.Send(e.ConnectionID, mustEncode(env))
}

func (h *Hub) onTokenExpired(e TokenExpiredEvent) {
	h.Registry.Send(e.ConnectionID, mustEncode(newEnvelope(models.TypeError, models.ErrorPayload{Code: "TOKEN_EXPIRED", Message: "authentication token has expired"})))
	h.closeConnection(e.ConnectionID, "token_expired")
}

func (h *Hub) onHeartbeatTimeout(e ConnectionTimeoutEvent) {
	logger.Hub().Info().Str("connectionId", e.ConnectionID).Msg("connection missed too many heartbeats, closing")
	h.closeConnection(e.ConnectionID, "timeout")
}

// closeConnection tears down a connection's registrations and closes its
// socket by closing its send channel, which writePump observes.
func (h *Hub) closeConnection(connectionID, reason string) {
	conn, ok := h.Registry.Get(connectionID)
	if !ok {
		return
	}
	h.Tokens.Unregister(connectionID)
	h.Heartbeats.Unwatch(connectionID)
	h.Registry.Remove(connectionID)
	h.Tracker.RetireAllFromConnection(connectionID)
	h.Terminal.ForgetConnection(connectionID)
	h.Router.UnsubscribeAll(connectionID)

	if conn.Kind == models.KindAgent && conn.AgentID != "" {
		h.Terminal.EndAllForAgent(conn.AgentID)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		if h.Registry.IsAgentOnline(conn.AgentID) {
			// A newer connection already owns this agentId (supersede):
			// the agent itself is still online, so only the old binding's
			// unfinished commands are cancelled. No offline status flip,
			// no presence clear, no AGENT_DISCONNECTED broadcast.
			h.Router.CancelCommandsForAgent(ctx, conn.AgentID, reason)
		} else {
			h.presence.MarkOffline(ctx, conn.AgentID)
			h.Router.HandleAgentDisconnect(ctx, conn.AgentID, reason)
		}
		_ = h.audit.Record(ctx, conn.AgentID, "agent.disconnect", connectionID, map[string]interface{}{"reason": reason}, "")
		cancel()
	}
}

func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Tracker.Sweep()
			h.OfflineQ.Sweep()
		case <-h.stop:
			return
		}
	}
}

// Shutdown stops every background loop, flushes any buffered terminal
// output, announces SERVER_SHUTDOWN to every connected peer, and then,
// within shutdownDeadline, closes every live connection so clients see a
// clean close rather than a dropped TCP connection.
func (h *Hub) Shutdown(ctx context.Context) {
	close(h.stop)
	h.Tokens.Shutdown()
	h.Heartbeats.Stop()
	h.Terminal.FlushAll()
	h.Terminal.Stop()

	deadline, cancel := context.WithTimeout(ctx, shutdownDeadline)
	defer cancel()

	var ids []string
	shutdownEnv := mustEncode(newEnvelope(models.TypeServerShutdown, models.ServerShutdownPayload{Reason: "server shutting down"}))
	h.Registry.IterateAgents(func(c models.Connection) {
		ids = append(ids, c.ConnectionID)
		h.Registry.Send(c.ConnectionID, shutdownEnv)
	})
	h.Registry.IterateDashboards(func(c models.Connection) {
		ids = append(ids, c.ConnectionID)
		h.Registry.Send(c.ConnectionID, shutdownEnv)
	})
	for _, id := range ids {
		select {
		case <-deadline.Done():
			return
		default:
			h.Registry.Remove(id)
		}
	}
}

// Running reports whether the hub's background loops are still active,
// for the health endpoint's "websocket" component check.
func (h *Hub) Running() bool {
	select {
	case <-h.stop:
		return false
	default:
		return true
	}
}

// ServeAgent upgrades an HTTP request to a WebSocket on /ws/agent.
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request) {
	h.serveAgent(w, r)
}

// ServeDashboard upgrades an HTTP request to a WebSocket on /ws/dashboard.
func (h *Hub) ServeDashboard(w http.ResponseWriter, r *http.Request) {
	h.serveDashboard(w, r)
}
