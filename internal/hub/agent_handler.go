package hub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/streamspace-dev/hub/internal/errors"
	"github.com/streamspace-dev/hub/internal/logger"
	"github.com/streamspace-dev/hub/internal/models"
	"github.com/streamspace-dev/hub/internal/validator"
)

// serveAgent upgrades the request, waits up to authGrace for a valid
// AGENT_CONNECT, and on success hands the connection off to the shared
// read loop bound to agent-specific message handling.
func (h *Hub) serveAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Hub().Warn().Err(err).Msg("agent websocket upgrade failed")
		return
	}

	connectionID := uuid.New().String()
	conn.SetReadDeadline(time.Now().Add(h.authGrace))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			sendErrorFrame(conn, apperrors.AuthTimeout(), "")
		}
		conn.Close()
		return
	}
	env, err := decodeEnvelope(raw)
	if err != nil || env.Type != models.TypeAgentConnect {
		sendErrorFrame(conn, apperrors.InvalidMessageType(env.Type), env.ID)
		conn.Close()
		return
	}

	var req models.AgentConnectPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.AgentID == "" {
		sendErrorFrame(conn, apperrors.InvalidMessage("agentId is required"), env.ID)
		conn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.authGrace)
	bootstrapped, authErr := h.agentAuth.Authenticate(ctx, req.AgentID, req.Token)
	cancel()
	if authErr != nil {
		sendErrorFrame(conn, apperrors.Unauthorized("agent authentication failed"), env.ID)
		conn.Close()
		return
	}

	send := h.Registry.Add(models.Connection{
		ConnectionID: connectionID,
		Kind:         models.KindAgent,
		ConnectedAt:  time.Now(),
	})
	h.Registry.BindAgent(connectionID, req.AgentID)
	h.Registry.MarkAuthenticated(connectionID, req.AgentID, time.Now().Add(agentCredentialExpiry))
	h.Tokens.RegisterToken(connectionID, time.Now().Add(agentCredentialExpiry), "")
	h.Heartbeats.Watch(connectionID)

	agent := models.Agent{
		AgentID: req.AgentID, Name: req.Name, Type: req.Type,
		Status: models.AgentOnline, Activity: models.ActivityIdle,
	}
	bgCtx := context.Background()
	_ = h.agents.Upsert(bgCtx, &agent)
	h.presence.MarkOnline(bgCtx, req.AgentID, connectionID)

	cc := &connContext{connectionID: connectionID, conn: conn, send: send, closed: make(chan struct{})}
	go cc.writePump()

	ackPayload := models.ConnectionAckPayload{
		ConnectionID:  connectionID,
		ServerVersion: hubServerVersion,
		Features:      []string{"terminal-stream", "trace-stream", "offline-queue"},
	}
	h.Registry.Send(connectionID, mustEncode(newEnvelope(models.TypeConnectionAck, ackPayload)))

	logger.Hub().Info().Str("agentId", req.AgentID).Str("connectionId", connectionID).Bool("bootstrapped", bootstrapped).Msg("agent connected")
	_ = h.audit.Record(bgCtx, req.AgentID, "agent.connect", connectionID, map[string]interface{}{"bootstrapped": bootstrapped}, r.RemoteAddr)

	h.Router.BroadcastAgentConnected(bgCtx, agent, connectionID, bootstrapped)
	h.Router.DrainOfflineQueue(bgCtx, req.AgentID, connectionID)

	h.agentReadLoop(cc, req.AgentID)
}

// agentCredentialExpiry is the nominal token expiry recorded for agent
// connections. Agent API keys don't expire on their own schedule, but
// the registry and TokenManager want a concrete instant; anything far
// enough out that the refresh schedule never fires has the same effect.
const agentCredentialExpiry = 24 * 365 * time.Hour

const hubServerVersion = "1.0"

func (h *Hub) agentReadLoop(cc *connContext, agentID string) {
	defer func() {
		close(cc.closed)
		h.closeConnection(cc.connectionID, "closed")
	}()

	for {
		cc.conn.SetReadDeadline(time.Now().Add(h.readDeadlineSlack))
		_, raw, err := cc.conn.ReadMessage()
		if err != nil {
			logClose(cc.connectionID, "agent", err)
			return
		}

		env, err := decodeEnvelope(raw)
		if err != nil {
			h.Registry.Send(cc.connectionID, mustEncode(apperrors.InvalidMessage("malformed envelope").ToFrame("")))
			continue
		}

		h.dispatchAgentMessage(cc, agentID, env)
	}
}

func (h *Hub) dispatchAgentMessage(cc *connContext, agentID string, env models.Envelope) {
	ctx := context.Background()
	switch env.Type {
	case models.TypePong:
		var p models.PongPayload
		_ = json.Unmarshal(env.Payload, &p)
		h.Heartbeats.Pong(cc.connectionID, p.EchoedTimestamp)

	case models.TypeAgentHeartbeat:
		var p models.AgentHeartbeatPayload
		_ = json.Unmarshal(env.Payload, &p)
		h.Heartbeats.Pong(cc.connectionID, 0)
		if p.Activity != "" {
			_ = h.agents.UpdateStatus(ctx, agentID, models.AgentOnline, timePtr(time.Now()))
			h.presence.MarkOnline(ctx, agentID, cc.connectionID)
		}

	case models.TypeAgentError:
		var p models.AgentErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		logger.Hub().Warn().Str("agentId", agentID).Str("code", p.Code).Str("message", p.Message).Msg("agent reported error")

	case models.TypeCommandAck:
		var p models.CommandAckPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			h.Router.RouteCommandAck(ctx, agentID, p)
		}

	case models.TypeCommandComplete:
		var p models.CommandCompletePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			h.Router.RouteCommandComplete(ctx, agentID, p)
		}

	case models.TypeTerminalOutput:
		var p models.TerminalOutputPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			h.Router.RouteTerminalOutput(ctx, p.CommandID, agentID, p)
		}

	case models.TypeTraceEvent:
		var p models.TraceEventPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			h.Router.RouteTraceEvent(ctx, agentID, p)
		}

	case models.TypeInvestigationReport:
		var p models.InvestigationReportPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if err := validator.ValidateStruct(&p); err != nil {
			h.Registry.Send(cc.connectionID, mustEncode(apperrors.ValidationError("report requires commandId and summary").ToFrame(env.ID)))
			return
		}
		h.Router.RouteInvestigationReport(ctx, agentID, p)

	case models.TypePing:
		var p models.PingPayload
		_ = json.Unmarshal(env.Payload, &p)
		h.Registry.Send(cc.connectionID, mustEncode(newEnvelope(models.TypePong, models.PongPayload{EchoedTimestamp: p.Timestamp})))

	default:
		h.Registry.Send(cc.connectionID, mustEncode(apperrors.InvalidMessageType(env.Type).ToFrame(env.ID)))
	}
}

func timePtr(t time.Time) *time.Time { return &t }
