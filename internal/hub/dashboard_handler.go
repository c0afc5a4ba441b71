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
)

// serveDashboard upgrades the request, waits up to authGrace for a valid
// DASHBOARD_CONNECT, and on success hands off to the shared read loop
// bound to dashboard-specific message handling.
func (h *Hub) serveDashboard(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Hub().Warn().Err(err).Msg("dashboard websocket upgrade failed")
		return
	}

	connectionID := uuid.New().String()
	conn.SetReadDeadline(time.Now().Add(h.authGrace))

	token := bearerToken(r)
	_, raw, err := conn.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			sendErrorFrame(conn, apperrors.AuthTimeout(), "")
		}
		conn.Close()
		return
	}
	env, err := decodeEnvelope(raw)
	if err != nil || env.Type != models.TypeDashboardConnect {
		sendErrorFrame(conn, apperrors.InvalidMessageType(env.Type), env.ID)
		conn.Close()
		return
	}

	var req models.DashboardConnectPayload
	_ = json.Unmarshal(env.Payload, &req)
	if req.Token != "" {
		token = req.Token
	}
	if token == "" {
		sendErrorFrame(conn, apperrors.NotAuthenticated(), env.ID)
		conn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.authGrace)
	principalID, expiresAt, refreshToken, verifyErr := h.Tokens.Verify(ctx, token)
	cancel()
	if verifyErr != nil {
		sendErrorFrame(conn, apperrors.Unauthorized("invalid or expired token"), env.ID)
		conn.Close()
		return
	}

	send := h.Registry.Add(models.Connection{
		ConnectionID: connectionID,
		Kind:         models.KindDashboard,
		ConnectedAt:  time.Now(),
	})
	h.Registry.MarkAuthenticated(connectionID, principalID, expiresAt)
	h.Tokens.RegisterToken(connectionID, expiresAt, refreshToken)
	h.Heartbeats.Watch(connectionID)

	cc := &connContext{connectionID: connectionID, conn: conn, send: send, closed: make(chan struct{})}
	go cc.writePump()

	ackPayload := models.ConnectionAckPayload{
		ConnectionID:  connectionID,
		ServerVersion: hubServerVersion,
		Features:      []string{"terminal-stream", "trace-stream", "offline-queue"},
	}
	h.Registry.Send(connectionID, mustEncode(newEnvelope(models.TypeConnectionAck, ackPayload)))

	bgCtx := context.Background()
	agents, listErr := h.agents.List(bgCtx)
	if listErr != nil {
		logger.Hub().Error().Err(listErr).Msg("failed to load agent list for dashboard snapshot")
	}
	h.Registry.Send(connectionID, mustEncode(newEnvelope(models.TypeAgentList, models.AgentListPayload{Agents: agents})))

	logger.Hub().Info().Str("principal", principalID).Str("connectionId", connectionID).Msg("dashboard connected")
	_ = h.audit.Record(bgCtx, principalID, "dashboard.connect", connectionID, nil, r.RemoteAddr)

	h.dashboardReadLoop(cc, principalID)
}

func (h *Hub) dashboardReadLoop(cc *connContext, principalID string) {
	defer func() {
		close(cc.closed)
		h.closeConnection(cc.connectionID, "closed")
	}()

	for {
		cc.conn.SetReadDeadline(time.Now().Add(h.readDeadlineSlack))
		_, raw, err := cc.conn.ReadMessage()
		if err != nil {
			logClose(cc.connectionID, "dashboard", err)
			return
		}

		env, err := decodeEnvelope(raw)
		if err != nil {
			h.Registry.Send(cc.connectionID, mustEncode(apperrors.InvalidMessage("malformed envelope").ToFrame("")))
			continue
		}

		h.dispatchDashboardMessage(cc, principalID, env)
	}
}

func (h *Hub) dispatchDashboardMessage(cc *connContext, principalID string, env models.Envelope) {
	ctx := context.Background()
	switch env.Type {
	case models.TypePong:
		var p models.PongPayload
		_ = json.Unmarshal(env.Payload, &p)
		h.Heartbeats.Pong(cc.connectionID, p.EchoedTimestamp)

	case models.TypePing:
		var p models.PingPayload
		_ = json.Unmarshal(env.Payload, &p)
		h.Registry.Send(cc.connectionID, mustEncode(newEnvelope(models.TypePong, models.PongPayload{EchoedTimestamp: p.Timestamp})))

	case models.TypeCommandRequest:
		var p models.CommandRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.Registry.Send(cc.connectionID, mustEncode(apperrors.ValidationError("invalid COMMAND_REQUEST payload").ToFrame(env.ID)))
			return
		}
		if p.CommandID == "" {
			p.CommandID = uuid.New().String()
		}
		h.Router.RouteCommandRequest(ctx, cc.connectionID, principalID, p)

	case models.TypeCommandCancel:
		var p models.CommandCancelPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		h.Router.RouteCommandCancel(ctx, cc.connectionID, p)

	case models.TypeSubscribeTraces:
		var p models.SubscribeTracesPayload
		_ = json.Unmarshal(env.Payload, &p)
		h.Router.Subscribe(cc.connectionID, p.AgentID)

	case models.TypeUnsubscribeTraces:
		var p models.UnsubscribeTracesPayload
		_ = json.Unmarshal(env.Payload, &p)
		h.Router.Unsubscribe(cc.connectionID, p.AgentID)

	case models.TypeEmergencyStop:
		var p models.EmergencyStopPayload
		_ = json.Unmarshal(env.Payload, &p)
		halted := h.Router.RouteEmergencyStop(ctx, principalID, p.Reason)
		logger.Hub().Warn().Str("principal", principalID).Int("haltedAgents", halted).Str("reason", p.Reason).Msg("emergency stop triggered")
		_ = h.audit.Record(ctx, principalID, "emergency_stop", "", map[string]interface{}{"reason": p.Reason, "haltedAgents": halted}, "")

	default:
		h.Registry.Send(cc.connectionID, mustEncode(apperrors.InvalidMessageType(env.Type).ToFrame(env.ID)))
	}
}
