package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/streamspace-dev/hub/internal/errors"
	"github.com/streamspace-dev/hub/internal/events"
	"github.com/streamspace-dev/hub/internal/logger"
	"github.com/streamspace-dev/hub/internal/models"
)

// AgentRepo is the subset of persistence MessageRouter needs for agent
// state, beyond what ConnectionRegistry tracks in memory.
type AgentRepo interface {
	UpdateStatus(ctx context.Context, agentID string, status models.AgentStatus, heartbeatAt *time.Time) error
	Exists(ctx context.Context, agentID string) (bool, error)
}

// CommandRepo is the subset of persistence MessageRouter needs for command
// lifecycle and the structured data agents submit against a command.
type CommandRepo interface {
	Create(ctx context.Context, cmd *models.Command) error
	Get(ctx context.Context, commandID string) (*models.Command, error)
	UpdateStatus(ctx context.Context, commandID string, status models.CommandStatus, result map[string]interface{}, errMsg string) error
	Complete(ctx context.Context, commandID string, status models.CommandStatus, result map[string]interface{}, errMsg string) error
	AppendOutput(ctx context.Context, commandID, agentID, content string, stream models.TerminalStream) error
	AppendTrace(ctx context.Context, trace *models.TraceEvent) error
	SaveReport(ctx context.Context, report *models.InvestigationReport) error
	GetRunning(ctx context.Context, agentID string) ([]models.Command, error)
	GetQueued(ctx context.Context, agentID string) ([]models.Command, error)
}

// Sender is the narrow outbound capability MessageRouter needs: deliver a
// raw encoded frame to one connection. ConnectionRegistry.Send implements
// this directly.
type Sender interface {
	Send(connectionID string, payload []byte) bool
	IsAgentOnline(agentID string) bool
	FindByAgent(agentID string) (string, bool)
	IterateDashboards(fn func(models.Connection))
	IterateAgents(fn func(models.Connection))
}

// MessageRouter is the hub's central dispatch table: every post-auth
// message from either peer class passes through here (§4.7). It never
// touches a socket directly — all delivery goes through Sender, all
// persistence through the repo interfaces, so it stays unit-testable with
// fakes.
type MessageRouter struct {
	registry  Sender
	tracker   *CommandTracker
	offlineQ  *OfflineQueue
	terminal  *TerminalStreamManager
	agents    AgentRepo
	commands  CommandRepo
	publisher *events.Publisher

	// subscriptions maps a dashboard connectionId to the agentIds it has
	// asked to receive TRACE_STREAM for; an empty set means "subscribed
	// to every agent it has a command tracked against". Guarded by subMu
	// since dashboard read loops and RouteTraceEvent's fan-out run on
	// different connections' goroutines.
	subMu         sync.RWMutex
	subscriptions map[string]map[string]struct{}
}

func NewMessageRouter(registry Sender, tracker *CommandTracker, offlineQ *OfflineQueue, terminal *TerminalStreamManager, agents AgentRepo, commands CommandRepo, publisher *events.Publisher) *MessageRouter {
	return &MessageRouter{
		registry:      registry,
		tracker:       tracker,
		offlineQ:      offlineQ,
		terminal:      terminal,
		agents:        agents,
		commands:      commands,
		publisher:     publisher,
		subscriptions: make(map[string]map[string]struct{}),
	}
}

func encodeEnvelope(kind string, payload interface{}) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Hub().Error().Err(err).Str("type", kind).Msg("failed to marshal outbound payload")
		raw = json.RawMessage("{}")
	}
	env := models.Envelope{Type: kind, Timestamp: time.Now().UnixMilli(), Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		logger.Hub().Error().Err(err).Str("type", kind).Msg("failed to marshal envelope")
		return nil
	}
	return b
}

func (r *MessageRouter) sendTo(connectionID, kind string, payload interface{}) {
	b := encodeEnvelope(kind, payload)
	if b == nil {
		return
	}
	if !r.registry.Send(connectionID, b) {
		logger.Hub().Warn().Str("connectionId", connectionID).Str("type", kind).Msg("dropped outbound frame, send buffer full or connection gone")
	}
}

// sendError delivers an AppError as its wire ERROR frame, correlated to
// refID, without the extra re-wrapping encodeEnvelope would otherwise do.
func (r *MessageRouter) sendError(connectionID string, err *apperrors.AppError, refID string) {
	env := err.ToFrame(refID)
	b, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		logger.Hub().Error().Err(marshalErr).Msg("failed to marshal error envelope")
		return
	}
	r.registry.Send(connectionID, b)
}

// RouteCommandRequest handles a dashboard-issued COMMAND_REQUEST: persists
// the command, tracks its origin, and either delivers it live to each
// online target or enqueues it in OfflineQueue for each offline one.
// Broadcast commands fan out to every currently connected agent; offline
// agents are not queued for a broadcast.
func (r *MessageRouter) RouteCommandRequest(ctx context.Context, originConnectionID, issuerUserID string, req models.CommandRequestPayload) {
	cmd := models.Command{
		CommandID:    req.CommandID,
		IssuerUserID: issuerUserID,
		TargetAgents: req.TargetAgents,
		Broadcast:    req.Broadcast,
		Priority:     req.Priority,
		Status:       models.CommandPending,
		Action:       req.Action,
		Payload:      req.Payload,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	if err := withRetry(func() error { return r.commands.Create(ctx, &cmd) }); err != nil {
		logger.Hub().Error().Err(err).Str("commandId", cmd.CommandID).Msg("failed to persist command")
		r.sendError(originConnectionID, apperrors.InternalError(err), cmd.CommandID)
		return
	}
	r.tracker.Register(cmd.CommandID, originConnectionID)

	targets := req.TargetAgents
	if req.Broadcast {
		targets = nil
		r.registry.IterateAgents(func(c models.Connection) {
			targets = append(targets, c.AgentID)
		})
	}

	accepted := 0
	for _, agentID := range targets {
		if r.dispatchToAgent(ctx, originConnectionID, agentID, cmd) {
			accepted++
		}
	}

	if accepted > 0 {
		_ = r.commands.UpdateStatus(ctx, cmd.CommandID, models.CommandQueued, nil, "")
		r.sendTo(originConnectionID, models.TypeCommandStatus, models.CommandStatusPayload{
			CommandID: cmd.CommandID, Status: models.CommandQueued,
		})
		r.publisher.PublishCommandStatus(ctx, &events.CommandStatusEvent{
			CommandID: cmd.CommandID, Status: string(models.CommandQueued),
		})
	} else {
		// Every target was rejected; the UNKNOWN_AGENT errors have already
		// gone to the origin, so close out the command rather than leave a
		// pending row and a tracking entry for the sweep to find.
		_ = r.commands.UpdateStatus(ctx, cmd.CommandID, models.CommandCancelled, nil, "no reachable target agents")
		r.tracker.Retire(cmd.CommandID)
	}

	r.publisher.PublishCommandIssued(ctx, &events.CommandIssuedEvent{
		CommandID: cmd.CommandID, IssuerUserID: issuerUserID,
		TargetAgents: req.TargetAgents, Broadcast: req.Broadcast, Action: req.Action,
	})
}

// withRetry runs fn up to three times with short backoff, per the
// repository-error policy: the originating request only fails once the
// retries are exhausted.
func withRetry(fn func() error) error {
	err := fn()
	for attempt := 0; attempt < 2 && err != nil; attempt++ {
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		err = fn()
	}
	return err
}

// dispatchToAgent delivers cmd to agentID live when connected, queues it
// when the agent is known but offline, and rejects with UNKNOWN_AGENT when
// the hub has never seen the agent at all. Reports whether the command was
// accepted for this target.
func (r *MessageRouter) dispatchToAgent(ctx context.Context, originConnectionID, agentID string, cmd models.Command) bool {
	connID, online := r.registry.FindByAgent(agentID)
	if !online {
		known, err := r.agents.Exists(ctx, agentID)
		if err != nil {
			logger.Hub().Error().Err(err).Str("agentId", agentID).Msg("failed to check agent registration")
			// Fail open: queue rather than reject on a repo error, so a
			// transient database blip doesn't bounce valid commands.
			known = true
		}
		if !known {
			r.sendError(originConnectionID, apperrors.UnknownAgent(agentID), cmd.CommandID)
			return false
		}
		r.offlineQ.Enqueue(agentID, cmd)
		return true
	}
	r.sendTo(connID, models.TypeCommandRequest, models.CommandRequestPayload{
		CommandID: cmd.CommandID, TargetAgents: []string{agentID}, Priority: cmd.Priority,
		Action: cmd.Action, Payload: cmd.Payload,
	})
	return true
}

// DrainOfflineQueue delivers every queued command for agentId once it
// reconnects, highest priority first.
func (r *MessageRouter) DrainOfflineQueue(ctx context.Context, agentID, connectionID string) {
	for _, cmd := range r.offlineQ.Drain(agentID) {
		r.sendTo(connectionID, models.TypeCommandRequest, models.CommandRequestPayload{
			CommandID: cmd.CommandID, TargetAgents: []string{agentID}, Priority: cmd.Priority,
			Action: cmd.Action, Payload: cmd.Payload,
		})
	}
}

// RouteCommandCancel handles a dashboard's COMMAND_CANCEL. Only the
// connection tracked as the command's origin may cancel it; on success the
// cancellation is forwarded to the command's own target agents that are
// currently online — never fanned out wider, since EMERGENCY_STOP is the
// sole dashboard-to-many-agents broadcast path.
func (r *MessageRouter) RouteCommandCancel(ctx context.Context, requestorConnectionID string, req models.CommandCancelPayload) {
	origin, ok := r.tracker.Origin(req.CommandID)
	if !ok || origin != requestorConnectionID {
		r.sendError(requestorConnectionID, apperrors.Unauthorized("not the originating connection for this command"), req.CommandID)
		return
	}

	cmd, err := r.commands.Get(ctx, req.CommandID)
	if err != nil {
		logger.Hub().Error().Err(err).Str("commandId", req.CommandID).Msg("failed to load command target set for cancel")
	} else {
		targets := cmd.TargetAgents
		if cmd.Broadcast {
			targets = nil
			r.registry.IterateAgents(func(c models.Connection) {
				targets = append(targets, c.AgentID)
			})
		}
		for _, agentID := range targets {
			if connID, online := r.registry.FindByAgent(agentID); online {
				r.sendTo(connID, models.TypeCommandCancel, req)
			}
		}
	}

	_ = r.commands.UpdateStatus(ctx, req.CommandID, models.CommandCancelled, nil, req.Reason)
	r.tracker.Retire(req.CommandID)
}

// RouteCommandAck forwards an agent's COMMAND_ACK to the command's
// origin dashboard, if that connection is still live.
func (r *MessageRouter) RouteCommandAck(ctx context.Context, agentID string, payload models.CommandAckPayload) {
	_ = r.commands.UpdateStatus(ctx, payload.CommandID, models.CommandExecuting, nil, "")
	if origin, ok := r.tracker.Origin(payload.CommandID); ok {
		r.sendTo(origin, models.TypeCommandStatus, models.CommandStatusPayload{
			CommandID: payload.CommandID, Status: models.CommandExecuting,
		})
	}
	r.publisher.PublishCommandStatus(ctx, &events.CommandStatusEvent{
		CommandID: payload.CommandID, AgentID: agentID, Status: string(models.CommandExecuting),
	})
}

// RouteCommandComplete forwards an agent's terminal COMMAND_COMPLETE to
// its origin, persists the terminal status, retires tracking, and ends
// the command's terminal-stream session.
func (r *MessageRouter) RouteCommandComplete(ctx context.Context, agentID string, payload models.CommandCompletePayload) {
	_ = r.commands.Complete(ctx, payload.CommandID, payload.Status, payload.Result, payload.Error)

	if origin, ok := r.tracker.Origin(payload.CommandID); ok {
		r.sendTo(origin, models.TypeCommandStatus, models.CommandStatusPayload{
			CommandID: payload.CommandID, Status: payload.Status, Message: payload.Error,
		})
		r.tracker.Retire(payload.CommandID)
	}
	r.terminal.EndSession(payload.CommandID, agentID)

	r.publisher.PublishCommandCompleted(ctx, &events.CommandCompletedEvent{
		CommandID: payload.CommandID, AgentID: agentID, Status: string(payload.Status), Error: payload.Error,
	})
}

// RouteTerminalOutput persists one TERMINAL_OUTPUT line and buffers it
// into the command's coalescing session, starting the session on first
// sight. The database write happens before any buffering or backpressure
// decision, so an elided dashboard delivery never loses the data; a
// failed write is logged and the line is still routed, since
// observability is not blocked by durability.
func (r *MessageRouter) RouteTerminalOutput(ctx context.Context, commandID, agentID string, payload models.TerminalOutputPayload) {
	if err := r.commands.AppendOutput(ctx, commandID, agentID, payload.Content, payload.Stream); err != nil {
		logger.Hub().Warn().Err(err).Str("commandId", commandID).Msg("failed to persist terminal output")
	}
	if origin, ok := r.tracker.Origin(commandID); ok {
		r.terminal.StartSession(commandID, agentID, origin)
	}
	r.terminal.Append(commandID, agentID, payload.Content, payload.Stream, payload.ANSI)
}

// RouteTraceEvent persists a TRACE_EVENT and forwards it as TRACE_STREAM to
// the origin dashboard, or to any dashboard subscribed to this agent via
// SUBSCRIBE_TRACES.
func (r *MessageRouter) RouteTraceEvent(ctx context.Context, agentID string, payload models.TraceEventPayload) {
	_ = r.commands.AppendTrace(ctx, &models.TraceEvent{
		CommandID: payload.CommandID, AgentID: agentID, Name: payload.Name, Data: payload.Data, Timestamp: time.Now(),
	})

	stream := models.TraceStreamPayload{CommandID: payload.CommandID, AgentID: agentID, Name: payload.Name, Data: payload.Data}
	delivered := make(map[string]struct{})
	if origin, ok := r.tracker.Origin(payload.CommandID); ok {
		r.sendTo(origin, models.TypeTraceStream, stream)
		delivered[origin] = struct{}{}
	}

	r.registry.IterateDashboards(func(c models.Connection) {
		if _, already := delivered[c.ConnectionID]; already {
			return
		}
		if r.subscribedTo(c.ConnectionID, agentID) {
			r.sendTo(c.ConnectionID, models.TypeTraceStream, stream)
		}
	})
}

// RouteInvestigationReport persists a final structured report and
// forwards it to the command's origin as a COMMAND_STATUS message
// carrying the summary, since INVESTIGATION_REPORT has no dedicated
// dashboard-facing frame in the wire contract.
func (r *MessageRouter) RouteInvestigationReport(ctx context.Context, agentID string, payload models.InvestigationReportPayload) {
	_ = r.commands.SaveReport(ctx, &models.InvestigationReport{
		CommandID: payload.CommandID, AgentID: agentID, Summary: payload.Summary, Findings: payload.Findings, Timestamp: time.Now(),
	})
	if origin, ok := r.tracker.Origin(payload.CommandID); ok {
		r.sendTo(origin, models.TypeCommandStatus, models.CommandStatusPayload{
			CommandID: payload.CommandID, Status: models.CommandExecuting, Message: payload.Summary,
		})
	}
}

// Subscribe / Unsubscribe implement SUBSCRIBE_TRACES / UNSUBSCRIBE_TRACES.
// An empty agentId means "all agents this dashboard has commands tracked
// against" and is represented as a present-but-empty set.
func (r *MessageRouter) Subscribe(connectionID, agentID string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	set, ok := r.subscriptions[connectionID]
	if !ok {
		set = make(map[string]struct{})
		r.subscriptions[connectionID] = set
	}
	if agentID != "" {
		set[agentID] = struct{}{}
	}
}

func (r *MessageRouter) Unsubscribe(connectionID, agentID string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	set, ok := r.subscriptions[connectionID]
	if !ok {
		return
	}
	if agentID == "" {
		delete(r.subscriptions, connectionID)
		return
	}
	if _, had := set[agentID]; had {
		delete(set, agentID)
		if len(set) == 0 {
			delete(r.subscriptions, connectionID)
		}
	}
}

// UnsubscribeAll drops every subscription held by connectionID, called once
// that dashboard's connection has closed so the map doesn't accumulate
// entries for peers that will never reconnect with this id.
func (r *MessageRouter) UnsubscribeAll(connectionID string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	delete(r.subscriptions, connectionID)
}

func (r *MessageRouter) subscribedTo(connectionID, agentID string) bool {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	set, ok := r.subscriptions[connectionID]
	if !ok {
		return false
	}
	if len(set) == 0 {
		return true
	}
	_, want := set[agentID]
	return want
}

// HandleAgentDisconnect is the synthetic event C7 emits when an agent's
// connection dies: it cancels every in-flight command addressed to that
// agent, notifying each command's origin, and announces AGENT_DISCONNECTED
// to dashboards. The old half of an agent supersede does not come through
// here; it goes through CancelCommandsForAgent.
func (r *MessageRouter) HandleAgentDisconnect(ctx context.Context, agentID, reason string) {
	_ = r.agents.UpdateStatus(ctx, agentID, models.AgentOffline, nil)

	r.cancelInFlightForAgent(ctx, agentID, reason)

	r.registry.IterateDashboards(func(c models.Connection) {
		r.sendTo(c.ConnectionID, models.TypeAgentDisconnected, models.AgentDisconnectedPayload{AgentID: agentID, Reason: reason})
	})

	r.publisher.PublishAgentDisconnected(ctx, &events.AgentDisconnectedEvent{AgentID: agentID, Reason: reason})
}

// CancelCommandsForAgent cancels every running or queued command addressed
// to agentID without touching its presence or announcing a disconnect.
// This is the supersede teardown path: the agent is still online on a
// newer connection, only the old binding's work is torn down.
func (r *MessageRouter) CancelCommandsForAgent(ctx context.Context, agentID, reason string) {
	r.cancelInFlightForAgent(ctx, agentID, reason)
}

// cancelInFlightForAgent transitions every running or queued command
// addressed to agentID to cancelled, delivering commandStatus cancelled
// to each command's origin dashboard and retiring its tracking entry.
func (r *MessageRouter) cancelInFlightForAgent(ctx context.Context, agentID, reason string) {
	running, err := r.commands.GetRunning(ctx, agentID)
	if err != nil {
		logger.Hub().Error().Err(err).Str("agentId", agentID).Msg("failed to list running commands for disconnect cancellation")
	}
	queued, err := r.commands.GetQueued(ctx, agentID)
	if err != nil {
		logger.Hub().Error().Err(err).Str("agentId", agentID).Msg("failed to list queued commands for disconnect cancellation")
	}

	for _, cmd := range append(running, queued...) {
		_ = r.commands.UpdateStatus(ctx, cmd.CommandID, models.CommandCancelled, nil, reason)
		if origin, ok := r.tracker.Origin(cmd.CommandID); ok {
			r.sendTo(origin, models.TypeCommandStatus, models.CommandStatusPayload{
				CommandID: cmd.CommandID, Status: models.CommandCancelled, Message: reason,
			})
			r.tracker.Retire(cmd.CommandID)
		}
	}
}

// BroadcastAgentConnected announces a newly online agent to every
// dashboard and publishes the corresponding domain event for external
// consumers.
func (r *MessageRouter) BroadcastAgentConnected(ctx context.Context, agent models.Agent, connectionID string, bootstrapped bool) {
	r.registry.IterateDashboards(func(c models.Connection) {
		r.sendTo(c.ConnectionID, models.TypeAgentConnected, models.AgentConnectedPayload{Agent: agent})
	})
	r.publisher.PublishAgentConnected(ctx, &events.AgentConnectedEvent{
		AgentID: agent.AgentID, Name: agent.Name, Type: agent.Type,
		ConnectionID: connectionID, Bootstrapped: bootstrapped,
	})
}

// RouteEmergencyStop cancels every active command across every agent
// (both executing and still offline-queued, per the open-question
// decision that PENDING and QUEUED both count as active), clears
// OfflineQueue entirely, and fans EMERGENCY_STOP out to all connected
// agents. triggeredBy is the dashboard principal that issued it.
func (r *MessageRouter) RouteEmergencyStop(ctx context.Context, triggeredBy, reason string) int {
	r.offlineQ.ClearAll()

	cancelled := 0
	for commandID, origin := range r.tracker.DrainAll() {
		_ = r.commands.UpdateStatus(ctx, commandID, models.CommandCancelled, nil, reason)
		r.sendTo(origin, models.TypeCommandStatus, models.CommandStatusPayload{
			CommandID: commandID, Status: models.CommandCancelled, Message: reason,
		})
		cancelled++
	}

	halted := 0
	r.registry.IterateAgents(func(c models.Connection) {
		r.sendTo(c.ConnectionID, models.TypeEmergencyStop, models.EmergencyStopPayload{Reason: reason})
		halted++
	})

	r.publisher.PublishEmergencyStop(ctx, &events.EmergencyStopEvent{TriggeredBy: triggeredBy, Reason: reason, CommandsHalted: cancelled})
	return halted
}
