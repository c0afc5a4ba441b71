// Package models: this file defines the hub's WebSocket wire protocol —
// the envelope every message must carry and the closed set of message
// kinds and payload shapes per direction.
package models

import "encoding/json"

// Envelope is the top-level structure every WebSocket message must carry.
// The server rejects anything missing one of these four fields.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // milliseconds since epoch
	Payload   json.RawMessage `json:"payload"`
}

// Message kinds, Agent -> Server.
const (
	TypeAgentConnect        = "AGENT_CONNECT"
	TypeAgentHeartbeat      = "AGENT_HEARTBEAT"
	TypeAgentError          = "AGENT_ERROR"
	TypeCommandAck          = "COMMAND_ACK"
	TypeCommandComplete     = "COMMAND_COMPLETE"
	TypeTerminalOutput      = "TERMINAL_OUTPUT"
	TypeTraceEvent          = "TRACE_EVENT"
	TypeInvestigationReport = "INVESTIGATION_REPORT"
)

// Message kinds, Server -> Agent.
const (
	TypeCommandRequest  = "COMMAND_REQUEST"
	TypeCommandCancel   = "COMMAND_CANCEL"
	TypeEmergencyStop   = "EMERGENCY_STOP"
	TypeServerHeartbeat = "SERVER_HEARTBEAT"
)

// Message kinds, Dashboard -> Server.
const (
	TypeDashboardConnect  = "DASHBOARD_CONNECT"
	TypeSubscribeTraces   = "SUBSCRIBE_TRACES"
	TypeUnsubscribeTraces = "UNSUBSCRIBE_TRACES"
)

// Message kinds, Server -> Dashboard.
const (
	TypeConnectionAck     = "CONNECTION_ACK"
	TypeAgentList         = "AGENT_LIST"
	TypeAgentConnected    = "AGENT_CONNECTED"
	TypeAgentDisconnected = "AGENT_DISCONNECTED"
	TypeCommandStatus     = "COMMAND_STATUS"
	TypeTerminalStream    = "TERMINAL_STREAM"
	TypeTraceStream       = "TRACE_STREAM"
)

// Shared across both directions.
const (
	TypeTokenRefresh   = "TOKEN_REFRESH"
	TypeAck            = "ACK"
	TypeError          = "ERROR"
	TypePing           = "PING"
	TypePong           = "PONG"
	TypeServerShutdown = "SERVER_SHUTDOWN"
)

// AgentConnectPayload authenticates an agent and declares its identity.
type AgentConnectPayload struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
}

// DashboardConnectPayload authenticates a dashboard peer.
type DashboardConnectPayload struct {
	Token string `json:"token,omitempty"`
}

// ConnectionAckPayload is sent once a peer reaches AUTHENTICATED.
type ConnectionAckPayload struct {
	ConnectionID  string   `json:"connectionId"`
	ServerVersion string   `json:"serverVersion"`
	Features      []string `json:"features"`
}

// AgentListPayload is the dashboard's initial snapshot of known agents.
type AgentListPayload struct {
	Agents []Agent `json:"agents"`
}

// AgentConnectedPayload / AgentDisconnectedPayload announce presence
// changes to dashboards.
type AgentConnectedPayload struct {
	Agent Agent `json:"agent"`
}

type AgentDisconnectedPayload struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason,omitempty"`
}

// CommandRequestPayload is issued by a dashboard to run a command on one
// or more agents, or by the server forwarding that request to an agent.
type CommandRequestPayload struct {
	CommandID    string                 `json:"commandId"`
	TargetAgents []string               `json:"targetAgents,omitempty"`
	Broadcast    bool                   `json:"broadcast,omitempty"`
	Priority     int                    `json:"priority"`
	Action       string                 `json:"action"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// CommandCancelPayload requests cancellation of a command the sender
// originated.
type CommandCancelPayload struct {
	CommandID string `json:"commandId"`
	Reason    string `json:"reason,omitempty"`
}

// CommandAckPayload / CommandStatusPayload / CommandCompletePayload carry
// the agent-reported lifecycle of a command back to its origin dashboard.
type CommandAckPayload struct {
	CommandID string `json:"commandId"`
}

type CommandStatusPayload struct {
	CommandID string        `json:"commandId"`
	Status    CommandStatus `json:"status"`
	Message   string        `json:"message,omitempty"`
}

type CommandCompletePayload struct {
	CommandID string                 `json:"commandId"`
	Status    CommandStatus          `json:"status"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// TerminalOutputPayload is one submitted line of output; TerminalStreamPayload
// is the coalesced, flushed form delivered to the dashboard.
type TerminalOutputPayload struct {
	CommandID string         `json:"commandId"`
	AgentID   string         `json:"agentId"`
	Content   string         `json:"content"`
	Stream    TerminalStream `json:"stream"`
	ANSI      bool           `json:"ansi,omitempty"`
}

type TerminalStreamPayload struct {
	CommandID string         `json:"commandId"`
	AgentID   string         `json:"agentId"`
	Content   string         `json:"content"`
	Stream    TerminalStream `json:"stream"`
	ANSI      bool           `json:"ansi"`
	Elided    bool           `json:"elided,omitempty"`
	Bytes     int            `json:"bytes,omitempty"`
}

// TraceEventPayload / TraceStreamPayload and InvestigationReportPayload
// carry structured, non-terminal execution data.
type TraceEventPayload struct {
	CommandID string                 `json:"commandId"`
	Name      string                 `json:"name"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type TraceStreamPayload struct {
	CommandID string                 `json:"commandId"`
	AgentID   string                 `json:"agentId"`
	Name      string                 `json:"name"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type InvestigationReportPayload struct {
	CommandID string                 `json:"commandId" validate:"required"`
	Summary   string                 `json:"summary" validate:"required"`
	Findings  map[string]interface{} `json:"findings,omitempty"`
}

// EmergencyStopPayload fans out to all agents and cancels all in-flight
// work.
type EmergencyStopPayload struct {
	Reason string `json:"reason,omitempty"`
}

// AgentHeartbeatPayload carries no routed data;
// HeartbeatManager consumes PING/PONG directly and this type exists only
// to give AGENT_HEARTBEAT a documented shape when agents send status
// alongside the beat.
type AgentHeartbeatPayload struct {
	Activity AgentActivity `json:"activity,omitempty"`
}

// AgentErrorPayload lets an agent report a local error not tied to any
// one command.
type AgentErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubscribeTracesPayload / UnsubscribeTracesPayload scope a dashboard's
// trace-stream subscription to one agent (empty = all agents it owns
// commands on).
type SubscribeTracesPayload struct {
	AgentID string `json:"agentId,omitempty"`
}

type UnsubscribeTracesPayload struct {
	AgentID string `json:"agentId,omitempty"`
}

// TokenRefreshPayload is pushed to a peer when TokenManager completes a
// proactive refresh ahead of expiry.
type TokenRefreshPayload struct {
	NewToken  string `json:"newToken"`
	NewExpiry int64  `json:"newExpiry"`
}

// AckPayload is a generic positive acknowledgement for messages that
// don't have a more specific reply kind.
type AckPayload struct {
	RefID string `json:"refId"`
}

// ErrorPayload is the wire shape of every ERROR frame. Code is one of the
// taxonomy values in internal/errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PingPayload / PongPayload carry the heartbeat's round-trip timestamp.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type PongPayload struct {
	EchoedTimestamp int64 `json:"echoedTimestamp"`
}

// ServerShutdownPayload is pushed to every connected peer during graceful
// stop, ahead of the hub closing their socket.
type ServerShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}
