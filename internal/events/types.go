// Package events provides NATS event publishing for the hub.
//
// These events are published for external consumers (analytics, other
// services, long-lived audit pipelines) — they are distinct from, and
// published in addition to, the typed envelopes exchanged over the
// dashboard/agent WebSocket connections themselves.
package events

import (
	"time"
)

// AgentConnectedEvent is published when an agent completes AGENT_CONNECT
// and is admitted to the registry.
type AgentConnectedEvent struct {
	EventID      string    `json:"event_id"`
	Timestamp    time.Time `json:"timestamp"`
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id"`
	Bootstrapped bool      `json:"bootstrapped"`
}

// AgentDisconnectedEvent is published when an agent's connection closes,
// whether cleanly, by missed heartbeats, or by token expiry. A superseded
// connection publishes AgentSupersededEvent instead.
type AgentDisconnectedEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason"` // closed, timeout, token_expired
}

// AgentSupersededEvent is published when a new connection for an
// already-connected agent ID displaces the previous one.
type AgentSupersededEvent struct {
	EventID         string    `json:"event_id"`
	Timestamp       time.Time `json:"timestamp"`
	AgentID         string    `json:"agent_id"`
	OldConnectionID string    `json:"old_connection_id"`
	NewConnectionID string    `json:"new_connection_id"`
}

// CommandIssuedEvent is published when a dashboard issues a command and
// the hub has accepted and persisted it.
type CommandIssuedEvent struct {
	EventID      string    `json:"event_id"`
	Timestamp    time.Time `json:"timestamp"`
	CommandID    string    `json:"command_id"`
	IssuerUserID string    `json:"issuer_user_id"`
	TargetAgents []string  `json:"target_agents,omitempty"`
	Broadcast    bool      `json:"broadcast"`
	Action       string    `json:"action"`
}

// CommandStatusEvent is published on every status transition a command
// makes while in flight (queued, executing).
type CommandStatusEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	CommandID string    `json:"command_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Status    string    `json:"status"`
}

// CommandCompletedEvent is published when an agent reports COMMAND_COMPLETE,
// carrying the terminal status it reported (completed, failed, or
// cancelled). Cancellations made by the hub itself (COMMAND_CANCEL, agent
// disconnect, emergency stop) do not publish it.
type CommandCompletedEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	CommandID string    `json:"command_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// EmergencyStopEvent is published when an operator triggers the global
// emergency stop, halting all active commands.
type EmergencyStopEvent struct {
	EventID        string    `json:"event_id"`
	Timestamp      time.Time `json:"timestamp"`
	TriggeredBy    string    `json:"triggered_by"`
	Reason         string    `json:"reason,omitempty"`
	CommandsHalted int       `json:"commands_halted"`
}
