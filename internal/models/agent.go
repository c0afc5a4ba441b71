// Package models defines the core data structures shared across the hub:
// the persisted Agent/Command entities and the in-memory Connection and
// TerminalLine types that back the WebSocket gateway.
package models

import (
	"time"
)

// AgentStatus is the lifecycle status of an Agent as seen by the hub.
type AgentStatus string

const (
	AgentOffline    AgentStatus = "offline"
	AgentConnecting AgentStatus = "connecting"
	AgentOnline     AgentStatus = "online"
	AgentError      AgentStatus = "error"
)

// Valid reports whether s is one of the known AgentStatus values.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOffline, AgentConnecting, AgentOnline, AgentError:
		return true
	}
	return false
}

// AgentActivity is what an online Agent is currently doing.
type AgentActivity string

const (
	ActivityIdle       AgentActivity = "idle"
	ActivityProcessing AgentActivity = "processing"
	ActivityQueued     AgentActivity = "queued"
)

func (a AgentActivity) Valid() bool {
	switch a {
	case ActivityIdle, ActivityProcessing, ActivityQueued:
		return true
	}
	return false
}

// Agent is the logical identity of a remote executor process. It is
// persisted externally (AgentRepo) and cached in-memory by the hub while
// connected.
//
// Example:
//
//	{
//	  "agentId": "7c2b6e1e-...",
//	  "name": "laptop-runner-1",
//	  "type": "general",
//	  "status": "online",
//	  "activity": "processing",
//	  "ownerUserId": "user-42"
//	}
type Agent struct {
	AgentID       string        `json:"agentId" db:"agent_id"`
	Name          string        `json:"name" db:"name"`
	Type          string        `json:"type" db:"type"`
	Status        AgentStatus   `json:"status" db:"status"`
	Activity      AgentActivity `json:"activity" db:"activity"`
	OwnerUserID   string        `json:"ownerUserId" db:"owner_user_id"`
	LastHeartbeat *time.Time    `json:"lastHeartbeat,omitempty" db:"last_heartbeat"`
	CreatedAt     time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time     `json:"updatedAt" db:"updated_at"`
}

// ConnectionKind distinguishes the two classes of WebSocket peer.
type ConnectionKind string

const (
	KindAgent     ConnectionKind = "agent"
	KindDashboard ConnectionKind = "dashboard"
)

// Connection is the in-memory state of one live WebSocket. It is owned
// exclusively by its ConnectionHandler and referenced everywhere else by
// ConnectionID only, never by pointer, so that a closed connection cannot
// leave dangling references in other components.
type Connection struct {
	ConnectionID  string
	Kind          ConnectionKind
	Authenticated bool
	Principal     string // user-id for dashboards, agentId for agents
	AgentID       string // set only for Kind == KindAgent, post-bind
	TokenExpiry   time.Time
	LastPingAt    time.Time
	MissedPings   int
	ConnectedAt   time.Time
}

// TerminalStream identifies the stdout/stderr channel a TerminalLine came
// from.
type TerminalStream string

const (
	StreamStdout TerminalStream = "stdout"
	StreamStderr TerminalStream = "stderr"
)

// TerminalLine is one line of output submitted by an agent for a given
// (commandId, agentId) session.
type TerminalLine struct {
	Content   string
	Stream    TerminalStream
	Sequence  uint64
	Timestamp time.Time
	ANSI      bool
}
