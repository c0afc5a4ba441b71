// Package cache provides Redis-based caching for the hub.
//
// This file defines standardized cache key naming conventions shared by
// every component that reads or writes Redis, so that key formats are
// never duplicated inline.
//
// Key Naming Convention:
//   - Format: {prefix}:{resource}:{identifier}
//   - Example: agent:presence:agt-1
//   - Example: session:4f1c...
package cache

import "fmt"

// Key prefixes for different resource types.
const (
	PrefixAgent   = "agent"
	PrefixSession = "session"
)

// AgentPresenceKey holds the last-known online/offline state and
// last-update timestamp for an agent, so a REST reader or a second hub
// replica can tell a connected agent apart from one that was never seen.
func AgentPresenceKey(agentID string) string {
	return fmt.Sprintf("%s:presence:%s", PrefixAgent, agentID)
}

// AgentConnectionKey maps an agent ID to the connection ID currently
// holding it, used to resolve the "agent supersede" case across hub
// replicas.
func AgentConnectionKey(agentID string) string {
	return fmt.Sprintf("%s:connection:%s", PrefixAgent, agentID)
}

// SessionKey backs the shared auth.SessionStore for dashboard peers
// authenticating over WebSocket.
func SessionKey(sessionID string) string {
	return fmt.Sprintf("%s:%s", PrefixSession, sessionID)
}

// UserSessionsPattern matches every session belonging to one user, for
// bulk revocation.
func UserSessionsPattern(userID string) string {
	return fmt.Sprintf("%s:user:%s:*", PrefixSession, userID)
}

// SessionPattern matches every tracked session, for the restart-time
// force-re-login sweep.
func SessionPattern() string {
	return fmt.Sprintf("%s:*", PrefixSession)
}
