package hub

import (
	"context"
	"time"

	"github.com/streamspace-dev/hub/internal/cache"
	"github.com/streamspace-dev/hub/internal/logger"
)

// presenceTTL bounds how long a presence record outlives its last write,
// so a hub that dies without cleaning up doesn't leave agents marked
// online forever. Refreshed on every heartbeat-driven status update.
const presenceTTL = 2 * time.Minute

// presenceRecord is the cross-process view of one agent's connection
// state. A REST reader or a second hub replica can resolve an agent's
// whereabouts from Redis without talking to this process.
type presenceRecord struct {
	AgentID      string    `json:"agent_id"`
	ConnectionID string    `json:"connection_id"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PresenceTracker mirrors ConnectionRegistry's agent bindings into the
// shared Redis cache. It is strictly write-through and best-effort: the
// in-memory registry stays authoritative for this process's routing, and
// a cache failure is logged, never propagated to the connection path.
type PresenceTracker struct {
	cache *cache.Cache
}

func NewPresenceTracker(c *cache.Cache) *PresenceTracker {
	return &PresenceTracker{cache: c}
}

// MarkOnline records that agentID is connected here, keyed for lookup by
// both presence readers and supersede resolution across replicas.
func (p *PresenceTracker) MarkOnline(ctx context.Context, agentID, connectionID string) {
	if p.cache == nil || !p.cache.IsEnabled() {
		return
	}
	rec := presenceRecord{AgentID: agentID, ConnectionID: connectionID, Status: "online", UpdatedAt: time.Now()}
	if err := p.cache.Set(ctx, cache.AgentPresenceKey(agentID), rec, presenceTTL); err != nil {
		logger.Hub().Warn().Err(err).Str("agentId", agentID).Msg("failed to write agent presence")
	}
	if err := p.cache.Set(ctx, cache.AgentConnectionKey(agentID), connectionID, presenceTTL); err != nil {
		logger.Hub().Warn().Err(err).Str("agentId", agentID).Msg("failed to write agent connection mapping")
	}
}

// MarkOffline clears agentID's presence. The record is overwritten rather
// than deleted so readers can distinguish "cleanly went offline" from
// "record expired because its hub died".
func (p *PresenceTracker) MarkOffline(ctx context.Context, agentID string) {
	if p.cache == nil || !p.cache.IsEnabled() {
		return
	}
	rec := presenceRecord{AgentID: agentID, Status: "offline", UpdatedAt: time.Now()}
	if err := p.cache.Set(ctx, cache.AgentPresenceKey(agentID), rec, presenceTTL); err != nil {
		logger.Hub().Warn().Err(err).Str("agentId", agentID).Msg("failed to clear agent presence")
	}
	if err := p.cache.Delete(ctx, cache.AgentConnectionKey(agentID)); err != nil {
		logger.Hub().Warn().Err(err).Str("agentId", agentID).Msg("failed to clear agent connection mapping")
	}
}
