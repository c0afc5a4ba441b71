package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/streamspace-dev/hub/internal/models"
)

// AgentRepo persists agent identity and last-known state. It does not
// track live connection/presence — that's ConnectionRegistry's job, held
// entirely in memory.
type AgentRepo struct {
	db *Database
}

func NewAgentRepo(database *Database) *AgentRepo {
	return &AgentRepo{db: database}
}

// APIKeyHash implements auth.AgentLookup.
func (r *AgentRepo) APIKeyHash(ctx context.Context, agentID string) (string, bool, error) {
	var hash sql.NullString
	err := r.db.DB().QueryRowContext(ctx,
		`SELECT api_key_hash FROM agents WHERE agent_id = $1`, agentID,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !hash.Valid || hash.String == "" {
		return "", false, nil
	}
	return hash.String, true, nil
}

// Touch implements auth.AgentLookup, recording successful authentication.
func (r *AgentRepo) Touch(ctx context.Context, agentID string, at time.Time) error {
	_, err := r.db.DB().ExecContext(ctx,
		`UPDATE agents SET api_key_last_used_at = $1, updated_at = $1 WHERE agent_id = $2`,
		at, agentID)
	return err
}

// Bootstrap implements auth.AgentLookup, self-registering a never-before-seen
// agent that presented the shared bootstrap key.
func (r *AgentRepo) Bootstrap(ctx context.Context, agentID, apiKeyHash string) error {
	now := time.Now()
	_, err := r.db.DB().ExecContext(ctx, `
		INSERT INTO agents (agent_id, name, type, status, activity, owner_user_id, api_key_hash, api_key_created_at, api_key_last_used_at, created_at, updated_at)
		VALUES ($1, $1, 'unknown', 'offline', 'idle', '', $2, $3, $3, $3, $3)
		ON CONFLICT (agent_id) DO UPDATE SET api_key_hash = $2, api_key_last_used_at = $3, updated_at = $3
	`, agentID, apiKeyHash, now)
	return err
}

// Upsert records an agent's declared identity (name, type, owner) as seen
// on its most recent AGENT_CONNECT.
func (r *AgentRepo) Upsert(ctx context.Context, agent *models.Agent) error {
	now := time.Now()
	_, err := r.db.DB().ExecContext(ctx, `
		INSERT INTO agents (agent_id, name, type, status, activity, owner_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			name = $2, type = $3, status = $4, activity = $5, owner_user_id = $6, updated_at = $7
	`, agent.AgentID, agent.Name, agent.Type, agent.Status, agent.Activity, agent.OwnerUserID, now)
	return err
}

// UpdateStatus records a presence transition for history/audit purposes.
func (r *AgentRepo) UpdateStatus(ctx context.Context, agentID string, status models.AgentStatus, heartbeatAt *time.Time) error {
	_, err := r.db.DB().ExecContext(ctx,
		`UPDATE agents SET status = $1, last_heartbeat = COALESCE($2, last_heartbeat), updated_at = NOW() WHERE agent_id = $3`,
		status, heartbeatAt, agentID)
	return err
}

// Exists reports whether agentID has ever registered with the hub, used
// by the router to tell an unknown target apart from a known-but-offline
// one.
func (r *AgentRepo) Exists(ctx context.Context, agentID string) (bool, error) {
	var one int
	err := r.db.DB().QueryRowContext(ctx,
		`SELECT 1 FROM agents WHERE agent_id = $1`, agentID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns one agent's persisted record.
func (r *AgentRepo) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	a := &models.Agent{}
	var lastHeartbeat sql.NullTime
	err := r.db.DB().QueryRowContext(ctx, `
		SELECT agent_id, name, type, status, activity, owner_user_id, last_heartbeat, created_at, updated_at
		FROM agents WHERE agent_id = $1
	`, agentID).Scan(&a.AgentID, &a.Name, &a.Type, &a.Status, &a.Activity, &a.OwnerUserID, &lastHeartbeat, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", agentID, sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	if lastHeartbeat.Valid {
		a.LastHeartbeat = &lastHeartbeat.Time
	}
	return a, nil
}

// List returns every agent known to the hub, regardless of current
// connection state — used to seed a dashboard's AGENT_LIST on connect.
func (r *AgentRepo) List(ctx context.Context) ([]models.Agent, error) {
	rows, err := r.db.DB().QueryContext(ctx, `
		SELECT agent_id, name, type, status, activity, owner_user_id, last_heartbeat, created_at, updated_at
		FROM agents ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		var lastHeartbeat sql.NullTime
		if err := rows.Scan(&a.AgentID, &a.Name, &a.Type, &a.Status, &a.Activity, &a.OwnerUserID, &lastHeartbeat, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if lastHeartbeat.Valid {
			a.LastHeartbeat = &lastHeartbeat.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
