package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/streamspace-dev/hub/internal/models"
)

// CommandRepo persists commands and the structured trace/report data
// agents submit against them. CommandTracker holds the live, in-flight
// view; this is the system of record once a command is created.
type CommandRepo struct {
	db *Database
}

func NewCommandRepo(database *Database) *CommandRepo {
	return &CommandRepo{db: database}
}

// Create inserts a new command row.
func (r *CommandRepo) Create(ctx context.Context, cmd *models.Command) error {
	targets, err := json.Marshal(cmd.TargetAgents)
	if err != nil {
		return err
	}
	payload, err := marshalNullable(cmd.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.DB().ExecContext(ctx, `
		INSERT INTO commands (command_id, issuer_user_id, target_agents, broadcast, priority, status, action, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, cmd.CommandID, cmd.IssuerUserID, targets, cmd.Broadcast, cmd.Priority, cmd.Status, cmd.Action, payload, cmd.CreatedAt)
	return err
}

// UpdateStatus advances a command's lifecycle status, optionally attaching
// a terminal result or error.
func (r *CommandRepo) UpdateStatus(ctx context.Context, commandID string, status models.CommandStatus, result map[string]interface{}, errMsg string) error {
	resultJSON, err := marshalNullable(result)
	if err != nil {
		return err
	}
	_, err = r.db.DB().ExecContext(ctx, `
		UPDATE commands SET status = $1, result = COALESCE($2, result), error = NULLIF($3, ''), updated_at = NOW()
		WHERE command_id = $4
	`, status, resultJSON, errMsg, commandID)
	return err
}

// GetRunning returns every command currently executing against agentID
// (or a broadcast command reaching every agent), used on agent disconnect
// to find in-flight work that needs to transition to cancelled.
func (r *CommandRepo) GetRunning(ctx context.Context, agentID string) ([]models.Command, error) {
	return r.queryByAgentAndStatus(ctx, agentID, models.CommandExecuting)
}

// GetQueued returns every command still pending or queued for agentID,
// the counterpart to GetRunning for commands that haven't started
// executing yet.
func (r *CommandRepo) GetQueued(ctx context.Context, agentID string) ([]models.Command, error) {
	pending, err := r.queryByAgentAndStatus(ctx, agentID, models.CommandPending)
	if err != nil {
		return nil, err
	}
	queued, err := r.queryByAgentAndStatus(ctx, agentID, models.CommandQueued)
	if err != nil {
		return nil, err
	}
	return append(pending, queued...), nil
}

func (r *CommandRepo) queryByAgentAndStatus(ctx context.Context, agentID string, status models.CommandStatus) ([]models.Command, error) {
	rows, err := r.db.DB().QueryContext(ctx, `
		SELECT command_id, issuer_user_id, target_agents, broadcast, priority, status, action, payload, created_at, updated_at
		FROM commands WHERE status = $1 AND (broadcast = TRUE OR target_agents ? $2)
	`, status, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Command
	for rows.Next() {
		var cmd models.Command
		var targets, payload []byte
		if err := rows.Scan(&cmd.CommandID, &cmd.IssuerUserID, &targets, &cmd.Broadcast, &cmd.Priority, &cmd.Status, &cmd.Action, &payload, &cmd.CreatedAt, &cmd.UpdatedAt); err != nil {
			return nil, err
		}
		if len(targets) > 0 {
			if err := json.Unmarshal(targets, &cmd.TargetAgents); err != nil {
				return nil, err
			}
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &cmd.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// Get returns one command's persisted record.
func (r *CommandRepo) Get(ctx context.Context, commandID string) (*models.Command, error) {
	cmd := &models.Command{}
	var targets, payload []byte
	err := r.db.DB().QueryRowContext(ctx, `
		SELECT command_id, issuer_user_id, target_agents, broadcast, priority, status, action, payload, created_at, updated_at
		FROM commands WHERE command_id = $1
	`, commandID).Scan(&cmd.CommandID, &cmd.IssuerUserID, &targets, &cmd.Broadcast, &cmd.Priority, &cmd.Status, &cmd.Action, &payload, &cmd.CreatedAt, &cmd.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &cmd.TargetAgents); err != nil {
			return nil, err
		}
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &cmd.Payload); err != nil {
			return nil, err
		}
	}
	return cmd, nil
}

// Complete records a command's terminal transition, stamping completed_at
// alongside the final status, result, and error.
func (r *CommandRepo) Complete(ctx context.Context, commandID string, status models.CommandStatus, result map[string]interface{}, errMsg string) error {
	resultJSON, err := marshalNullable(result)
	if err != nil {
		return err
	}
	_, err = r.db.DB().ExecContext(ctx, `
		UPDATE commands SET status = $1, result = COALESCE($2, result), error = NULLIF($3, ''), completed_at = NOW(), updated_at = NOW()
		WHERE command_id = $4
	`, status, resultJSON, errMsg, commandID)
	return err
}

// AppendOutput durably records one line of terminal output for a command.
// Written at submit time, before any buffering or backpressure drop, so
// elided dashboard deliveries never lose the underlying data.
func (r *CommandRepo) AppendOutput(ctx context.Context, commandID, agentID, content string, stream models.TerminalStream) error {
	_, err := r.db.DB().ExecContext(ctx, `
		INSERT INTO command_output (command_id, agent_id, content, stream, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, commandID, agentID, content, stream)
	return err
}

// AppendTrace records one TRACE_EVENT frame against its command.
func (r *CommandRepo) AppendTrace(ctx context.Context, trace *models.TraceEvent) error {
	data, err := marshalNullable(trace.Data)
	if err != nil {
		return err
	}
	_, err = r.db.DB().ExecContext(ctx, `
		INSERT INTO command_traces (command_id, agent_id, name, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, trace.CommandID, trace.AgentID, trace.Name, data, trace.Timestamp)
	return err
}

// SaveReport records an INVESTIGATION_REPORT submission.
func (r *CommandRepo) SaveReport(ctx context.Context, report *models.InvestigationReport) error {
	findings, err := marshalNullable(report.Findings)
	if err != nil {
		return err
	}
	_, err = r.db.DB().ExecContext(ctx, `
		INSERT INTO investigation_reports (command_id, agent_id, summary, findings, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, report.CommandID, report.AgentID, report.Summary, findings, report.Timestamp)
	return err
}

func marshalNullable(v map[string]interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
