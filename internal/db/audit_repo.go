package db

import (
	"context"
	"encoding/json"
)

// AuditRepo records security- and control-plane-relevant actions: connect,
// disconnect, auth failure, command issuance, emergency stop.
type AuditRepo struct {
	db *Database
}

func NewAuditRepo(database *Database) *AuditRepo {
	return &AuditRepo{db: database}
}

// Record appends one audit entry. details is marshaled to JSONB; a nil map
// is stored as SQL NULL.
func (r *AuditRepo) Record(ctx context.Context, actor, action, target string, details map[string]interface{}, ipAddress string) error {
	detailsJSON, err := marshalNullable(details)
	if err != nil {
		return err
	}
	_, err = r.db.DB().ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, target, details, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, actor, action, target, detailsJSON, ipAddress)
	return err
}

// AuditEntry is the read-side shape returned by Recent.
type AuditEntry struct {
	ID        int64                  `json:"id"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	IPAddress string                 `json:"ipAddress,omitempty"`
}

// Recent returns the most recent audit entries, newest first, bounded by
// limit.
func (r *AuditRepo) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := r.db.DB().QueryContext(ctx, `
		SELECT id, actor, action, COALESCE(target, ''), details, COALESCE(ip_address, '')
		FROM audit_log ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &details, &e.IPAddress); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
