// Package auth: this file authenticates agents at AGENT_CONNECT time.
//
// Agents authenticate using a long-lived API key instead of a JWT, because
// they are unattended services, not interactive users:
//
//   - Plaintext key is handed to the agent once, at deployment
//   - Only the bcrypt hash is ever persisted (cost 12, see agent_apikey.go)
//   - A never-before-seen agent ID may register itself on first connect by
//     presenting AGENT_BOOTSTRAP_KEY instead of a per-agent key
package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AgentLookup is the subset of agent persistence AgentAuthenticator needs.
// internal/db's agent repository implements it.
type AgentLookup interface {
	APIKeyHash(ctx context.Context, agentID string) (hash string, found bool, err error)
	Touch(ctx context.Context, agentID string, at time.Time) error
	Bootstrap(ctx context.Context, agentID, apiKeyHash string) error
}

// AgentAuthenticator validates an agent's credentials for AGENT_CONNECT.
type AgentAuthenticator struct {
	lookup       AgentLookup
	bootstrapKey string
}

func NewAgentAuthenticator(lookup AgentLookup, bootstrapKey string) *AgentAuthenticator {
	return &AgentAuthenticator{lookup: lookup, bootstrapKey: bootstrapKey}
}

var (
	ErrAgentUnknown    = errors.New("agent is not registered and no bootstrap key matched")
	ErrAgentKeyInvalid = errors.New("agent API key does not match")
)

// Authenticate checks apiKey for agentID, self-registering the agent via
// the bootstrap key when it has never been seen before. Returns whether
// this call performed a first-time bootstrap registration.
func (a *AgentAuthenticator) Authenticate(ctx context.Context, agentID, apiKey string) (bootstrapped bool, err error) {
	if err := ValidateAPIKeyFormat(apiKey); err != nil {
		return false, err
	}

	hash, found, err := a.lookup.APIKeyHash(ctx, agentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	if !found {
		if a.bootstrapKey != "" && apiKey == a.bootstrapKey {
			newHash, err := HashAPIKey(apiKey)
			if err != nil {
				return false, err
			}
			if err := a.lookup.Bootstrap(ctx, agentID, newHash); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, ErrAgentUnknown
	}

	if !CompareAPIKey(apiKey, hash) {
		return false, ErrAgentKeyInvalid
	}

	_ = a.lookup.Touch(ctx, agentID, time.Now())
	return false, nil
}
