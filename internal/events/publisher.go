// Package events provides NATS event publishing for the hub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/streamspace-dev/hub/internal/logger"
)

// Config holds NATS connection settings.
type Config struct {
	URL      string
	User     string
	Password string
}

// Publisher publishes hub domain events to NATS for external consumers.
// If NATS is unreachable or unconfigured it degrades to a disabled no-op
// so the hub's own WebSocket routing never depends on it being up.
type Publisher struct {
	conn    *nats.Conn
	enabled bool
}

// NewPublisher connects to NATS and returns a Publisher. A disabled
// publisher (enabled=false, nil error) is returned instead of an error
// when cfg.URL is empty or the connection attempt fails, since event
// publishing is a best-effort side channel, never a dependency of the
// agent/dashboard control path.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		logger.Events().Warn().Msg("NATS_URL not configured, event publishing disabled")
		return &Publisher{enabled: false}, nil
	}

	opts := []nats.Option{
		nats.Name("hub-publisher"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Events().Warn().Err(err).Msg("NATS publisher disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Events().Info().Str("url", nc.ConnectedUrl()).Msg("NATS publisher reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Events().Warn().Err(err).Msg("NATS publisher error")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		logger.Events().Warn().Err(err).Str("url", cfg.URL).Msg("failed to connect to NATS, event publishing disabled")
		return &Publisher{enabled: false}, nil
	}

	logger.Events().Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")
	return &Publisher{conn: conn, enabled: true}, nil
}

// IsEnabled reports whether the publisher holds a live NATS connection.
func (p *Publisher) IsEnabled() bool {
	return p.enabled
}

// Close drains and closes the NATS connection. Safe to call on a
// disabled publisher.
func (p *Publisher) Close() error {
	if p.conn != nil {
		return p.conn.Drain()
	}
	return nil
}

// Publish marshals data to JSON and publishes it on subject. A disabled
// publisher silently drops the event. Publishing errors here never
// surface to the WS request path — callers log-and-continue, they never
// fail a command or connection because an event couldn't be published.
func (p *Publisher) Publish(subject string, data interface{}) error {
	if !p.enabled {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// PublishAgentConnected publishes an AgentConnectedEvent, filling in
// EventID and Timestamp if unset.
func (p *Publisher) PublishAgentConnected(ctx context.Context, e *AgentConnectedEvent) error {
	stamp(&e.EventID, &e.Timestamp)
	return p.Publish(SubjectAgentConnected, e)
}

// PublishAgentDisconnected publishes an AgentDisconnectedEvent.
func (p *Publisher) PublishAgentDisconnected(ctx context.Context, e *AgentDisconnectedEvent) error {
	stamp(&e.EventID, &e.Timestamp)
	return p.Publish(SubjectAgentDisconnected, e)
}

// PublishAgentSuperseded publishes an AgentSupersededEvent.
func (p *Publisher) PublishAgentSuperseded(ctx context.Context, e *AgentSupersededEvent) error {
	stamp(&e.EventID, &e.Timestamp)
	return p.Publish(SubjectAgentSuperseded, e)
}

// PublishCommandIssued publishes a CommandIssuedEvent.
func (p *Publisher) PublishCommandIssued(ctx context.Context, e *CommandIssuedEvent) error {
	stamp(&e.EventID, &e.Timestamp)
	return p.Publish(SubjectCommandIssued, e)
}

// PublishCommandStatus publishes a CommandStatusEvent.
func (p *Publisher) PublishCommandStatus(ctx context.Context, e *CommandStatusEvent) error {
	stamp(&e.EventID, &e.Timestamp)
	return p.Publish(SubjectCommandStatus, e)
}

// PublishCommandCompleted publishes a CommandCompletedEvent.
func (p *Publisher) PublishCommandCompleted(ctx context.Context, e *CommandCompletedEvent) error {
	stamp(&e.EventID, &e.Timestamp)
	return p.Publish(SubjectCommandCompleted, e)
}

// PublishEmergencyStop publishes an EmergencyStopEvent.
func (p *Publisher) PublishEmergencyStop(ctx context.Context, e *EmergencyStopEvent) error {
	stamp(&e.EventID, &e.Timestamp)
	return p.Publish(SubjectEmergencyStop, e)
}

func stamp(eventID *string, timestamp *time.Time) {
	if *eventID == "" {
		*eventID = uuid.New().String()
	}
	if timestamp.IsZero() {
		*timestamp = time.Now()
	}
}
