package events

// NATS subject constants for hub events.
// Format: hub.<domain>.<action>

const (
	// Agent presence events
	SubjectAgentConnected    = "hub.agent.connected"
	SubjectAgentDisconnected = "hub.agent.disconnected"
	SubjectAgentSuperseded   = "hub.agent.superseded"

	// Command lifecycle events
	SubjectCommandIssued    = "hub.command.issued"
	SubjectCommandStatus    = "hub.command.status"
	SubjectCommandCompleted = "hub.command.completed"

	// Emergency stop
	SubjectEmergencyStop = "hub.emergency_stop"

	// Dead letter queue prefix, for events that failed to publish and were
	// retried past their budget.
	SubjectDLQPrefix = "hub.dlq"
)

// DLQSubject returns the dead letter queue subject for a given subject.
// Example: DLQSubject(SubjectCommandIssued) -> "hub.dlq.hub.command.issued"
func DLQSubject(subject string) string {
	return SubjectDLQPrefix + "." + subject
}
