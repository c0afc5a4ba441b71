// Package errors provides standardized error handling for the hub.
//
// This package implements a consistent error format across both surfaces
// the hub exposes: the WebSocket ERROR frame and the HTTP health
// responses.
//
// Error Structure:
//   - Code: Machine-readable error identifier from the wire taxonomy
//   - Message: Human-readable error message
//   - Details: Optional additional context (never a stack trace or raw
//     database error — those stay in logs)
//   - StatusCode: HTTP status code, used only by the health endpoints
//
// Usage patterns:
//
//	return errors.UnknownAgent(agentID)
//	return errors.Wrap(errors.ErrCodeInternal, "repository write failed", err)
//
// On the WebSocket path:
//
//	conn.Send(err.ToFrame(msgID))
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/streamspace-dev/hub/internal/models"
)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// AppError represents a standardized application error.
type AppError struct {
	// Code is a machine-readable identifier, one of the wire taxonomy
	// values below.
	Code string `json:"code"`

	// Message is human-readable and safe to show to a peer.
	Message string `json:"message"`

	// Details is optional additional context. Never populated with a raw
	// internal error string or stack trace when the error will cross the
	// wire — see Wrap's callers.
	Details string `json:"details,omitempty"`

	// StatusCode is the HTTP status to use when this error backs a health
	// response. Not meaningful on the WebSocket path.
	StatusCode int `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the JSON shape for an HTTP error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Wire error taxonomy (spec §6/§7).
const (
	ErrCodeInvalidMessage      = "INVALID_MESSAGE"
	ErrCodeInvalidMessageType  = "INVALID_MESSAGE_TYPE"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeAuthTimeout         = "AUTH_TIMEOUT"
	ErrCodeTokenExpired        = "TOKEN_EXPIRED"
	ErrCodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	ErrCodeUnknownAgent        = "UNKNOWN_AGENT"
	ErrCodeAgentNotFound       = "AGENT_NOT_FOUND"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeConnectionFailed    = "CONNECTION_FAILED"
	ErrCodeNotAuthenticated    = "NOT_AUTHENTICATED"
	// ErrCodeSuperseded is not in the wire taxonomy's enumerated list in
	// §6 but is referenced by the "agent supersede" scenario in §8 — it
	// rides the same ERROR frame shape.
	ErrCodeSuperseded = "SUPERSEDED"
)

// New creates a new AppError with no details.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCodeFor(code)}
}

// NewWithDetails creates a new AppError with details attached.
func NewWithDetails(code, message, details string) *AppError {
	return &AppError{Code: code, Message: message, Details: details, StatusCode: statusCodeFor(code)}
}

// Wrap attaches an underlying error's message as Details. Callers on the
// WebSocket path should prefer New/NewWithDetails with a sanitized
// message instead, so internals never leak to a peer (see ErrCodeInternal
// constructor below).
func Wrap(code, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewWithDetails(code, message, details)
}

func statusCodeFor(code string) int {
	switch code {
	case ErrCodeInvalidMessage, ErrCodeInvalidMessageType, ErrCodeValidationError:
		return http.StatusBadRequest
	case ErrCodeUnauthorized, ErrCodeAuthTimeout, ErrCodeTokenExpired,
		ErrCodeInvalidRefreshToken, ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case ErrCodeAgentNotFound, ErrCodeUnknownAgent:
		return http.StatusNotFound
	case ErrCodeConnectionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToResponse renders the error for an HTTP body (health endpoints).
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Code, Message: e.Message, Code: e.Code, Details: e.Details}
}

// ToFrame renders the error as an ERROR envelope for the WebSocket path.
// refID correlates the frame with the message that caused it, or is empty
// for connection-level errors raised before any message was received.
func (e *AppError) ToFrame(refID string) models.Envelope {
	payload, _ := json.Marshal(models.ErrorPayload{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
	return models.Envelope{
		Type:      models.TypeError,
		ID:        refID,
		Timestamp: nowMillis(),
		Payload:   payload,
	}
}

// Convenience constructors, one per wire taxonomy entry. Details are
// deliberately omitted from the ones that cross the wire to peers; callers
// that need to log the underlying cause should log it separately rather
// than put it in Details.

func InvalidMessage(reason string) *AppError {
	return New(ErrCodeInvalidMessage, reason)
}

func InvalidMessageType(kind string) *AppError {
	return New(ErrCodeInvalidMessageType, fmt.Sprintf("message type %q is not valid for this connection", kind))
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func AuthTimeout() *AppError {
	return New(ErrCodeAuthTimeout, "authentication was not completed in time")
}

func TokenExpired() *AppError {
	return New(ErrCodeTokenExpired, "authentication token has expired")
}

func InvalidRefreshToken() *AppError {
	return New(ErrCodeInvalidRefreshToken, "refresh token is invalid or expired")
}

func UnknownAgent(agentID string) *AppError {
	return New(ErrCodeUnknownAgent, fmt.Sprintf("agent %s is not known to the hub", agentID))
}

func AgentNotFound(agentID string) *AppError {
	return New(ErrCodeAgentNotFound, fmt.Sprintf("agent %s not found", agentID))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidationError, message)
}

func InternalError(err error) *AppError {
	ae := New(ErrCodeInternal, "an internal error occurred")
	_ = err // logged by the caller via logger.Hub(); never surfaced in Details
	return ae
}

func ConnectionFailed(message string) *AppError {
	return New(ErrCodeConnectionFailed, message)
}

func NotAuthenticated() *AppError {
	return New(ErrCodeNotAuthenticated, "connection has not completed authentication")
}

func Superseded() *AppError {
	return New(ErrCodeSuperseded, "a newer connection for this agent has taken over")
}
