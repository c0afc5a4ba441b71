// Package middleware - auditlog.go
//
// This file implements audit logging for the hub's plain HTTP surface
// (health/status/admin endpoints). The WS-domain actions that are audited —
// agent and dashboard connect, agent disconnect, emergency stop — are
// recorded directly against db.AuditRepo by internal/hub instead of through
// this middleware, since those events don't correspond to one HTTP request.
// Command issuance is not audited.
//
// Sensitive fields (password, token, secret, apiKey, api_key) are redacted
// recursively before a request body is attached to an audit entry.
//
// Logging happens in a background goroutine so it never adds latency to
// the request path; a slow or unavailable database only means a dropped
// audit entry, not a slow response.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamspace-dev/hub/internal/db"
	"github.com/streamspace-dev/hub/internal/logger"
)

// AuditLogger records HTTP requests to the audit log.
type AuditLogger struct {
	repo            *db.AuditRepo
	logRequestBody  bool
	sensitiveFields []string
}

// NewAuditLogger creates a new audit logger. If repo is nil, the returned
// middleware is a no-op.
func NewAuditLogger(repo *db.AuditRepo, logRequestBody bool) *AuditLogger {
	return &AuditLogger{
		repo:            repo,
		logRequestBody:  logRequestBody,
		sensitiveFields: []string{"password", "token", "secret", "apiKey", "api_key"},
	}
}

func (a *AuditLogger) redact(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	for key, value := range data {
		redacted := false
		for _, field := range a.sensitiveFields {
			if key == field {
				data[key] = "[REDACTED]"
				redacted = true
				break
			}
		}
		if redacted {
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			data[key] = a.redact(nested)
		}
	}
	return data
}

// Middleware returns the gin handler that records one audit entry per
// request.
func (a *AuditLogger) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.repo == nil {
			c.Next()
			return
		}

		var requestBody map[string]interface{}
		if a.logRequestBody && c.Request.Body != nil {
			bodyBytes, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			if len(bodyBytes) > 0 && len(bodyBytes) < 10240 {
				_ = json.Unmarshal(bodyBytes, &requestBody)
				requestBody = a.redact(requestBody)
			}
		}

		c.Next()

		actor := "anonymous"
		if userID, ok := c.Get("userID"); ok {
			if id, ok := userID.(string); ok && id != "" {
				actor = id
			}
		}

		details := map[string]interface{}{
			"status_code": c.Writer.Status(),
			"user_agent":  c.Request.UserAgent(),
		}
		if requestBody != nil {
			details["request_body"] = requestBody
		}
		if len(c.Errors) > 0 {
			details["error"] = c.Errors.String()
		}

		go func(actor, method, path, ip string, details map[string]interface{}) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.repo.Record(ctx, actor, method, path, details, ip); err != nil {
				logger.HTTP().Warn().Err(err).Msg("failed to write audit log entry")
			}
		}(actor, c.Request.Method, c.Request.URL.Path, c.ClientIP(), details)
	}
}
