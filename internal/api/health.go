// Package api exposes the hub's two unauthenticated health endpoints. The
// teacher's own REST surface is out of scope here; this is the minimal
// slice of it the hub still needs for operators/load balancers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamspace-dev/hub/internal/cache"
	"github.com/streamspace-dev/hub/internal/db"
)

const healthCheckTimeout = 2 * time.Second

// HealthHandler answers GET /health and GET /api/system/health, grounded
// on the component sub-status shape its callers expect the hub to report.
type HealthHandler struct {
	db        *db.Database
	cache     *cache.Cache
	startedAt time.Time
	version   string
	wsRunning func() bool
}

func NewHealthHandler(database *db.Database, c *cache.Cache, version string, wsRunning func() bool) *HealthHandler {
	return &HealthHandler{db: database, cache: c, startedAt: time.Now(), version: version, wsRunning: wsRunning}
}

// Health implements GET /health: a quick liveness probe with a single
// database sub-status.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	dbStatus := gin.H{"connected": true, "type": "postgres", "message": "ok"}
	status := "ok"
	if err := h.db.DB().PingContext(ctx); err != nil {
		dbStatus = gin.H{"connected": false, "type": "postgres", "message": err.Error()}
		status = "error"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  dbStatus,
	})
}

// SystemHealth implements GET /api/system/health: a component-level
// breakdown covering database, redis, and the websocket accept loop.
func (h *HealthHandler) SystemHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	components := gin.H{}
	healthy := true

	if err := h.db.DB().PingContext(ctx); err != nil {
		components["database"] = gin.H{"status": "unhealthy", "message": err.Error()}
		healthy = false
	} else {
		components["database"] = gin.H{"status": "healthy"}
	}

	if !h.cache.IsEnabled() {
		components["redis"] = gin.H{"status": "healthy", "message": "disabled"}
	} else if err := h.cache.Ping(ctx); err != nil {
		components["redis"] = gin.H{"status": "unhealthy", "message": err.Error()}
		healthy = false
	} else {
		components["redis"] = gin.H{"status": "healthy"}
	}

	if h.wsRunning != nil && h.wsRunning() {
		components["websocket"] = gin.H{"status": "healthy"}
	} else {
		components["websocket"] = gin.H{"status": "unhealthy"}
		healthy = false
	}

	overall := "healthy"
	if !healthy {
		overall = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     overall,
		"components": components,
		"uptime":     time.Since(h.startedAt).String(),
		"version":    h.version,
	})
}
