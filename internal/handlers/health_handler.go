package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by *sqlx.DB; redis clients are adapted with PingFunc
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// PingContext calls f(ctx)
func (f PingFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}

// HealthHandler reports the health of the service and its backing stores
type HealthHandler struct {
	version string
	db      Pinger
	redis   Pinger
}

// NewHealthHandler creates a HealthHandler. redis may be nil.
func NewHealthHandler(version string, db, redis Pinger) *HealthHandler {
	return &HealthHandler{version: version, db: db, redis: redis}
}

// Health returns 503 when the database is unreachable. Redis only degrades the
// handoff watcher, so its failure is reported without failing the check.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
			"error":    err.Error(),
		})
		return
	}

	body := gin.H{
		"status":    "healthy",
		"database":  "healthy",
		"version":   h.version,
		"timestamp": time.Now().Unix(),
	}
	if h.redis != nil {
		body["redis"] = "healthy"
		if err := h.redis.PingContext(ctx); err != nil {
			body["status"] = "degraded"
			body["redis"] = "unhealthy"
		}
	}
	c.JSON(http.StatusOK, body)
}
