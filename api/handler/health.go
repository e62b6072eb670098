package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/mercury-crawler/models"
)

// Version is reported by the health endpoint and the CLI.
const Version = "0.1.0"

// Health returns a handler for GET /api/v1/health.
//
// Reports "busy" while a run holds the browser session.
func Health(m *RunManager, engine string, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		active := m.Active()
		status := "healthy"
		if active != "" {
			status = "busy"
		}
		c.JSON(http.StatusOK, models.HealthResponse{
			Status:    status,
			Version:   Version,
			Engine:    engine,
			ActiveRun: active,
			Uptime:    time.Since(startTime).Round(time.Second).String(),
		})
	}
}
