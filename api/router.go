package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/api/handler"
	"github.com/use-agent/mercury-crawler/api/middleware"
	"github.com/use-agent/mercury-crawler/config"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if keys are configured) → RateLimit
//
// Health stays outside auth so monitoring probes always work.
func NewRouter(ctx context.Context, cfg *config.Config, m *handler.RunManager, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(zap.L().With(zap.String("component", "http"))))

	v1 := r.Group("/api/v1")
	v1.GET("/health", handler.Health(m, cfg.Browser.Engine, startTime))

	protected := v1.Group("")
	protected.Use(middleware.Auth(cfg.Server.APIKeys))
	protected.Use(middleware.RateLimit(ctx, cfg.Server.RateRPS, cfg.Server.RateBurst))

	protected.POST("/runs", handler.PostRun(m))
	protected.GET("/runs/:id", handler.GetRun(m.Store()))
	protected.GET("/runs/:id/records", handler.GetRecords(m.Store()))

	return r
}
