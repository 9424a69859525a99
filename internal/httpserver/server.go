package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/studioglow/conversion-relay/internal/auth"
	"github.com/studioglow/conversion-relay/internal/config"
	"github.com/studioglow/conversion-relay/internal/handlers"
	"github.com/studioglow/conversion-relay/internal/kvstore"
	"github.com/studioglow/conversion-relay/internal/pipeline"
	"github.com/studioglow/conversion-relay/internal/retry"
)

// NewRouter wires public endpoints and the authenticated admin surface.
// Public: /health, /ready, POST /api/events
// Authenticated: /api/admin/*
func NewRouter(cfg config.Config, kv kvstore.Store, p *pipeline.Pipeline, q *retry.Queue) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the key-value store is reachable. The store is
	// the only hard dependency; the Conversions API may be down without
	// making the service unready (that is what the retry queue is for).
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := kv.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	handlers.RegisterEventRoutes(r, p)

	adminGroup := r.Group("/")
	adminGroup.Use(auth.APIKeyMiddleware(cfg.APIKeys))
	handlers.RegisterAdminRoutes(adminGroup, q)

	return r
}
