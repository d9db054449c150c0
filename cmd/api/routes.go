package main

import (
	"context"
	"net/http"

	"outbound-caller/internal/auth"
	"outbound-caller/internal/httpapi"
	"outbound-caller/internal/ingest"
	"outbound-caller/internal/metrics"
	"outbound-caller/internal/notify"

	"github.com/gin-gonic/gin"
)

const (
	telnyxWebhookPath = "/webhooks/telnyx"
	twilioStatusPath  = "/webhooks/twilio/status"
)

type routeDeps struct {
	auth     *auth.Manager
	api      httpapi.Handlers
	webhooks ingest.WebhookHandlers
	hub      *notify.Hub
	metrics  *metrics.Metrics
	health   func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if d.health != nil {
			if err := d.health(c.Request.Context()); err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(d.metrics.Handler()))

	// Provider webhooks. Twilio callbacks are signature-checked when enabled;
	// Telnyx deliveries are matched to calls through the client-state token.
	r.POST(telnyxWebhookPath, d.webhooks.Telnyx)
	r.POST(twilioStatusPath, d.webhooks.TwilioStatus)

	// Browsers cannot set headers on websocket upgrades.
	r.GET("/ws", auth.RequireAccessTokenOrQuery(d.auth), gin.WrapH(d.hub))

	r.POST("/v1/auth/login", d.api.Login)
	r.POST("/v1/auth/refresh", d.api.Refresh)
	httpapi.RegisterV1(r.Group("/v1", auth.RequireAccessToken(d.auth)), d.api)
}
