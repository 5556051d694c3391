package main

import (
	"meetai/internal/auth"
	"meetai/internal/events"
	"meetai/internal/httpapi"
	"meetai/internal/metrics"
	"meetai/internal/provider"

	"github.com/gin-gonic/gin"
	limiter "github.com/ulule/limiter/v3"
)

type routeDeps struct {
	Auth     *auth.Manager
	Handlers httpapi.Handlers
	Stream   events.StreamHandler
	Webhook  provider.WebhookHandler
	Metrics  *metrics.Lifecycle
	Limits   limiter.Store

	CreateRate string
	TokenRate  string
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) error {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	// Provider webhooks authenticate with the request signature, not a bearer token.
	r.POST("/webhooks/provider", d.Webhook.Handle)

	createLimit, err := httpapi.RateLimit(d.Limits, "create", d.CreateRate)
	if err != nil {
		return err
	}
	tokenLimit, err := httpapi.RateLimit(d.Limits, "token", d.TokenRate)
	if err != nil {
		return err
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.Auth), httpapi.ClientIP())
	{
		h := d.Handlers

		v1.GET("/me", func(c *gin.Context) {
			id, _ := auth.IdentityFrom(c.Request.Context())
			c.JSON(200, gin.H{"user_id": id.UserID, "name": id.Name, "image": id.Image})
		})

		calls := v1.Group("/calls")
		{
			calls.POST("", createLimit, h.CreateCall)
			calls.GET("", h.ListCalls)
			calls.GET("/:call_id", h.GetCall)
			calls.DELETE("/:call_id", h.RemoveCall)
			calls.POST("/:call_id/join", h.JoinCall)
			calls.POST("/:call_id/complete", h.CompleteCall)
			calls.GET("/:call_id/participants", h.ListParticipants)
			calls.POST("/:call_id/token", tokenLimit, h.MintToken)
			calls.GET("/:call_id/events", d.Stream.Serve)
		}
	}
	return nil
}
