package api

import (
	"net/http"
	"subscription-api/internal/billing"
	"subscription-api/internal/middleware"
	"subscription-api/internal/services"

	"github.com/gin-gonic/gin"
)

// Handler serves the subscription HTTP API
type Handler struct {
	subscriptions *services.SubscriptionService
	events        *services.EventSyncService
	verifier      *billing.WebhookVerifier
	replay        *services.ReplayProtection
	metrics       *services.Metrics
	exposeErrors  bool
}

// HandlerOptions wires the handler's dependencies
type HandlerOptions struct {
	Subscriptions *services.SubscriptionService
	Events        *services.EventSyncService
	Verifier      *billing.WebhookVerifier
	Replay        *services.ReplayProtection
	Metrics       *services.Metrics
	// ExposeErrors includes internal error text in responses (non-release modes)
	ExposeErrors bool
}

// NewHandler creates the API handler
func NewHandler(opts HandlerOptions) *Handler {
	return &Handler{
		subscriptions: opts.Subscriptions,
		events:        opts.Events,
		verifier:      opts.Verifier,
		replay:        opts.Replay,
		metrics:       opts.Metrics,
		exposeErrors:  opts.ExposeErrors,
	}
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler) {
	api := r.Group("/api")
	{
		subscriptions := api.Group("/subscriptions")
		{
			// Callers are authenticated by the upstream gateway. The body user_id is
			// trusted as-is unless an X-User-ID header contradicts it.
			subscriptions.POST("", h.CreateSubscription)

			caller := subscriptions.Group("")
			caller.Use(middleware.CallerMiddleware())
			{
				caller.GET("", h.ListSubscriptions)
				caller.POST("/:external_id/reactivate", h.ReactivateSubscription)
			}
		}

		// Stripe calls this; authenticity comes from the Stripe-Signature header
		api.POST("/stripe/webhook", h.StripeWebhook)
	}

	r.GET("/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
}

// Health reports liveness
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status":  "ok",
		"service": "subscription-service",
	}
	if h.replay != nil {
		body["replay_protection"] = h.replay.GetStats()
	}
	c.JSON(http.StatusOK, body)
}
