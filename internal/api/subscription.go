package api

import (
	"errors"
	"net/http"
	"subscription-api/internal/middleware"
	"subscription-api/internal/response"
	"subscription-api/internal/services"
	"subscription-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// CreateSubscription starts a paid subscription for one listing
// POST /api/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req services.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, &services.SubscriptionError{
			Kind:    services.KindValidationFailed,
			Message: "Invalid request format",
			Err:     err,
		})
		return
	}

	// Without the header the body user_id is taken on trust from the upstream layer
	if caller := c.GetHeader(middleware.UserIDHeader); caller != "" && caller != req.UserID {
		h.fail(c, &services.SubscriptionError{
			Kind:    services.KindForbidden,
			Message: "user_id does not match the caller",
		})
		return
	}

	result, err := h.subscriptions.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.CreatedJSON(c, "Subscription created successfully", result)
}

// ReactivateSubscription resumes or replaces a lapsed subscription
// POST /api/subscriptions/:external_id/reactivate
func (h *Handler) ReactivateSubscription(c *gin.Context) {
	externalID := c.Param("external_id")

	result, err := h.subscriptions.Reactivate(c.Request.Context(), middleware.CallerUserID(c), externalID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.JSON(c, http.StatusOK, response.Success("Subscription reactivated", result))
}

// ListSubscriptions returns the caller's subscriptions
// GET /api/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.subscriptions.List(c.Request.Context(), middleware.CallerUserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	response.SuccessJSON(c, subs)
}

// fail maps an orchestrator error onto the response envelope. Server-side
// failures only carry their detail outside release mode.
func (h *Handler) fail(c *gin.Context, err error) {
	kind := services.KindOf(err)
	status := kind.HTTPStatus()

	message := "Internal server error"
	var se *services.SubscriptionError
	if errors.As(err, &se) && (status < http.StatusInternalServerError || h.exposeErrors) {
		message = se.Message
	}
	if h.exposeErrors {
		message = err.Error()
	}

	if status >= http.StatusInternalServerError {
		logging.Errorf("Subscription request failed - path: %s, kind: %s, error: %v", c.FullPath(), kind, err)
	}
	_ = c.Error(err)
	response.ErrorJSON(c, status, string(kind), message)
}
