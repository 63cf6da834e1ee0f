package api

import (
	"net/http"
	"subscription-api/internal/response"
	"subscription-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody caps the payload read from Stripe
const maxWebhookBody = 64 << 10

// StripeWebhook verifies and applies a processor event. A non-2xx answer
// makes Stripe redeliver, so only application failures return 500.
// POST /api/stripe/webhook
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.verifier == nil || h.events == nil {
		response.ErrorJSON(c, http.StatusServiceUnavailable, "unavailable", "Webhook processing is not configured")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	body, err := c.GetRawData()
	if err != nil {
		logging.Errorf("Failed to read webhook body: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "validation_failed", "Failed to read request body")
		return
	}
	if len(body) == 0 {
		response.ErrorJSON(c, http.StatusBadRequest, "validation_failed", "Empty request body")
		return
	}

	event, err := h.verifier.Parse(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logging.Warnf("Rejected webhook: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "invalid_signature", "Signature verification failed")
		return
	}

	if err := h.events.Apply(c.Request.Context(), event); err != nil {
		logging.Errorf("Failed to apply webhook event - event_id: %s, type: %s, error: %v", event.ID, event.Type, err)
		response.ErrorJSON(c, http.StatusInternalServerError, "store_persist_error", "Failed to process event")
		return
	}

	response.SuccessJSON(c, gin.H{"event_id": event.ID})
}
