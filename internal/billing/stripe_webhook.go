package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Event is a verified processor webhook event. Subscription is set for
// customer.subscription.* events; invoice.* events only carry SubscriptionID.
type Event struct {
	ID             string
	Type           string
	SubscriptionID string
	Subscription   *ExternalSubscription
}

// invoiceRef covers both places an invoice names its subscription
type invoiceRef struct {
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// WebhookVerifier checks Stripe-Signature headers and decodes events
type WebhookVerifier struct {
	secret string
}

// NewWebhookVerifier creates a verifier for the endpoint signing secret
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Parse verifies the signature of payload and decodes the event
func (v *WebhookVerifier) Parse(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("billing: webhook signature verification failed: %w", err)
	}

	out := &Event{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return out, nil
	}

	switch {
	case strings.HasPrefix(out.Type, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("billing: parse %s event: %w", out.Type, err)
		}
		out.Subscription = fromStripeSubscription(&sub)
		out.SubscriptionID = sub.ID
	case strings.HasPrefix(out.Type, "invoice."):
		var ref invoiceRef
		if err := json.Unmarshal(event.Data.Raw, &ref); err != nil {
			return nil, fmt.Errorf("billing: parse %s event: %w", out.Type, err)
		}
		out.SubscriptionID = ref.Subscription
		if out.SubscriptionID == "" && ref.Parent != nil && ref.Parent.SubscriptionDetails != nil {
			out.SubscriptionID = ref.Parent.SubscriptionDetails.Subscription
		}
	}
	return out, nil
}
