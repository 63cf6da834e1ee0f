package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"subscription-api/internal/models"
	"subscription-api/pkg/logging"
	"time"

	"github.com/sethvargo/go-retry"
)

// WebhookNotifier tells the marketplace backend that a listing went live
type WebhookNotifier struct {
	httpClient  *http.Client
	callbackURL string
	secret      string
	retryBase   time.Duration
	maxRetries  uint64
}

// NewWebhookNotifier creates a notifier for callbackURL. Payloads are signed
// with secret when it is set.
func NewWebhookNotifier(callbackURL, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		callbackURL: callbackURL,
		secret:      secret,
		retryBase:   time.Second,
		maxRetries:  2,
	}
}

// WebhookPayload is sent to the marketplace backend
type WebhookPayload struct {
	Event       string `json:"event"` // listing.published
	ListingID   string `json:"listing_id"`
	ServiceType string `json:"service_type"`
	UserID      string `json:"user_id,omitempty"`
	Timestamp   string `json:"timestamp"` // RFC 3339
}

// NotifyListingPublished posts the event, retrying with exponential backoff
func (wn *WebhookNotifier) NotifyListingPublished(ctx context.Context, serviceType models.ServiceType, listing *models.Listing) error {
	if wn.callbackURL == "" {
		return nil
	}

	payload := WebhookPayload{
		Event:       "listing.published",
		ListingID:   listing.ListingID,
		ServiceType: string(serviceType),
		UserID:      listing.UserID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	attempt := 0
	backoff := retry.WithMaxRetries(wn.maxRetries, retry.NewExponential(wn.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := wn.sendWebhook(ctx, payload); err != nil {
			logging.Errorf("Webhook notification failed - url: %s, listing: %s, attempt: %d, error: %v",
				wn.callbackURL, payload.ListingID, attempt, err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("webhook notification failed after %d attempts: %w", attempt, err)
	}

	logging.Infof("Webhook notification sent successfully - url: %s, listing: %s, attempt: %d",
		wn.callbackURL, payload.ListingID, attempt)
	return nil
}

// sendWebhook sends a single webhook request
func (wn *WebhookNotifier) sendWebhook(ctx context.Context, payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wn.callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Subscription-Webhook/1.0")
	if wn.secret != "" {
		req.Header.Set("X-Subscription-Signature", wn.generateSignature(jsonData))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// generateSignature generates HMAC-SHA256 signature for webhook payload
func (wn *WebhookNotifier) generateSignature(payload []byte) string {
	h := hmac.New(sha256.New, []byte(wn.secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
