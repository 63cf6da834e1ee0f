package services

import (
	"context"
	"errors"
	"subscription-api/internal/database"
	"subscription-api/internal/models"
	"subscription-api/pkg/logging"
	"time"

	"go.uber.org/zap"
)

// ListingPublisher flips a listing from draft to published
type ListingPublisher interface {
	MarkPublished(ctx context.Context, serviceType models.ServiceType, listingID string) error
	Get(ctx context.Context, serviceType models.ServiceType, listingID string) (*models.Listing, error)
}

// ProfileReader looks up a vendor's billing profile
type ProfileReader interface {
	GetByUserID(ctx context.Context, userID string) (*models.BillingProfile, error)
}

// ListingNotifier publishes listings once their subscription is persisted.
// Every failure is logged and swallowed.
type ListingNotifier struct {
	listings ListingPublisher
	profiles ProfileReader
	mailer   Mailer
	webhooks *WebhookNotifier
}

// NewListingNotifier creates a notifier. profiles and mailer may be nil, in
// which case no email is sent.
func NewListingNotifier(listings ListingPublisher, profiles ProfileReader, mailer Mailer) *ListingNotifier {
	return &ListingNotifier{listings: listings, profiles: profiles, mailer: mailer}
}

// WithWebhook makes Publish post a signed listing.published callback
func (n *ListingNotifier) WithWebhook(wn *WebhookNotifier) *ListingNotifier {
	n.webhooks = wn
	return n
}

// Publish marks the listing as published and optionally emails the vendor
func (n *ListingNotifier) Publish(ctx context.Context, serviceType models.ServiceType, listingID string) {
	log := logging.L().With(zap.String("service_type", string(serviceType)), zap.String("listing_id", listingID))

	if err := n.listings.MarkPublished(ctx, serviceType, listingID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			log.Warn("listing not found, nothing to publish")
		} else {
			log.Error("failed to publish listing", zap.Error(err))
		}
		return
	}
	log.Info("listing published")

	if n.webhooks == nil && (n.mailer == nil || n.profiles == nil) {
		return
	}

	listing, err := n.listings.Get(ctx, serviceType, listingID)
	if err != nil {
		log.Warn("failed to load published listing", zap.Error(err))
		return
	}

	if n.webhooks != nil {
		go func() {
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if err := n.webhooks.NotifyListingPublished(wctx, serviceType, listing); err != nil {
				log.Warn("listing webhook not delivered", zap.Error(err))
			}
		}()
	}

	if n.mailer == nil || n.profiles == nil {
		return
	}
	profile, err := n.profiles.GetByUserID(ctx, listing.UserID)
	if err != nil || profile.Email == "" {
		log.Warn("no vendor email on file", zap.String("user_id", listing.UserID), zap.Error(err))
		return
	}
	if err := n.mailer.SendListingLiveEmail(ctx, profile.Email, serviceType, listing); err != nil {
		log.Warn("failed to send listing live email", zap.Error(err))
	}
}
