package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"subscription-api/internal/billing"
	"subscription-api/internal/database"
	"subscription-api/internal/models"
	"subscription-api/pkg/logging"

	"go.uber.org/zap"
)

// Webhook event results, used as the metric label
const (
	eventApplied  = "applied"
	eventReplay   = "replay"
	eventIgnored  = "ignored"
	eventUnknown  = "unknown_subscription"
	eventConflict = "conflict"
	eventFailed   = "failed"
)

// EventRecorder persists processed webhook event ids
type EventRecorder interface {
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// EventSyncService reconciles subscription status fields from processor
// webhook events
type EventSyncService struct {
	store   SubscriptionStore
	gateway billing.Gateway
	events  EventRecorder
	replay  *ReplayProtection
	metrics *Metrics
}

// NewEventSyncService creates the webhook reconciler. events and replay may be nil.
func NewEventSyncService(store SubscriptionStore, gateway billing.Gateway, events EventRecorder, replay *ReplayProtection, metrics *Metrics) *EventSyncService {
	return &EventSyncService{store: store, gateway: gateway, events: events, replay: replay, metrics: metrics}
}

// Apply applies one verified event. Redelivered events are acknowledged
// without effect; a failed application is forgotten so the processor's
// redelivery gets another chance.
func (s *EventSyncService) Apply(ctx context.Context, event *billing.Event) error {
	log := logging.L().With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))

	if s.replay != nil && s.replay.IsReplay(event.ID) {
		s.metrics.observeWebhook(event.Type, eventReplay)
		return nil
	}
	if s.events != nil {
		fresh, err := s.events.MarkProcessed(ctx, event.ID, event.Type)
		if err != nil {
			s.forget(ctx, event.ID, log)
			s.metrics.observeWebhook(event.Type, eventFailed)
			return fmt.Errorf("failed to record event %s: %w", event.ID, err)
		}
		if !fresh {
			log.Info("event already processed")
			s.metrics.observeWebhook(event.Type, eventReplay)
			return nil
		}
	}

	result, err := s.apply(ctx, event, log)
	if err != nil {
		s.forget(ctx, event.ID, log)
		s.metrics.observeWebhook(event.Type, eventFailed)
		return err
	}
	s.metrics.observeWebhook(event.Type, result)
	return nil
}

func (s *EventSyncService) apply(ctx context.Context, event *billing.Event, log *zap.Logger) (string, error) {
	var ext *billing.ExternalSubscription
	refetch := false
	switch {
	case event.Type == "customer.subscription.deleted":
		ext = event.Subscription
	case strings.HasPrefix(event.Type, "customer.subscription."):
		ext, refetch = event.Subscription, true
	case event.Type == "invoice.paid" || event.Type == "invoice.payment_failed":
		if event.SubscriptionID == "" {
			return eventIgnored, nil
		}
		// Invoice payloads do not carry subscription state
		ext, refetch = &billing.ExternalSubscription{ID: event.SubscriptionID}, true
	default:
		return eventIgnored, nil
	}
	if ext == nil || ext.ID == "" {
		return eventIgnored, nil
	}

	record, err := s.store.FindByExternalID(ctx, ext.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Events for replaced or foreign subscriptions are expected.
			log.Info("no subscription record for event", zap.String("external_id", ext.ID))
			return eventUnknown, nil
		}
		return "", err
	}

	// Stripe does not order deliveries, so apply the current state rather
	// than the snapshot carried by the event.
	if refetch {
		current, err := s.gateway.RetrieveSubscription(ctx, ext.ID)
		if err != nil {
			return "", fmt.Errorf("failed to retrieve subscription %s: %w", ext.ID, err)
		}
		ext = current
	}

	status := statusFromProcessor(ext.Status)
	if event.Type == "customer.subscription.deleted" {
		status = models.StatusCanceled
	}
	fields := models.StatusFields{
		Status:            &status,
		TrialStart:        ext.TrialStart,
		TrialEnd:          ext.TrialEnd,
		CurrentPeriodEnd:  ext.CurrentPeriodEnd,
		CancelAtPeriodEnd: &ext.CancelAtPeriodEnd,
	}
	if err := s.store.UpdateStatusFields(ctx, record.ID, fields); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// Another record already holds the listing; redelivery cannot change that.
			log.Warn("subscription status conflicts with a live listing subscription",
				zap.Uint("subscription_id", record.ID),
				zap.String("listing_id", record.ListingID),
				zap.String("status", string(status)),
				zap.Error(err))
			return eventConflict, nil
		}
		return "", fmt.Errorf("failed to sync subscription %d: %w", record.ID, err)
	}

	log.Info("subscription synced",
		zap.Uint("subscription_id", record.ID),
		zap.String("from", string(record.Status)),
		zap.String("to", string(status)))
	return eventApplied, nil
}

func (s *EventSyncService) forget(ctx context.Context, eventID string, log *zap.Logger) {
	if s.replay != nil {
		s.replay.Forget(eventID)
	}
	if s.events != nil {
		if err := s.events.Forget(context.WithoutCancel(ctx), eventID); err != nil {
			log.Warn("failed to forget event", zap.Error(err))
		}
	}
}
