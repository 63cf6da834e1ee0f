package services

import (
	"context"
	"errors"
	"fmt"
	"subscription-api/internal/billing"
	"subscription-api/internal/database"
	"subscription-api/internal/models"
	"subscription-api/pkg/logging"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Reactivation modes
const (
	ReactivationResumed   = "resumed"
	ReactivationRecreated = "recreated"
)

// ReactivateResult describes what a reactivation did
type ReactivateResult struct {
	SubscriptionExternalID string `json:"subscription_external_id"`
	Mode                   string `json:"mode"`
}

// Reactivate undoes a pending cancellation, or replaces a subscription the
// processor no longer considers active with a new one on the same record
func (s *SubscriptionService) Reactivate(ctx context.Context, callerUserID, externalID string) (*ReactivateResult, error) {
	started := time.Now()
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	log := logging.L().With(
		zap.String("operation", "reactivate"),
		zap.String("user_id", callerUserID),
		zap.String("external_id", externalID),
	)

	result, state, err := s.reactivate(ctx, callerUserID, externalID, log)
	s.metrics.observeOperation("reactivate", state, started)
	if err != nil {
		log.Warn("subscription reactivation failed", zap.String("state", state), zap.Error(err))
		return nil, err
	}
	log.Info("subscription reactivated", zap.String("mode", result.Mode), zap.String("new_external_id", result.SubscriptionExternalID))
	return result, nil
}

func (s *SubscriptionService) reactivate(ctx context.Context, callerUserID, externalID string, log *zap.Logger) (*ReactivateResult, string, error) {
	if callerUserID == "" || externalID == "" {
		return nil, stateValidationFailed, newError(KindValidationFailed, "caller and subscription id are required", nil)
	}

	record, err := s.store.FindByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, stateNotFound, newError(KindNotFound, "subscription not found", nil)
		}
		return nil, stateStoreFailed, newError(KindStorePersistError, "failed to load subscription", err)
	}
	if record.UserID != callerUserID {
		return nil, stateForbidden, newError(KindForbidden, "subscription belongs to another user", nil)
	}

	ext, err := s.gateway.RetrieveSubscription(ctx, externalID)
	if err != nil {
		return nil, statePaymentFailed, newError(KindPaymentError, err.Error(), err)
	}

	if resumable(ext.Status) {
		return s.resume(ctx, record, ext, log)
	}
	return s.recreate(ctx, record, ext, log)
}

// resumable reports whether the processor still bills the subscription.
// Replacing one of these would leave the old subscription running.
func resumable(status string) bool {
	switch status {
	case billing.StatusActive, billing.StatusTrialing, billing.StatusPastDue, billing.StatusUnpaid, billing.StatusPaused:
		return true
	}
	return false
}

// resume clears the one cancellation mechanism the processor reports.
// The billing anchor is kept and nothing is prorated, so no charge happens.
func (s *SubscriptionService) resume(ctx context.Context, record *models.Subscription, ext *billing.ExternalSubscription, log *zap.Logger) (*ReactivateResult, string, error) {
	var params billing.UpdateParams
	switch {
	case ext.CancelAt != nil:
		params.ClearCancelAt = true
	case ext.CancelAtPeriodEnd:
		no := false
		params.CancelAtPeriodEnd = &no
	}

	if params.ClearCancelAt || params.CancelAtPeriodEnd != nil {
		if _, err := s.gateway.UpdateSubscription(ctx, ext.ID, params); err != nil {
			return nil, statePaymentFailed, newError(KindPaymentError, err.Error(), err)
		}
	} else {
		log.Info("external subscription has no pending cancellation")
	}

	no := false
	if err := s.store.UpdateStatusFields(ctx, record.ID, models.StatusFields{CancelAtPeriodEnd: &no}); err != nil {
		return nil, stateStoreFailed, newError(KindStorePersistError, "failed to update subscription", err)
	}
	return &ReactivateResult{SubscriptionExternalID: ext.ID, Mode: ReactivationResumed}, OutcomeReactivated, nil
}

// recreate starts a new external subscription for the same plan and points
// the existing record at it. Status is reconciled later by event sync.
func (s *SubscriptionService) recreate(ctx context.Context, record *models.Subscription, ext *billing.ExternalSubscription, log *zap.Logger) (*ReactivateResult, string, error) {
	live, err := s.store.FindActive(ctx, record.UserID, record.ListingID)
	if err != nil {
		return nil, stateStoreFailed, newError(KindStorePersistError, "failed to check existing subscriptions", err)
	}
	if live != nil && live.ID != record.ID {
		log.Info("listing already has a live subscription", zap.Uint("live_subscription_id", live.ID))
		return nil, stateConflict, newError(KindConflict, "listing already has an active subscription", nil)
	}

	priceRef, ok := "", false
	if s.prices != nil {
		priceRef, ok = s.prices.PriceFor(string(record.ServiceType), string(record.Tier), string(record.Cadence))
	}
	if !ok {
		if record.PriceRef == "" {
			return nil, stateValidationFailed, newError(KindValidationFailed,
				fmt.Sprintf("no price configured for %s/%s/%s", record.ServiceType, record.Tier, record.Cadence), nil)
		}
		log.Warn("price not in catalog, reusing the original price", zap.String("price_ref", record.PriceRef))
		priceRef = record.PriceRef
	}

	profile, err := s.paymentProfile(ctx, record.UserID)
	if err != nil {
		return nil, stateForError(err), err
	}
	customerRef := record.CustomerRef
	if customerRef == "" {
		customerRef = profile.CustomerRef
	}

	params := billing.CreateParams{
		CustomerRef:      customerRef,
		PriceRef:         priceRef,
		PaymentMethodRef: *profile.PaymentMethodRef,
		Metadata:         subscriptionMetadata(record.UserID, record.ListingID, record.ServiceType, record.Tier, record.Cadence),
		IdempotencyKey:   fmt.Sprintf("reactivate:%d:%s", record.ID, ulid.Make().String()),
	}
	log.Info("creating replacement subscription",
		zap.String("previous_status", ext.Status),
		zap.String("idempotency_key", params.IdempotencyKey))

	created, err := s.createExternal(ctx, params, log)
	if err != nil {
		return nil, statePaymentFailed, err
	}

	no := false
	fields := models.StatusFields{ExternalID: &created.ID, CancelAtPeriodEnd: &no}
	if err := s.store.UpdateStatusFields(ctx, record.ID, fields); err != nil {
		s.rollback(ctx, created, log)
		return nil, OutcomeRolledBack, newError(KindStorePersistError, "failed to record replacement subscription", err)
	}
	return &ReactivateResult{SubscriptionExternalID: created.ID, Mode: ReactivationRecreated}, OutcomeRecreated, nil
}
