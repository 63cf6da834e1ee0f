package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"subscription-api/internal/billing"
	"subscription-api/internal/database"
	"subscription-api/internal/models"
	"subscription-api/pkg/logging"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// SubscriptionStore is the system of record for subscriptions
type SubscriptionStore interface {
	FindActive(ctx context.Context, userID, listingID string) (*models.Subscription, error)
	Insert(ctx context.Context, subscription *models.Subscription) error
	UpdateStatusFields(ctx context.Context, id uint, fields models.StatusFields) error
	FindByID(ctx context.Context, id uint) (*models.Subscription, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]models.Subscription, error)
}

// Publisher is told about listings whose subscription was persisted
type Publisher interface {
	Publish(ctx context.Context, serviceType models.ServiceType, listingID string)
}

// PriceLookup maps a plan to the processor price id
type PriceLookup interface {
	PriceFor(serviceType, tier, cadence string) (string, bool)
}

// Final states of an orchestration operation, used as the outcome label
const (
	stateValidationFailed     = "validation_failed"
	stateConflict             = "conflict"
	statePaymentMethodMissing = "payment_method_missing"
	statePromotionInvalid     = "promotion_invalid"
	statePaymentFailed        = "payment_failed"
	stateStoreFailed          = "store_failed"
	stateNotFound             = "not_found"
	stateForbidden            = "forbidden"
)

// CreateRequest is the input of a subscription create
type CreateRequest struct {
	PriceRef       string `json:"price_ref"`
	UserID         string `json:"user_id"`
	ServiceType    string `json:"service_type"`
	Tier           string `json:"tier"`
	IsAnnual       bool   `json:"is_annual"`
	ListingID      string `json:"listing_id"`
	PromoCode      string `json:"promo_code,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// CreateResult is returned by a successful create
type CreateResult struct {
	SubscriptionExternalID string `json:"subscription_external_id"`
	RedirectPath           string `json:"redirect_path"`
}

// SubscriptionServiceOptions wires the orchestrator's collaborators
type SubscriptionServiceOptions struct {
	Store      SubscriptionStore
	Profiles   ProfileReader
	Gateway    billing.Gateway
	Promotions *PromotionService
	Notifier   Publisher
	Prices     PriceLookup
	Cache      *IdempotencyCache
	Metrics    *Metrics

	OperationTimeout    time.Duration
	MaxRetries          int
	RetryBase           time.Duration
	DashboardPathPrefix string
}

// SubscriptionService orchestrates subscription creation and reactivation
// across the billing processor and the subscription store
type SubscriptionService struct {
	store      SubscriptionStore
	profiles   ProfileReader
	gateway    billing.Gateway
	promotions *PromotionService
	notifier   Publisher
	prices     PriceLookup
	cache      *IdempotencyCache
	metrics    *Metrics

	operationTimeout    time.Duration
	maxRetries          uint64
	retryBase           time.Duration
	dashboardPathPrefix string
}

// NewSubscriptionService creates the orchestrator
func NewSubscriptionService(opts SubscriptionServiceOptions) *SubscriptionService {
	s := &SubscriptionService{
		store:               opts.Store,
		profiles:            opts.Profiles,
		gateway:             opts.Gateway,
		promotions:          opts.Promotions,
		notifier:            opts.Notifier,
		prices:              opts.Prices,
		cache:               opts.Cache,
		metrics:             opts.Metrics,
		operationTimeout:    opts.OperationTimeout,
		retryBase:           opts.RetryBase,
		dashboardPathPrefix: strings.TrimRight(opts.DashboardPathPrefix, "/"),
	}
	if opts.MaxRetries > 0 {
		s.maxRetries = uint64(opts.MaxRetries)
	}
	if s.promotions == nil {
		s.promotions = NewPromotionService(opts.Gateway)
	}
	if s.retryBase <= 0 {
		s.retryBase = 200 * time.Millisecond
	}
	if s.dashboardPathPrefix == "" {
		s.dashboardPathPrefix = "/dashboard/listings"
	}
	return s
}

// operationContext detaches from the caller so a disconnect cannot abort the
// operation between the processor call and the persist
func (s *SubscriptionService) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if s.operationTimeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, s.operationTimeout)
}

// Create subscribes a listing. The external subscription is always created
// before the record is written; a failed write rolls the external side back.
func (s *SubscriptionService) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	started := time.Now()
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	log := logging.L().With(
		zap.String("operation", "create"),
		zap.String("user_id", req.UserID),
		zap.String("listing_id", req.ListingID),
		zap.String("idempotency_key", req.IdempotencyKey),
	)

	result, state, err := s.create(ctx, req, log)
	s.metrics.observeOperation("create", state, started)
	if err != nil {
		log.Warn("subscription create failed", zap.String("state", state), zap.Error(err))
		return nil, err
	}
	log.Info("subscription create finished",
		zap.String("state", state),
		zap.String("external_id", result.SubscriptionExternalID))
	return result, nil
}

func (s *SubscriptionService) create(ctx context.Context, req CreateRequest, log *zap.Logger) (*CreateResult, string, error) {
	serviceType, tier, cadence, err := validateCreate(req)
	if err != nil {
		return nil, stateValidationFailed, err
	}

	if s.cache != nil {
		prior, err := s.cache.Begin(ctx, req.UserID, req.IdempotencyKey)
		switch {
		case errors.Is(err, ErrRequestInFlight):
			return nil, stateConflict, newError(KindConflict, "a request with this idempotency key is in progress", err)
		case err != nil:
			log.Warn("idempotency cache unavailable, continuing without it", zap.Error(err))
		case prior != nil:
			return prior, OutcomeReplayed, nil
		default:
			completed := false
			var result *CreateResult
			defer func() {
				cacheCtx := context.WithoutCancel(ctx)
				if completed {
					if err := s.cache.Complete(cacheCtx, req.UserID, req.IdempotencyKey, result); err != nil {
						log.Warn("failed to store idempotent result", zap.Error(err))
					}
					return
				}
				if err := s.cache.Release(cacheCtx, req.UserID, req.IdempotencyKey); err != nil {
					log.Warn("failed to release idempotency key", zap.Error(err))
				}
			}()
			res, state, err := s.createUncached(ctx, req, serviceType, tier, cadence, log)
			completed, result = err == nil, res
			return res, state, err
		}
	}
	return s.createUncached(ctx, req, serviceType, tier, cadence, log)
}

func (s *SubscriptionService) createUncached(ctx context.Context, req CreateRequest, serviceType models.ServiceType, tier models.Tier, cadence models.Cadence, log *zap.Logger) (*CreateResult, string, error) {
	existing, err := s.store.FindActive(ctx, req.UserID, req.ListingID)
	if err != nil {
		return nil, stateStoreFailed, newError(KindStorePersistError, "failed to check existing subscriptions", err)
	}
	if existing != nil {
		return nil, stateConflict, newError(KindConflict, "listing already has an active subscription", nil)
	}

	profile, err := s.paymentProfile(ctx, req.UserID)
	if err != nil {
		return nil, stateForError(err), err
	}

	var promo *models.PromotionCode
	if req.PromoCode != "" {
		promo, err = s.promotions.Resolve(ctx, req.PromoCode)
		if err != nil {
			if IsKind(err, KindInvalidPromotion) || IsKind(err, KindValidationFailed) {
				return nil, statePromotionInvalid, err
			}
			return nil, statePaymentFailed, err
		}
	}

	params := billing.CreateParams{
		CustomerRef:      profile.CustomerRef,
		PriceRef:         req.PriceRef,
		PaymentMethodRef: *profile.PaymentMethodRef,
		TrialDays:        promo.TrialDays(),
		Metadata:         subscriptionMetadata(req.UserID, req.ListingID, serviceType, tier, cadence),
		IdempotencyKey:   req.IdempotencyKey,
	}
	if promo != nil {
		params.PromotionRef = promo.ExternalID
	}

	ext, err := s.createExternal(ctx, params, log)
	if err != nil {
		return nil, statePaymentFailed, err
	}
	log.Info("external subscription created", zap.String("external_id", ext.ID), zap.String("status", ext.Status))

	record := &models.Subscription{
		UserID:            req.UserID,
		ListingID:         req.ListingID,
		ServiceType:       serviceType,
		Tier:              tier,
		Cadence:           cadence,
		PriceRef:          req.PriceRef,
		ExternalID:        &ext.ID,
		CustomerRef:       profile.CustomerRef,
		Status:            statusFromProcessor(ext.Status),
		TrialStart:        ext.TrialStart,
		TrialEnd:          ext.TrialEnd,
		CurrentPeriodEnd:  ext.CurrentPeriodEnd,
		CancelAtPeriodEnd: ext.CancelAtPeriodEnd,
	}
	if promo != nil {
		record.PromotionCode = &promo.Code
	}

	if err := s.store.Insert(ctx, record); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// A concurrent replay of the same key may already have recorded
			// this external subscription, which must then stay untouched.
			if owner, ferr := s.store.FindByExternalID(ctx, ext.ID); ferr == nil && owner.UserID == req.UserID {
				log.Info("external subscription already recorded by a concurrent request", zap.Uint("subscription_id", owner.ID))
				return s.result(serviceType, req.ListingID, ext.ID), OutcomeReplayed, nil
			}
		}

		s.rollback(ctx, ext, log)

		kind := KindStorePersistError
		if errors.Is(err, database.ErrDuplicate) {
			kind = KindConflict
		}
		return nil, OutcomeRolledBack, newError(kind, "failed to persist subscription", err)
	}

	if s.notifier != nil {
		s.notifier.Publish(ctx, serviceType, req.ListingID)
	}
	return s.result(serviceType, req.ListingID, ext.ID), OutcomeActivated, nil
}

func (s *SubscriptionService) result(serviceType models.ServiceType, listingID, externalID string) *CreateResult {
	return &CreateResult{
		SubscriptionExternalID: externalID,
		RedirectPath: fmt.Sprintf("%s/%s/%s?subscribed=1",
			s.dashboardPathPrefix, serviceType, url.PathEscape(listingID)),
	}
}

// paymentProfile returns the billing profile of a user with a saved payment method
func (s *SubscriptionService) paymentProfile(ctx context.Context, userID string) (*models.BillingProfile, error) {
	profile, err := s.profiles.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, newError(KindPaymentMethodMissing, "no payment method on file", nil)
		}
		return nil, newError(KindStorePersistError, "failed to load billing profile", err)
	}
	if profile.CustomerRef == "" || profile.PaymentMethodRef == nil || *profile.PaymentMethodRef == "" {
		return nil, newError(KindPaymentMethodMissing, "no payment method on file", nil)
	}
	return profile, nil
}

// createExternal calls the processor, retrying retryable failures with the
// same idempotency key so a retry can never create a second subscription
func (s *SubscriptionService) createExternal(ctx context.Context, params billing.CreateParams, log *zap.Logger) (*billing.ExternalSubscription, error) {
	backoff := retry.WithJitterPercent(10, retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.retryBase)))

	var ext *billing.ExternalSubscription
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		out, err := s.gateway.CreateSubscription(ctx, params)
		if err != nil {
			if billing.IsRetryable(err) {
				log.Warn("retryable processor error", zap.Int("attempt", attempt), zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		ext = out
		return nil
	})
	if err != nil {
		return nil, newError(KindPaymentError, "failed to create subscription with the processor", err)
	}
	return ext, nil
}

// rollback undoes an external subscription whose record could not be
// written: refund the latest invoice if it was paid, then cancel. Failures
// are logged and counted and never replace the persist error.
func (s *SubscriptionService) rollback(ctx context.Context, ext *billing.ExternalSubscription, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.rollbackTimeout())
	defer cancel()

	log = log.With(zap.String("external_id", ext.ID))
	var (
		failed []string
		errs   []error
	)

	if ext.LatestInvoiceID == "" {
		log.Warn("no latest invoice on external subscription, skipping refund")
	} else {
		invoice, err := s.gateway.RetrieveInvoice(ctx, ext.LatestInvoiceID)
		s.metrics.observeCompensation("retrieve_invoice", err)
		switch {
		case err != nil:
			failed = append(failed, "retrieve_invoice")
			errs = append(errs, err)
		case !invoice.Paid():
			log.Info("latest invoice not paid, nothing to refund", zap.String("invoice_status", invoice.Status))
		case invoice.PaymentIntentID == "":
			log.Info("paid invoice has no payment intent, nothing to refund", zap.String("invoice_id", invoice.ID))
		default:
			refund, err := s.gateway.Refund(ctx, invoice.PaymentIntentID, billing.RefundRequestedByCustomer)
			s.metrics.observeCompensation("refund", err)
			if err != nil {
				failed = append(failed, "refund")
				errs = append(errs, err)
			} else {
				log.Info("refunded latest invoice", zap.String("refund_id", refund.ID), zap.Int64("amount", refund.Amount))
			}
		}
	}

	err := s.gateway.CancelSubscription(ctx, ext.ID)
	s.metrics.observeCompensation("cancel", err)
	if err != nil {
		failed = append(failed, "cancel")
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		cerr := &CompensationError{ExternalID: ext.ID, Steps: failed, Err: errors.Join(errs...)}
		log.Error("subscription rollback incomplete", zap.Error(cerr))
		return
	}
	log.Info("subscription rolled back")
}

func (s *SubscriptionService) rollbackTimeout() time.Duration {
	if s.operationTimeout > 0 {
		return s.operationTimeout
	}
	return 30 * time.Second
}

// List returns every subscription of a user, newest first
func (s *SubscriptionService) List(ctx context.Context, userID string) ([]models.Subscription, error) {
	if userID == "" {
		return nil, newError(KindValidationFailed, "user id is required", nil)
	}
	subs, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, newError(KindStorePersistError, "failed to list subscriptions", err)
	}
	return subs, nil
}

func validateCreate(req CreateRequest) (models.ServiceType, models.Tier, models.Cadence, error) {
	var missing []string
	if req.UserID == "" {
		missing = append(missing, "user_id")
	}
	if req.ListingID == "" {
		missing = append(missing, "listing_id")
	}
	if req.PriceRef == "" {
		missing = append(missing, "price_ref")
	}
	if req.IdempotencyKey == "" {
		missing = append(missing, "idempotency_key")
	}
	if len(missing) > 0 {
		return "", "", "", newError(KindValidationFailed, "missing required fields: "+strings.Join(missing, ", "), nil)
	}

	serviceType, err := models.ParseServiceType(req.ServiceType)
	if err != nil {
		return "", "", "", newError(KindValidationFailed, err.Error(), nil)
	}
	tier, err := models.ParseTier(req.Tier)
	if err != nil {
		return "", "", "", newError(KindValidationFailed, err.Error(), nil)
	}
	return serviceType, tier, models.CadenceFromAnnual(req.IsAnnual), nil
}

func subscriptionMetadata(userID, listingID string, serviceType models.ServiceType, tier models.Tier, cadence models.Cadence) map[string]string {
	return map[string]string{
		billing.MetaUserID:      userID,
		billing.MetaListingID:   listingID,
		billing.MetaServiceType: string(serviceType),
		billing.MetaTier:        string(tier),
		billing.MetaCadence:     string(cadence),
	}
}

// statusFromProcessor folds the processor's status vocabulary into ours
func statusFromProcessor(status string) models.Status {
	switch status {
	case billing.StatusActive:
		return models.StatusActive
	case billing.StatusTrialing:
		return models.StatusTrialing
	case billing.StatusPastDue, billing.StatusUnpaid, billing.StatusPaused:
		return models.StatusPastDue
	case billing.StatusCanceled, billing.StatusIncompleteExpired:
		return models.StatusCanceled
	default:
		return models.StatusIncomplete
	}
}

func stateForError(err error) string {
	switch KindOf(err) {
	case KindValidationFailed:
		return stateValidationFailed
	case KindConflict:
		return stateConflict
	case KindPaymentMethodMissing:
		return statePaymentMethodMissing
	case KindInvalidPromotion:
		return statePromotionInvalid
	case KindPaymentError:
		return statePaymentFailed
	case KindNotFound:
		return stateNotFound
	case KindForbidden:
		return stateForbidden
	default:
		return stateStoreFailed
	}
}
