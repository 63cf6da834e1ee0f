package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Gateway abstracts the payment processor's subscription primitives.
// Implementations never retry; retry policy belongs to the caller.
type Gateway interface {
	// CreateSubscription starts a subscription. IdempotencyKey is required and
	// a replay of the same key returns the subscription created the first time.
	CreateSubscription(ctx context.Context, params CreateParams) (*ExternalSubscription, error)
	// RetrieveSubscription fetches the processor's current view of a subscription.
	RetrieveSubscription(ctx context.Context, externalID string) (*ExternalSubscription, error)
	// UpdateSubscription changes cancellation settings without moving the billing anchor.
	UpdateSubscription(ctx context.Context, externalID string, params UpdateParams) (*ExternalSubscription, error)
	// CancelSubscription cancels immediately.
	CancelSubscription(ctx context.Context, externalID string) error
	// RetrieveInvoice fetches an invoice with its payment intent reference.
	RetrieveInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	// Refund refunds a payment intent in full.
	Refund(ctx context.Context, paymentIntentID string, reason RefundReason) (*Refund, error)
	// ListPromotionCodes returns the active promotion codes matching code exactly.
	ListPromotionCodes(ctx context.Context, code string) ([]PromotionCode, error)
}

// Processor subscription statuses
const (
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusUnpaid            = "unpaid"
	StatusPaused            = "paused"
)

// InvoiceStatusPaid is the only invoice status that triggers a refund during rollback
const InvoiceStatusPaid = "paid"

// RefundReason is the processor's refund reason vocabulary
type RefundReason string

const (
	RefundRequestedByCustomer RefundReason = "requested_by_customer"
	RefundDuplicate           RefundReason = "duplicate"
)

// Metadata keys carried on processor subscriptions
const (
	MetaUserID      = "user_id"
	MetaListingID   = "listing_id"
	MetaServiceType = "service_type"
	MetaTier        = "tier"
	MetaCadence     = "cadence"
)

// CreateParams describes a new processor subscription
type CreateParams struct {
	CustomerRef      string
	PriceRef         string
	PaymentMethodRef string
	PromotionRef     string // processor promotion-code id, optional
	TrialDays        int    // 0 means no trial
	Metadata         map[string]string
	IdempotencyKey   string
}

// Validate checks the fields every processor call needs
func (p CreateParams) Validate() error {
	switch {
	case p.CustomerRef == "":
		return errors.New("customer reference is required")
	case p.PriceRef == "":
		return errors.New("price reference is required")
	case p.PaymentMethodRef == "":
		return errors.New("payment method reference is required")
	case p.IdempotencyKey == "":
		return errors.New("idempotency key is required")
	case p.TrialDays < 0:
		return errors.New("trial days must not be negative")
	}
	return nil
}

// UpdateParams changes cancellation settings. Updates keep the billing cycle
// anchor unchanged and never prorate.
type UpdateParams struct {
	ClearCancelAt     bool
	CancelAtPeriodEnd *bool
}

// ExternalSubscription is the processor's view of a subscription
type ExternalSubscription struct {
	ID                 string
	CustomerRef        string
	Status             string
	CancelAt           *time.Time
	CancelAtPeriodEnd  bool
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CurrentPeriodEnd   *time.Time
	BillingCycleAnchor time.Time
	LatestInvoiceID    string
	Metadata           map[string]string
}

// Invoice is the subset of a processor invoice used for rollback
type Invoice struct {
	ID              string
	Status          string
	PaymentIntentID string
	AmountPaid      int64
}

// Paid reports whether the invoice was charged
func (i *Invoice) Paid() bool {
	return i != nil && i.Status == InvoiceStatusPaid
}

// Refund is a processor refund
type Refund struct {
	ID              string
	PaymentIntentID string
	Amount          int64
	Status          string
}

// PromotionCode is a processor promotion code with its discount
type PromotionCode struct {
	ID         string
	Code       string
	Active     bool
	PercentOff float64
	AmountOff  int64
	Metadata   map[string]string // discount metadata, carries trial flags
}

// PaymentError is returned for every processor-side failure
type PaymentError struct {
	Op        string
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *PaymentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("billing: %s failed (%s): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("billing: %s failed: %s", e.Op, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a PaymentError the processor flagged as retryable
func IsRetryable(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe) && pe.Retryable
}
