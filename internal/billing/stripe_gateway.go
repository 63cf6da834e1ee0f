package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// payment_behavior used for every create: Stripe fails the call instead of
// leaving an incomplete subscription behind when the first payment fails.
const paymentBehaviorErrorIfIncomplete = "error_if_incomplete"

// StripeGateway implements Gateway on top of the Stripe API
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a Stripe-backed gateway. The SDK's own network
// retries are disabled; callers decide when to retry.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
	}))
	return &StripeGateway{api: api}
}

// NewStripeGatewayWithClient wraps an already initialised client
func NewStripeGatewayWithClient(api *client.API) *StripeGateway {
	return &StripeGateway{api: api}
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, params CreateParams) (*ExternalSubscription, error) {
	if err := params.Validate(); err != nil {
		return nil, &PaymentError{Op: "create subscription", Code: "parameter_missing", Message: err.Error()}
	}

	sp := &stripe.SubscriptionParams{
		Customer: stripe.String(params.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceRef)},
		},
		DefaultPaymentMethod: stripe.String(params.PaymentMethodRef),
		PaymentBehavior:      stripe.String(paymentBehaviorErrorIfIncomplete),
		Metadata:             params.Metadata,
	}
	if params.TrialDays > 0 {
		sp.TrialPeriodDays = stripe.Int64(int64(params.TrialDays))
	}
	if params.PromotionRef != "" {
		sp.Discounts = []*stripe.SubscriptionDiscountParams{
			{PromotionCode: stripe.String(params.PromotionRef)},
		}
	}
	sp.Context = ctx
	sp.SetIdempotencyKey(params.IdempotencyKey)

	sub, err := g.api.Subscriptions.New(sp)
	if err != nil {
		return nil, classifyError("create subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func (g *StripeGateway) RetrieveSubscription(ctx context.Context, externalID string) (*ExternalSubscription, error) {
	sp := &stripe.SubscriptionParams{}
	sp.Context = ctx

	sub, err := g.api.Subscriptions.Get(externalID, sp)
	if err != nil {
		return nil, classifyError("retrieve subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func (g *StripeGateway) UpdateSubscription(ctx context.Context, externalID string, params UpdateParams) (*ExternalSubscription, error) {
	sp := &stripe.SubscriptionParams{
		BillingCycleAnchorUnchanged: stripe.Bool(true),
		ProrationBehavior:           stripe.String("none"),
	}
	if params.ClearCancelAt {
		// An empty value unsets cancel_at on the Stripe side.
		sp.AddExtra("cancel_at", "")
	}
	if params.CancelAtPeriodEnd != nil {
		sp.CancelAtPeriodEnd = stripe.Bool(*params.CancelAtPeriodEnd)
	}
	sp.Context = ctx

	sub, err := g.api.Subscriptions.Update(externalID, sp)
	if err != nil {
		return nil, classifyError("update subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, externalID string) error {
	cp := &stripe.SubscriptionCancelParams{}
	cp.Context = ctx

	if _, err := g.api.Subscriptions.Cancel(externalID, cp); err != nil {
		return classifyError("cancel subscription", err)
	}
	return nil
}

func (g *StripeGateway) RetrieveInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	ip := &stripe.InvoiceParams{}
	ip.AddExpand("payments")
	ip.Context = ctx

	inv, err := g.api.Invoices.Get(invoiceID, ip)
	if err != nil {
		return nil, classifyError("retrieve invoice", err)
	}

	out := &Invoice{
		ID:         inv.ID,
		Status:     string(inv.Status),
		AmountPaid: inv.AmountPaid,
	}
	if inv.Payments != nil {
		for _, p := range inv.Payments.Data {
			if p != nil && p.Payment != nil && p.Payment.PaymentIntent != nil {
				out.PaymentIntentID = p.Payment.PaymentIntent.ID
				break
			}
		}
	}
	return out, nil
}

func (g *StripeGateway) Refund(ctx context.Context, paymentIntentID string, reason RefundReason) (*Refund, error) {
	rp := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Reason:        stripe.String(string(reason)),
	}
	rp.Context = ctx

	r, err := g.api.Refunds.New(rp)
	if err != nil {
		return nil, classifyError("refund", err)
	}
	return &Refund{
		ID:              r.ID,
		PaymentIntentID: paymentIntentID,
		Amount:          r.Amount,
		Status:          string(r.Status),
	}, nil
}

func (g *StripeGateway) ListPromotionCodes(ctx context.Context, code string) ([]PromotionCode, error) {
	lp := &stripe.PromotionCodeListParams{
		Code:   stripe.String(code),
		Active: stripe.Bool(true),
	}
	lp.Context = ctx

	var out []PromotionCode
	iter := g.api.PromotionCodes.List(lp)
	for iter.Next() {
		pc := iter.PromotionCode()
		item := PromotionCode{
			ID:       pc.ID,
			Code:     pc.Code,
			Active:   pc.Active,
			Metadata: make(map[string]string),
		}
		if pc.Coupon != nil {
			item.PercentOff = pc.Coupon.PercentOff
			item.AmountOff = pc.Coupon.AmountOff
			for k, v := range pc.Coupon.Metadata {
				item.Metadata[k] = v
			}
		}
		// Metadata set on the promotion code wins over the coupon's
		for k, v := range pc.Metadata {
			item.Metadata[k] = v
		}
		out = append(out, item)
	}
	if err := iter.Err(); err != nil {
		return nil, classifyError("list promotion codes", err)
	}
	return out, nil
}

func fromStripeSubscription(s *stripe.Subscription) *ExternalSubscription {
	out := &ExternalSubscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		TrialStart:        unixPtr(s.TrialStart),
		TrialEnd:          unixPtr(s.TrialEnd),
		CancelAt:          unixPtr(s.CancelAt),
		Metadata:          s.Metadata,
	}
	if s.BillingCycleAnchor > 0 {
		out.BillingCycleAnchor = time.Unix(s.BillingCycleAnchor, 0).UTC()
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	if s.LatestInvoice != nil {
		out.LatestInvoiceID = s.LatestInvoice.ID
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item != nil && item.CurrentPeriodEnd > 0 {
				out.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
				break
			}
		}
	}
	return out
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// classifyError turns an SDK error into a PaymentError. Server-side failures,
// rate limiting and transport errors are retryable; card and request errors
// are not.
func classifyError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &PaymentError{Op: op, Code: "timeout", Message: err.Error(), Err: err}
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		return &PaymentError{Op: op, Code: "network_error", Message: err.Error(), Retryable: true, Err: err}
	}

	code := string(se.Code)
	if code == "" {
		code = string(se.Type)
	}
	retryable := se.HTTPStatusCode >= http.StatusInternalServerError ||
		se.HTTPStatusCode == http.StatusTooManyRequests ||
		se.Type == stripe.ErrorTypeAPI ||
		code == "lock_timeout"
	return &PaymentError{
		Op:        op,
		Code:      code,
		Message:   se.Msg,
		Retryable: retryable,
		Err:       fmt.Errorf("stripe: %w", err),
	}
}
