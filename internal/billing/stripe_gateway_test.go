package billing

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method         string
	path           string
	idempotencyKey string
	form           url.Values
}

// fakeStripe serves canned responses keyed by "METHOD /path"
type fakeStripe struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]fakeResponse
}

type fakeResponse struct {
	status int
	body   string
}

func newStripeTestGateway(t *testing.T, responses map[string]fakeResponse) (*StripeGateway, *fakeStripe) {
	t.Helper()
	fake := &fakeStripe{responses: responses}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		fake.mu.Lock()
		fake.requests = append(fake.requests, recordedRequest{
			method:         r.Method,
			path:           r.URL.Path,
			idempotencyKey: r.Header.Get("Idempotency-Key"),
			form:           form,
		})
		fake.mu.Unlock()

		resp, ok := responses[r.Method+" "+r.URL.Path]
		if !ok {
			resp = fakeResponse{status: http.StatusNotFound, body: `{"error": {"type": "invalid_request_error", "code": "resource_missing", "message": "No such object"}}`}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_, _ = io.WriteString(w, resp.body)
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	api := &client.API{}
	api.Init("sk_test_gateway", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return NewStripeGatewayWithClient(api), fake
}

const stripeSubscriptionJSON = `{
	"id": "sub_123",
	"object": "subscription",
	"status": "active",
	"customer": "cus_1",
	"billing_cycle_anchor": 1790000000,
	"cancel_at_period_end": false,
	"latest_invoice": "in_1",
	"metadata": {"user_id": "u1", "listing_id": "listing_42"},
	"items": {"object": "list", "data": [
		{"id": "si_1", "object": "subscription_item", "current_period_end": 1792592000}
	]}
}`

func TestStripeGateway_CreateSubscription(t *testing.T) {
	gw, fake := newStripeTestGateway(t, map[string]fakeResponse{
		"POST /v1/subscriptions": {status: http.StatusOK, body: stripeSubscriptionJSON},
	})

	params := createParams("k1")
	params.TrialDays = 90
	params.PromotionRef = "promo_1"
	sub, err := gw.CreateSubscription(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, "sub_123", sub.ID)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, "cus_1", sub.CustomerRef)
	assert.Equal(t, "in_1", sub.LatestInvoiceID)
	assert.Equal(t, int64(1790000000), sub.BillingCycleAnchor.Unix())
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1792592000), sub.CurrentPeriodEnd.Unix())

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "k1", req.idempotencyKey)
	assert.Equal(t, "cus_1", req.form.Get("customer"))
	assert.Equal(t, "price_venue_premium_monthly", req.form.Get("items[0][price]"))
	assert.Equal(t, "pm_1", req.form.Get("default_payment_method"))
	assert.Equal(t, paymentBehaviorErrorIfIncomplete, req.form.Get("payment_behavior"))
	assert.Equal(t, "90", req.form.Get("trial_period_days"))
	assert.Equal(t, "promo_1", req.form.Get("discounts[0][promotion_code]"))
	assert.Equal(t, "listing_42", req.form.Get("metadata[listing_id]"))
}

func TestStripeGateway_CreateSubscriptionErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
	}{
		{
			name:   "card declined",
			status: http.StatusPaymentRequired,
			body:   `{"error": {"type": "card_error", "code": "card_declined", "message": "Your card was declined."}}`,
			code:   "card_declined",
		},
		{
			name:      "processor outage",
			status:    http.StatusInternalServerError,
			body:      `{"error": {"type": "api_error", "message": "Something went wrong"}}`,
			retryable: true,
		},
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      `{"error": {"type": "invalid_request_error", "code": "rate_limit", "message": "Too many requests"}}`,
			code:      "rate_limit",
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, _ := newStripeTestGateway(t, map[string]fakeResponse{
				"POST /v1/subscriptions": {status: tt.status, body: tt.body},
			})

			_, err := gw.CreateSubscription(context.Background(), createParams("k1"))
			require.Error(t, err)
			var pe *PaymentError
			require.ErrorAs(t, err, &pe)
			if tt.code != "" {
				assert.Equal(t, tt.code, pe.Code)
			}
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestStripeGateway_RejectsMissingKeyWithoutCalling(t *testing.T) {
	gw, fake := newStripeTestGateway(t, nil)

	_, err := gw.CreateSubscription(context.Background(), createParams(""))
	require.Error(t, err)
	assert.Empty(t, fake.requests)
}

func TestStripeGateway_UpdateSubscriptionClearsCancelAt(t *testing.T) {
	gw, fake := newStripeTestGateway(t, map[string]fakeResponse{
		"POST /v1/subscriptions/sub_123": {status: http.StatusOK, body: stripeSubscriptionJSON},
	})

	_, err := gw.UpdateSubscription(context.Background(), "sub_123", UpdateParams{ClearCancelAt: true})
	require.NoError(t, err)

	form := fake.requests[0].form
	_, present := form["cancel_at"]
	assert.True(t, present)
	assert.Equal(t, "", form.Get("cancel_at"))
	assert.Equal(t, "none", form.Get("proration_behavior"))
	assert.Equal(t, "unchanged", form.Get("billing_cycle_anchor"))
	_, present = form["cancel_at_period_end"]
	assert.False(t, present)
}

func TestStripeGateway_RollbackCalls(t *testing.T) {
	gw, fake := newStripeTestGateway(t, map[string]fakeResponse{
		"GET /v1/invoices/in_1": {status: http.StatusOK, body: `{
			"id": "in_1", "object": "invoice", "status": "paid", "amount_paid": 1000,
			"payments": {"object": "list", "data": [
				{"id": "inpay_1", "object": "invoice_payment", "payment": {"type": "payment_intent", "payment_intent": "pi_1"}}
			]}
		}`},
		"POST /v1/refunds":                 {status: http.StatusOK, body: `{"id": "re_1", "object": "refund", "amount": 1000, "status": "succeeded"}`},
		"DELETE /v1/subscriptions/sub_123": {status: http.StatusOK, body: `{"id": "sub_123", "object": "subscription", "status": "canceled"}`},
	})
	ctx := context.Background()

	inv, err := gw.RetrieveInvoice(ctx, "in_1")
	require.NoError(t, err)
	assert.True(t, inv.Paid())
	assert.Equal(t, "pi_1", inv.PaymentIntentID)

	refund, err := gw.Refund(ctx, inv.PaymentIntentID, RefundRequestedByCustomer)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), refund.Amount)

	require.NoError(t, gw.CancelSubscription(ctx, "sub_123"))

	require.Len(t, fake.requests, 3)
	assert.Equal(t, "pi_1", fake.requests[1].form.Get("payment_intent"))
	assert.Equal(t, "requested_by_customer", fake.requests[1].form.Get("reason"))
}

func TestStripeGateway_ListPromotionCodes(t *testing.T) {
	gw, fake := newStripeTestGateway(t, map[string]fakeResponse{
		"GET /v1/promotion_codes": {status: http.StatusOK, body: `{
			"object": "list", "url": "/v1/promotion_codes", "has_more": false,
			"data": [{
				"id": "promo_1", "object": "promotion_code", "code": "TRIAL3", "active": true,
				"metadata": {"trial_months": "3"},
				"coupon": {"id": "co_1", "object": "coupon", "percent_off": 100, "metadata": {"trial": "true", "trial_months": "1"}}
			}]
		}`},
	})

	codes, err := gw.ListPromotionCodes(context.Background(), "TRIAL3")
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, 100.0, codes[0].PercentOff)
	assert.Equal(t, "true", codes[0].Metadata["trial"])
	assert.Equal(t, "3", codes[0].Metadata["trial_months"], "promotion code metadata overrides the coupon")

	require.Len(t, fake.requests, 1)
}
