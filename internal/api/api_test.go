package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"subscription-api/internal/billing"
	"subscription-api/internal/database"
	"subscription-api/internal/models"
	"subscription-api/internal/services"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_api_test"

type testServer struct {
	router  *gin.Engine
	store   *database.SubscriptionStore
	gateway *billing.MemoryGateway
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, exposeErrors bool) *testServer {
	t.Helper()
	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	pm := "pm_u1"
	profiles := database.NewBillingProfileStore(db)
	require.NoError(t, profiles.Save(context.Background(), &models.BillingProfile{
		UserID: "u1", Email: "u1@vendors.test", CustomerRef: "cus_u1", PaymentMethodRef: &pm,
	}))

	store := database.NewSubscriptionStore(db)
	gateway := billing.NewMemoryGateway()
	metrics := services.NewMetrics()
	replay := services.NewReplayProtection(time.Hour, time.Hour)
	t.Cleanup(replay.Stop)

	subscriptions := services.NewSubscriptionService(services.SubscriptionServiceOptions{
		Store:            store,
		Profiles:         profiles,
		Gateway:          gateway,
		Notifier:         services.NewListingNotifier(database.NewListingStore(db), profiles, nil),
		Metrics:          metrics,
		OperationTimeout: 5 * time.Second,
		MaxRetries:       1,
		RetryBase:        time.Millisecond,
	})

	h := NewHandler(HandlerOptions{
		Subscriptions: subscriptions,
		Events:        services.NewEventSyncService(store, gateway, database.NewEventLog(db), replay, metrics),
		Verifier:      billing.NewWebhookVerifier(testWebhookSecret),
		Replay:        replay,
		Metrics:       metrics,
		ExposeErrors:  exposeErrors,
	})
	r := gin.New()
	SetupRoutes(r, h)
	return &testServer{router: r, store: store, gateway: gateway}
}

func (s *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	ErrorKind string          `json:"error_kind"`
	Data      json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func createBody(key string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"price_ref":       "price_venue_premium_m",
		"user_id":         "u1",
		"service_type":    "venue",
		"tier":            "premium",
		"is_annual":       false,
		"listing_id":      "listing_42",
		"idempotency_key": key,
	})
	return body
}

func (s *testServer) create(t *testing.T) string {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/subscriptions", createBody("k1"), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result services.CreateResult
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &result))
	return result.SubscriptionExternalID
}

func TestCreateSubscription(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(http.MethodPost, "/api/subscriptions", createBody("k1"), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	env := decode(t, rec)
	assert.True(t, env.Success)
	var result services.CreateResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.NotEmpty(t, result.SubscriptionExternalID)
	assert.Equal(t, "/dashboard/listings/venue/listing_42?subscribed=1", result.RedirectPath)

	rec = s.do(http.MethodPost, "/api/subscriptions", createBody("k2"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	env = decode(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "conflict", env.ErrorKind)
}

func TestCreateSubscription_ErrorMapping(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(http.MethodPost, "/api/subscriptions", []byte(`{not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decode(t, rec).ErrorKind)

	body, _ := json.Marshal(map[string]interface{}{
		"price_ref": "price_x", "user_id": "u2", "service_type": "venue", "tier": "basic",
		"listing_id": "l1", "idempotency_key": "k1",
	})
	rec = s.do(http.MethodPost, "/api/subscriptions", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "payment_method_missing", decode(t, rec).ErrorKind)

	rec = s.do(http.MethodPost, "/api/subscriptions", createBody("k1"), map[string]string{"X-User-ID": "u9"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decode(t, rec).ErrorKind)
	assert.Zero(t, s.gateway.TotalCalls())
}

func TestCreateSubscription_CallerHeader(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(http.MethodPost, "/api/subscriptions", createBody("k1"), map[string]string{"X-User-ID": "u9"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/subscriptions", createBody("k1"), map[string]string{"X-User-ID": "u1"})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1, s.gateway.CreatedCount())
}

func TestCreateSubscription_HidesInternalErrorsInRelease(t *testing.T) {
	s := newTestServer(t, false)
	s.gateway.CreateErr = &billing.PaymentError{Op: "create subscription", Code: "card_declined", Message: "secret processor detail"}

	rec := s.do(http.MethodPost, "/api/subscriptions", createBody("k1"), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "payment_error", env.ErrorKind)
	assert.NotContains(t, env.Message, "secret processor detail")

	s = newTestServer(t, true)
	s.gateway.CreateErr = &billing.PaymentError{Op: "create subscription", Code: "card_declined", Message: "secret processor detail"}
	rec = s.do(http.MethodPost, "/api/subscriptions", createBody("k1"), nil)
	assert.Contains(t, decode(t, rec).Message, "secret processor detail")
}

func TestReactivateSubscription(t *testing.T) {
	s := newTestServer(t, false)
	extID := s.create(t)
	path := "/api/subscriptions/" + extID + "/reactivate"

	rec := s.do(http.MethodPost, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, path, nil, map[string]string{"X-User-ID": "u2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/subscriptions/sub_missing/reactivate", nil, map[string]string{"X-User-ID": "u1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, s.gateway.CancelSubscription(context.Background(), extID))
	rec = s.do(http.MethodPost, path, nil, map[string]string{"X-User-ID": "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result services.ReactivateResult
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &result))
	assert.Equal(t, services.ReactivationRecreated, result.Mode)
	assert.NotEqual(t, extID, result.SubscriptionExternalID)
}

func TestListSubscriptions(t *testing.T) {
	s := newTestServer(t, false)
	extID := s.create(t)

	rec := s.do(http.MethodGet, "/api/subscriptions", nil, map[string]string{"X-User-ID": "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var subs []models.Subscription
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, extID, subs[0].ExternalRef())

	rec = s.do(http.MethodGet, "/api/subscriptions", nil, map[string]string{"X-User-ID": "u2"})
	require.Equal(t, http.StatusOK, rec.Code)
	subs = nil
	if raw := decode(t, rec).Data; len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &subs))
	}
	assert.Empty(t, subs)
}

func signedEvent(t *testing.T, payload string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header, signed.Payload
}

func TestStripeWebhook(t *testing.T) {
	s := newTestServer(t, false)
	extID := s.create(t)
	ext, ok := s.gateway.Subscription(extID)
	require.True(t, ok)
	ext.Status = billing.StatusPastDue
	ext.CancelAtPeriodEnd = true
	s.gateway.PutSubscription(*ext)

	header, payload := signedEvent(t, fmt.Sprintf(`{
		"id": "evt_api_1",
		"object": "event",
		"type": "customer.subscription.updated",
		"data": {"object": {
			"id": %q,
			"object": "subscription",
			"status": "past_due",
			"cancel_at_period_end": true
		}}
	}`, extID))

	rec := s.do(http.MethodPost, "/api/stripe/webhook", payload, map[string]string{"Stripe-Signature": header})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	record, err := s.store.FindByExternalID(context.Background(), extID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPastDue, record.Status)
	assert.True(t, record.CancelAtPeriodEnd)

	// Redelivery is acknowledged
	rec = s.do(http.MethodPost, "/api/stripe/webhook", payload, map[string]string{"Stripe-Signature": header})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStripeWebhook_RejectsBadSignature(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(http.MethodPost, "/api/stripe/webhook", []byte(`{"id":"evt_1","type":"invoice.paid"}`),
		map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", decode(t, rec).ErrorKind)

	rec = s.do(http.MethodPost, "/api/stripe/webhook", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	s.create(t)
	rec = s.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `subscription_operations_total{operation="create",outcome="activated"} 1`)
}
