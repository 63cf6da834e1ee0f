package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"subscription-api/internal/billing"
	"subscription-api/internal/config"
	"subscription-api/internal/database"
	"subscription-api/internal/models"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testCatalog = `
prices:
  venue:
    premium:
      monthly: price_venue_premium_m
      annual: price_venue_premium_y
  dj:
    basic:
      monthly: price_dj_basic_m
`

type fixture struct {
	db       *gorm.DB
	store    *database.SubscriptionStore
	profiles *database.BillingProfileStore
	listings *database.ListingStore
	gateway  *billing.MemoryGateway
	metrics  *Metrics
	prices   *config.PriceCatalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	prices, err := config.ParsePriceCatalog(strings.NewReader(testCatalog))
	require.NoError(t, err)

	return &fixture{
		db:       db,
		store:    database.NewSubscriptionStore(db),
		profiles: database.NewBillingProfileStore(db),
		listings: database.NewListingStore(db),
		gateway:  billing.NewMemoryGateway(),
		metrics:  NewMetrics(),
		prices:   prices,
	}
}

// withProfile saves a billing profile with a payment method for userID
func (f *fixture) withProfile(t *testing.T, userID string) {
	t.Helper()
	pm := "pm_" + userID
	require.NoError(t, f.profiles.Save(context.Background(), &models.BillingProfile{
		UserID:           userID,
		Email:            userID + "@vendors.test",
		CustomerRef:      "cus_" + userID,
		PaymentMethodRef: &pm,
	}))
}

// withVenueDraft creates an unpublished venue listing
func (f *fixture) withVenueDraft(t *testing.T, userID, listingID string) {
	t.Helper()
	require.NoError(t, f.db.Create(&models.VenueListing{Listing: models.Listing{
		ListingID: listingID, UserID: userID, Title: "Lakeside Barn", IsDraft: true,
	}}).Error)
}

func (f *fixture) service(store SubscriptionStore, cache *IdempotencyCache) *SubscriptionService {
	if store == nil {
		store = f.store
	}
	return NewSubscriptionService(SubscriptionServiceOptions{
		Store:               store,
		Profiles:            f.profiles,
		Gateway:             f.gateway,
		Notifier:            NewListingNotifier(f.listings, f.profiles, nil),
		Prices:              f.prices,
		Cache:               cache,
		Metrics:             f.metrics,
		OperationTimeout:    5 * time.Second,
		MaxRetries:          2,
		RetryBase:           time.Millisecond,
		DashboardPathPrefix: "/dashboard/listings",
	})
}

func venueRequest(key string) CreateRequest {
	return CreateRequest{
		PriceRef:       "price_venue_premium_m",
		UserID:         "u1",
		ServiceType:    "venue",
		Tier:           "premium",
		IsAnnual:       false,
		ListingID:      "listing_42",
		IdempotencyKey: key,
	}
}

// faultyStore wraps a real store and injects failures
type faultyStore struct {
	SubscriptionStore

	mu           sync.Mutex
	insertErr    error
	updateErr    error
	skipPreCheck bool
	inserts      int
}

func (s *faultyStore) FindActive(ctx context.Context, userID, listingID string) (*models.Subscription, error) {
	if s.skipPreCheck {
		return nil, nil
	}
	return s.SubscriptionStore.FindActive(ctx, userID, listingID)
}

func (s *faultyStore) Insert(ctx context.Context, subscription *models.Subscription) error {
	s.mu.Lock()
	s.inserts++
	err := s.insertErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.SubscriptionStore.Insert(ctx, subscription)
}

func (s *faultyStore) UpdateStatusFields(ctx context.Context, id uint, fields models.StatusFields) error {
	s.mu.Lock()
	err := s.updateErr
	s.updateErr = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.SubscriptionStore.UpdateStatusFields(ctx, id, fields)
}

var errStoreDown = errors.New("connection refused")
