package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"subscription-api/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no row matches
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert or update violates a unique constraint
	ErrDuplicate = errors.New("duplicate record")
)

// SubscriptionStore is the system of record for vendor subscriptions
type SubscriptionStore struct {
	db *gorm.DB
}

// NewSubscriptionStore creates a store on top of db
func NewSubscriptionStore(db *gorm.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// FindActive returns the active or trialing subscription for (user, listing),
// or nil when there is none
func (s *SubscriptionStore) FindActive(ctx context.Context, userID, listingID string) (*models.Subscription, error) {
	var subscription models.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND listing_id = ? AND status IN ?", userID, listingID, models.LiveStatuses).
		First(&subscription).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

// Insert persists a new subscription. A second live subscription for the same
// (user, listing) is rejected by the partial unique index and surfaces as ErrDuplicate.
func (s *SubscriptionStore) Insert(ctx context.Context, subscription *models.Subscription) error {
	if subscription.ID != 0 {
		return fmt.Errorf("subscription already has id %d", subscription.ID)
	}
	if subscription.Status.IsLive() && subscription.ExternalRef() == "" {
		return fmt.Errorf("refusing to persist %s subscription without external id", subscription.Status)
	}

	if err := s.db.WithContext(ctx).Create(subscription).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return err
	}
	return nil
}

// UpdateStatusFields applies a partial update to the lifecycle columns
func (s *SubscriptionStore) UpdateStatusFields(ctx context.Context, id uint, fields models.StatusFields) error {
	updates := fields.Columns()
	if len(updates) == 0 {
		_, err := s.FindByID(ctx, id)
		return err
	}

	result := s.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return fmt.Errorf("%w: %v", ErrDuplicate, result.Error)
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByID gets a subscription by internal id
func (s *SubscriptionStore) FindByID(ctx context.Context, id uint) (*models.Subscription, error) {
	var subscription models.Subscription
	err := s.db.WithContext(ctx).First(&subscription, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &subscription, nil
}

// FindByExternalID gets a subscription by processor subscription id
func (s *SubscriptionStore) FindByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	var subscription models.Subscription
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&subscription).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &subscription, nil
}

// ListByUser returns every subscription of a user, newest first
func (s *SubscriptionStore) ListByUser(ctx context.Context, userID string) ([]models.Subscription, error) {
	var subscriptions []models.Subscription
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&subscriptions).Error
	return subscriptions, err
}

// isUniqueViolation recognises unique constraint errors from gorm's
// translator, Postgres and SQLite
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
