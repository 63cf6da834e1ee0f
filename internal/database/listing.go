package database

import (
	"context"
	"fmt"
	"subscription-api/internal/models"

	"gorm.io/gorm"
)

// ListingStore flips the publish flag on the per-service listing tables
type ListingStore struct {
	db *gorm.DB
}

// NewListingStore creates a listing store
func NewListingStore(db *gorm.DB) *ListingStore {
	return &ListingStore{db: db}
}

// MarkPublished clears the draft flag of a listing. The table is chosen from
// the closed ServiceType set, never from caller-provided text.
func (s *ListingStore) MarkPublished(ctx context.Context, serviceType models.ServiceType, listingID string) error {
	model := models.ListingModel(serviceType)
	if model == nil {
		return fmt.Errorf("no listing table for service type %q", serviceType)
	}

	result := s.db.WithContext(ctx).Model(model).
		Where("listing_id = ?", listingID).
		Update("is_draft", false)
	if result.Error != nil {
		return fmt.Errorf("failed to publish %s listing %s: %w", serviceType, listingID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads the shared columns of a listing
func (s *ListingStore) Get(ctx context.Context, serviceType models.ServiceType, listingID string) (*models.Listing, error) {
	model := models.ListingModel(serviceType)
	if model == nil {
		return nil, fmt.Errorf("no listing table for service type %q", serviceType)
	}

	err := s.db.WithContext(ctx).Where("listing_id = ?", listingID).First(model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return model.Base(), nil
}

// BillingProfileStore reads the processor customer and saved payment method of a user
type BillingProfileStore struct {
	db *gorm.DB
}

// NewBillingProfileStore creates a billing profile store
func NewBillingProfileStore(db *gorm.DB) *BillingProfileStore {
	return &BillingProfileStore{db: db}
}

// GetByUserID returns ErrNotFound when the user never saved billing details
func (s *BillingProfileStore) GetByUserID(ctx context.Context, userID string) (*models.BillingProfile, error) {
	var profile models.BillingProfile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &profile, nil
}

// Save creates or updates the profile of profile.UserID
func (s *BillingProfileStore) Save(ctx context.Context, profile *models.BillingProfile) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.BillingProfile
		err := tx.Where("user_id = ?", profile.UserID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			return tx.Create(profile).Error
		}
		if err != nil {
			return err
		}
		profile.ID = existing.ID
		profile.CreatedAt = existing.CreatedAt
		return tx.Save(profile).Error
	})
}
