package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel provides common fields for all database models
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// BillingProfile links a marketplace user to their processor customer and
// the default payment method saved during onboarding
type BillingProfile struct {
	BaseModel
	UserID           string  `json:"user_id" gorm:"not null;size:64;uniqueIndex"`
	Email            string  `json:"email" gorm:"size:255"`
	CustomerRef      string  `json:"customer_ref" gorm:"not null;size:100"`
	PaymentMethodRef *string `json:"payment_method_ref" gorm:"size:100"`
}

// ProcessedEvent records processor webhook events that were already applied
type ProcessedEvent struct {
	EventID     string    `json:"event_id" gorm:"primaryKey;size:100"`
	Type        string    `json:"type" gorm:"size:100"`
	ProcessedAt time.Time `json:"processed_at" gorm:"autoCreateTime"`
}
