package models

import (
	"fmt"
	"time"
)

// ServiceType is the closed set of vendor categories a listing can belong to
type ServiceType string

const (
	ServiceVenue          ServiceType = "venue"
	ServiceDJ             ServiceType = "dj"
	ServiceWeddingPlanner ServiceType = "wedding-planner"
	ServicePhotoVideo     ServiceType = "photo-video"
	ServiceHairMakeup     ServiceType = "hair-makeup"
)

// ServiceTypes lists every supported service type
var ServiceTypes = []ServiceType{ServiceVenue, ServiceDJ, ServiceWeddingPlanner, ServicePhotoVideo, ServiceHairMakeup}

// ParseServiceType validates s against the closed set
func ParseServiceType(s string) (ServiceType, error) {
	for _, st := range ServiceTypes {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown service type %q", s)
}

// Tier is the listing plan level
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates s against the known tiers
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierBasic, TierPremium, TierEnterprise:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Cadence is the billing interval
type Cadence string

const (
	CadenceMonthly Cadence = "monthly"
	CadenceAnnual  Cadence = "annual"
)

// CadenceFromAnnual maps the is_annual request flag
func CadenceFromAnnual(annual bool) Cadence {
	if annual {
		return CadenceAnnual
	}
	return CadenceMonthly
}

// Status mirrors the processor's subscription status
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusActive     Status = "active"
	StatusTrialing   Status = "trialing"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
)

// IsLive reports whether the status counts toward the one-live-subscription-per-listing rule
func (s Status) IsLive() bool {
	return s == StatusActive || s == StatusTrialing
}

// LiveStatuses are the statuses covered by the partial unique index
var LiveStatuses = []Status{StatusActive, StatusTrialing}

// Subscription is one vendor's paid access to list one service listing.
// It is the system of record for which listing is paid for; the processor
// owns the ledger. Rows are retained after cancellation.
type Subscription struct {
	BaseModel

	// Ownership
	UserID      string      `json:"user_id" gorm:"not null;size:64;index"`
	ListingID   string      `json:"listing_id" gorm:"not null;size:64;index"`
	ServiceType ServiceType `json:"service_type" gorm:"not null;size:32"`

	// Plan
	Tier     Tier    `json:"tier" gorm:"not null;size:20"`
	Cadence  Cadence `json:"cadence" gorm:"not null;size:10"`
	PriceRef string  `json:"price_ref" gorm:"size:100"`

	// Processor references; ExternalID is nil until the processor confirmed creation
	ExternalID  *string `json:"external_id" gorm:"size:100;uniqueIndex"`
	CustomerRef string  `json:"customer_ref" gorm:"size:100"`

	// Lifecycle
	Status            Status     `json:"status" gorm:"not null;size:20;index"`
	TrialStart        *time.Time `json:"trial_start,omitempty"`
	TrialEnd          *time.Time `json:"trial_end,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end" gorm:"not null;default:false"`
	PromotionCode     *string    `json:"promotion_code,omitempty" gorm:"size:100"`
}

// ExternalRef returns the processor subscription id or ""
func (s *Subscription) ExternalRef() string {
	if s.ExternalID == nil {
		return ""
	}
	return *s.ExternalID
}

// StatusFields is a partial update of the lifecycle columns. Nil fields are left untouched.
type StatusFields struct {
	Status            *Status
	ExternalID        *string
	TrialStart        *time.Time
	TrialEnd          *time.Time
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd *bool
}

// Columns converts the set fields into a gorm update map
func (f StatusFields) Columns() map[string]interface{} {
	updates := make(map[string]interface{})
	if f.Status != nil {
		updates["status"] = *f.Status
	}
	if f.ExternalID != nil {
		updates["external_id"] = *f.ExternalID
	}
	if f.TrialStart != nil {
		updates["trial_start"] = *f.TrialStart
	}
	if f.TrialEnd != nil {
		updates["trial_end"] = *f.TrialEnd
	}
	if f.CurrentPeriodEnd != nil {
		updates["current_period_end"] = *f.CurrentPeriodEnd
	}
	if f.CancelAtPeriodEnd != nil {
		updates["cancel_at_period_end"] = *f.CancelAtPeriodEnd
	}
	return updates
}
