package models

// DiscountType is how a promotion reduces the price
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// DaysPerTrialMonth is the business rule for converting trial months to days.
// It is a fixed approximation, not a calendar computation, and changing it
// changes what vendors are billed.
const DaysPerTrialMonth = 30

// PromotionCode is a resolved discount/trial grant. It is resolved per request
// and never cached.
type PromotionCode struct {
	Code           string       `json:"code"`
	ExternalID     string       `json:"external_id"`
	Active         bool         `json:"active"`
	DiscountType   DiscountType `json:"discount_type"`
	DiscountAmount float64      `json:"discount_amount"` // percent for percentage, minor units for fixed
	Trial          bool         `json:"trial"`
	TrialMonths    *int         `json:"trial_months,omitempty"`
}

// TrialDays returns the trial length granted by the code, 0 when none
func (p *PromotionCode) TrialDays() int {
	if p == nil || !p.Trial || p.TrialMonths == nil || *p.TrialMonths <= 0 {
		return 0
	}
	return *p.TrialMonths * DaysPerTrialMonth
}
