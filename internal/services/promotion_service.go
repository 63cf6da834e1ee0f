package services

import (
	"context"
	"strconv"
	"strings"
	"subscription-api/internal/billing"
	"subscription-api/internal/models"
	"subscription-api/pkg/logging"
)

// Discount metadata keys that grant a trial
const (
	promoMetaTrial       = "trial"
	promoMetaTrialMonths = "trial_months"
)

// PromotionService resolves promotion codes against the billing processor.
// Results are never cached; promotional state can change between requests.
type PromotionService struct {
	gateway billing.Gateway
}

// NewPromotionService creates a new promotion resolver
func NewPromotionService(gateway billing.Gateway) *PromotionService {
	return &PromotionService{gateway: gateway}
}

// Resolve looks up an active code. Zero matches is InvalidPromotion; when
// several codes match, the first one returned by the processor wins.
func (s *PromotionService) Resolve(ctx context.Context, code string) (*models.PromotionCode, error) {
	if code == "" {
		return nil, newError(KindValidationFailed, "promotion code is empty", nil)
	}

	matches, err := s.gateway.ListPromotionCodes(ctx, code)
	if err != nil {
		return nil, newError(KindPaymentError, "failed to look up promotion code", err)
	}

	var active []billing.PromotionCode
	for _, m := range matches {
		if m.Active && m.Code == code {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return nil, newError(KindInvalidPromotion, "promotion code is not valid: "+code, nil)
	}
	if len(active) > 1 {
		logging.Warnf("Multiple active promotion codes match - code: %s, count: %d, using: %s", code, len(active), active[0].ID)
	}

	return toPromotionCode(active[0]), nil
}

func toPromotionCode(pc billing.PromotionCode) *models.PromotionCode {
	out := &models.PromotionCode{
		Code:       pc.Code,
		ExternalID: pc.ID,
		Active:     pc.Active,
	}
	if pc.PercentOff > 0 {
		out.DiscountType = models.DiscountPercentage
		out.DiscountAmount = pc.PercentOff
	} else {
		out.DiscountType = models.DiscountFixed
		out.DiscountAmount = float64(pc.AmountOff)
	}

	if trial, err := strconv.ParseBool(strings.TrimSpace(pc.Metadata[promoMetaTrial])); err == nil && trial {
		out.Trial = true
		if months, err := strconv.Atoi(strings.TrimSpace(pc.Metadata[promoMetaTrialMonths])); err == nil && months > 0 {
			out.TrialMonths = &months
		} else {
			logging.Warnf("Trial promotion without valid trial_months - code: %s, promotion_id: %s", pc.Code, pc.ID)
		}
	}
	return out
}
