package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServiceType(t *testing.T) {
	for _, st := range ServiceTypes {
		got, err := ParseServiceType(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
		assert.NotNil(t, ListingModel(st), "every service type needs a listing table")
	}

	_, err := ParseServiceType("venue; DROP TABLE venue_listing")
	assert.Error(t, err)
	assert.Nil(t, ListingModel("florist"))
}

func TestParseTierAndCadence(t *testing.T) {
	tier, err := ParseTier("premium")
	require.NoError(t, err)
	assert.Equal(t, TierPremium, tier)

	_, err = ParseTier("gold")
	assert.Error(t, err)

	assert.Equal(t, CadenceAnnual, CadenceFromAnnual(true))
	assert.Equal(t, CadenceMonthly, CadenceFromAnnual(false))
}

func TestTrialDays(t *testing.T) {
	three := 3
	zero := 0

	tests := []struct {
		name string
		code *PromotionCode
		want int
	}{
		{"nil code", nil, 0},
		{"no trial flag", &PromotionCode{TrialMonths: &three}, 0},
		{"trial without months", &PromotionCode{Trial: true}, 0},
		{"zero months", &PromotionCode{Trial: true, TrialMonths: &zero}, 0},
		{"three months is ninety days", &PromotionCode{Trial: true, TrialMonths: &three}, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.TrialDays())
		})
	}
}

func TestStatusFieldsColumns(t *testing.T) {
	status := StatusCanceled
	flag := false
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

	cols := StatusFields{Status: &status, CancelAtPeriodEnd: &flag, CurrentPeriodEnd: &end}.Columns()
	assert.Equal(t, map[string]interface{}{
		"status":               StatusCanceled,
		"cancel_at_period_end": false,
		"current_period_end":   end,
	}, cols)

	assert.Empty(t, StatusFields{}.Columns())
}

func TestStatusIsLive(t *testing.T) {
	assert.True(t, StatusActive.IsLive())
	assert.True(t, StatusTrialing.IsLive())
	assert.False(t, StatusPastDue.IsLive())
	assert.False(t, StatusCanceled.IsLive())
	assert.False(t, StatusIncomplete.IsLive())
}
