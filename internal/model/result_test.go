package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordKey(t *testing.T) {
	r := PrescriberRecord{NPI: "1234567890", Year: 2019, Address: "1 Main St, Town, CT 06320"}
	assert.Equal(t, "1234567890|2019|1 Main St, Town, CT 06320", r.Key())
}

func TestComposeAddress(t *testing.T) {
	assert.Equal(t, "365 Montauk Ave, New London, CT 06320",
		ComposeAddress(" 365 Montauk Ave", "New London ", "CT", "06320"))
}

func TestTierRank(t *testing.T) {
	assert.Less(t, TierManual.Rank(), TierGazetteer.Rank())
	assert.Less(t, TierGazetteer.Rank(), TierZipCentroid.Rank())
	assert.Less(t, TierZipCentroid.Rank(), TierExternalGeocode.Rank())
	assert.Less(t, TierExternalGeocode.Rank(), TierUnresolved.Rank())
	assert.False(t, Tier("BOGUS").Valid())
	for _, tier := range Tiers {
		assert.True(t, tier.Valid())
	}
}

func TestResultTerminal(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   bool
	}{
		{"resolved", Result{FIPS: "09011", Tier: TierGazetteer}, true},
		{"unresolved exhausted", Result{Tier: TierUnresolved, Exhausted: true}, true},
		{"unresolved pending", Result{Tier: TierUnresolved}, false},
		{"unresolved tier with stale fips", Result{FIPS: "09011", Tier: TierUnresolved}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Terminal())
		})
	}
}
