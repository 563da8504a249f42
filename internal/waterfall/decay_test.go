package waterfall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveConfidence_NoDecayForCurrentData(t *testing.T) {
	now := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	decay := DecayConfig{HalfLifeDays: 365, Floor: 10}

	assert.Equal(t, 80.0, EffectiveConfidence(80, now, now, decay))
	// Future timestamps do not inflate confidence.
	assert.Equal(t, 80.0, EffectiveConfidence(80, now.Add(24*time.Hour), now, decay))
}

func TestEffectiveConfidence_HalfLife(t *testing.T) {
	now := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	asOf := now.AddDate(0, 0, -365)
	decay := DecayConfig{HalfLifeDays: 365, Floor: 10}

	assert.InDelta(t, 40.0, EffectiveConfidence(80, asOf, now, decay), 0.1)
}

func TestEffectiveConfidence_Floor(t *testing.T) {
	now := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	asOf := now.AddDate(-20, 0, 0)
	decay := DecayConfig{HalfLifeDays: 365, Floor: 10}

	assert.Equal(t, 10.0, EffectiveConfidence(80, asOf, now, decay))
}

func TestEffectiveConfidence_ZeroTimestampAssumedCurrent(t *testing.T) {
	now := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	decay := DecayConfig{HalfLifeDays: 365, Floor: 10}

	assert.Equal(t, 65.0, EffectiveConfidence(65, time.Time{}, now, decay))
}
