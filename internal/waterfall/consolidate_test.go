package waterfall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
)

func testConsolidation() ConsolidationConfig {
	return ConsolidationConfig{
		AgreementBoost:            15,
		DisagreementPenalty:       5,
		DefaultProviderConfidence: 50,
	}
}

func TestConsolidate_AgreementBoost(t *testing.T) {
	// Two providers agree on the same email at confidence 60; the composite
	// must clear 90 and attribute both sources.
	c := NewConsolidator(testConsolidation(), nil)
	c.Observe(model.FieldEmail, "hunter-gw", "a@x.com", 60)
	c.Observe(model.FieldEmail, "prospeo-gw", "A@X.com", 60)

	out := c.Finalize(model.FieldEmail)
	assert.GreaterOrEqual(t, out.Confidence, 90.0)
	assert.Equal(t, 2, out.AgreementCount)
	assert.ElementsMatch(t, []string{"hunter-gw", "prospeo-gw"}, out.Sources)
	assert.Empty(t, out.Alternatives)
}

func TestConsolidate_DisagreementPicksHigherWithAlternative(t *testing.T) {
	c := NewConsolidator(testConsolidation(), nil)
	c.Observe(model.FieldEmail, "hunter-gw", "a@x.com", 70)
	c.Observe(model.FieldEmail, "prospeo-gw", "b@x.com", 75)

	out := c.Finalize(model.FieldEmail)
	assert.Equal(t, "b@x.com", out.Value)
	assert.Less(t, out.Confidence, 75.0, "a disagreeing source reduces the winner")

	require.Len(t, out.Alternatives, 1)
	alt := out.Alternatives[0]
	assert.Equal(t, "a@x.com", alt.Value)
	assert.Less(t, alt.Confidence, 70.0)
	assert.Equal(t, []string{"hunter-gw"}, alt.Sources)
}

func TestConsolidate_OrderIndependence(t *testing.T) {
	obs := []struct {
		provider string
		value    string
		conf     float64
	}{
		{"hunter-gw", "a@x.com", 60},
		{"prospeo-gw", "b@x.com", 75},
		{"pdl-gw", "a@x.com", 55},
	}

	forward := NewConsolidator(testConsolidation(), nil)
	for _, o := range obs {
		forward.Observe(model.FieldEmail, o.provider, o.value, o.conf)
	}
	reverse := NewConsolidator(testConsolidation(), nil)
	for i := len(obs) - 1; i >= 0; i-- {
		reverse.Observe(model.FieldEmail, obs[i].provider, obs[i].value, obs[i].conf)
	}

	f := forward.Finalize(model.FieldEmail)
	r := reverse.Finalize(model.FieldEmail)
	assert.Equal(t, f.Value, r.Value)
	assert.Equal(t, f.Confidence, r.Confidence)
	assert.Equal(t, f.AgreementCount, r.AgreementCount)
}

func TestConsolidate_NormalizedAgreement(t *testing.T) {
	c := NewConsolidator(testConsolidation(), nil)
	c.Observe(model.FieldPhone, "lusha-gw", "+1 (555) 010-2000", 60)
	c.Observe(model.FieldPhone, "prospeo-gw", "555.010.2000", 60)

	out := c.Finalize(model.FieldPhone)
	assert.Equal(t, 2, out.AgreementCount)
}

func TestConsolidate_DefaultConfidence(t *testing.T) {
	c := NewConsolidator(testConsolidation(), nil)
	c.Observe(model.FieldFirmographics, "claude-research", "Acme Corp", 0)

	out := c.Finalize(model.FieldFirmographics)
	assert.Equal(t, 50.0, out.Confidence)
}

func TestConsolidate_ProviderReplacesOwnAnswer(t *testing.T) {
	c := NewConsolidator(testConsolidation(), nil)
	c.Observe(model.FieldEmail, "hunter-gw", "old@x.com", 40)
	c.Observe(model.FieldEmail, "hunter-gw", "new@x.com", 80)

	out := c.Finalize(model.FieldEmail)
	assert.Equal(t, "new@x.com", out.Value)
	assert.Equal(t, 1, out.AgreementCount)
	assert.Empty(t, out.Alternatives)
}

func TestConsolidate_WeightBreaksExactTies(t *testing.T) {
	weights := map[string]float64{"hunter-gw": 0.9, "prospeo-gw": 0.4}
	c := NewConsolidator(testConsolidation(), func(id string) float64 { return weights[id] })
	c.Observe(model.FieldEmail, "prospeo-gw", "b@x.com", 70)
	c.Observe(model.FieldEmail, "hunter-gw", "a@x.com", 70)

	out := c.Finalize(model.FieldEmail)
	assert.Equal(t, "a@x.com", out.Value)
}

func TestConsolidate_EmptyField(t *testing.T) {
	c := NewConsolidator(testConsolidation(), nil)
	out := c.Finalize(model.FieldEmail)
	assert.Zero(t, out.Confidence)
	assert.Empty(t, out.Value)
	assert.Zero(t, c.Confidence(model.FieldEmail))
}

func TestConsolidate_ConfidenceClamped(t *testing.T) {
	c := NewConsolidator(testConsolidation(), nil)
	for _, p := range []string{"a", "b", "c", "d"} {
		c.Observe(model.FieldEmail, p, "a@x.com", 95)
	}
	assert.Equal(t, 100.0, c.Confidence(model.FieldEmail))
}
