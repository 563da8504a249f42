package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
)

func TestParseResearchAnswer(t *testing.T) {
	text := `{"found": true, "fields": {
		"email": {"value": "ada@example.com", "confidence": 72},
		"phone": {"value": "+1 555 010 2000", "confidence": 65}
	}}`

	resp, err := parseResearchAnswer(text, []model.FieldKind{model.FieldEmail, model.FieldPhone})
	require.NoError(t, err)
	assert.Equal(t, model.CallSuccess, resp.Status)
	assert.Equal(t, "ada@example.com", resp.Fields[model.FieldEmail].Value)
	assert.Equal(t, 72.0, resp.Fields[model.FieldEmail].Confidence)
	assert.Len(t, resp.Fields, 2)
}

func TestParseResearchAnswer_StripsCodeFence(t *testing.T) {
	text := "```json\n{\"found\": true, \"fields\": {\"email\": {\"value\": \"ada@example.com\", \"confidence\": 80}}}\n```"

	resp, err := parseResearchAnswer(text, []model.FieldKind{model.FieldEmail})
	require.NoError(t, err)
	assert.Equal(t, model.CallSuccess, resp.Status)
	assert.Equal(t, "ada@example.com", resp.Fields[model.FieldEmail].Value)
}

func TestParseResearchAnswer_FiltersToRequested(t *testing.T) {
	text := `{"found": true, "fields": {
		"email": {"value": "ada@example.com", "confidence": 72},
		"phone": {"value": "+1 555 010 2000", "confidence": 65}
	}}`

	resp, err := parseResearchAnswer(text, []model.FieldKind{model.FieldEmail})
	require.NoError(t, err)
	assert.Len(t, resp.Fields, 1)
	assert.Contains(t, resp.Fields, model.FieldEmail)
}

func TestParseResearchAnswer_NotFound(t *testing.T) {
	resp, err := parseResearchAnswer(`{"found": false, "fields": {}}`, []model.FieldKind{model.FieldEmail})
	require.NoError(t, err)
	assert.Equal(t, model.CallNotFound, resp.Status)
}

func TestParseResearchAnswer_BlankAndUnknownFieldsSkipped(t *testing.T) {
	text := `{"found": true, "fields": {
		"email": {"value": "   ", "confidence": 72},
		"address": {"value": "1 Engine Way", "confidence": 80}
	}}`

	resp, err := parseResearchAnswer(text, []model.FieldKind{model.FieldEmail})
	require.NoError(t, err)
	assert.Equal(t, model.CallNotFound, resp.Status)
}

func TestParseResearchAnswer_ClampsConfidence(t *testing.T) {
	text := `{"found": true, "fields": {"email": {"value": "ada@example.com", "confidence": 412}}}`

	resp, err := parseResearchAnswer(text, []model.FieldKind{model.FieldEmail})
	require.NoError(t, err)
	assert.Equal(t, 100.0, resp.Fields[model.FieldEmail].Confidence)
}

func TestParseResearchAnswer_InvalidJSON(t *testing.T) {
	_, err := parseResearchAnswer("the contact could not be located", []model.FieldKind{model.FieldEmail})
	assert.Error(t, err)
}

func TestBuildResearchPrompt(t *testing.T) {
	prompt := buildResearchPrompt(CallRequest{
		SeedAttributes: map[string]string{
			"name":    "Ada Lovelace",
			"company": "Analytical Engines",
		},
		FieldsRequested: []model.FieldKind{model.FieldEmail, model.FieldPhone},
	})

	// Attributes render in sorted key order for prompt stability.
	companyIdx := strings.Index(prompt, "company: Analytical Engines")
	nameIdx := strings.Index(prompt, "name: Ada Lovelace")
	require.GreaterOrEqual(t, companyIdx, 0)
	require.GreaterOrEqual(t, nameIdx, 0)
	assert.Less(t, companyIdx, nameIdx)
	assert.Contains(t, prompt, "Requested fields: email, phone")
}
