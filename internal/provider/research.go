package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

// researchSystemPrompt instructs the model-backed providers to answer with
// strict JSON on our normalized schema.
const researchSystemPrompt = `You are a B2B contact and firmographic data researcher.
Given partial attributes of a person or company, supply the requested fields.
Only report values you have concrete evidence for; omit fields you cannot
support. Respond with STRICT JSON, no prose, on this schema:
{"found": true|false, "fields": {"<field>": {"value": "<string>", "confidence": <0-100>}}}
Valid field keys: email, phone, employment, firmographics, verification.`

// buildResearchPrompt renders the user prompt for a research lookup.
func buildResearchPrompt(req CallRequest) string {
	keys := make([]string, 0, len(req.SeedAttributes))
	for k := range req.SeedAttributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Known attributes:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, req.SeedAttributes[k])
	}
	b.WriteString("Requested fields: ")
	names := make([]string, len(req.FieldsRequested))
	for i, f := range req.FieldsRequested {
		names[i] = string(f)
	}
	b.WriteString(strings.Join(names, ", "))
	return b.String()
}

// researchAnswer is the JSON shape returned by model-backed providers.
type researchAnswer struct {
	Found  bool `json:"found"`
	Fields map[string]struct {
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	} `json:"fields"`
}

// parseResearchAnswer extracts the JSON payload from a model response. Models
// occasionally wrap JSON in code fences; strip those before decoding.
func parseResearchAnswer(text string, requested []model.FieldKind) (*CallResponse, error) {
	raw := strings.TrimSpace(text)
	if i := strings.Index(raw, "{"); i > 0 {
		raw = raw[i:]
	}
	if i := strings.LastIndex(raw, "}"); i >= 0 {
		raw = raw[:i+1]
	}

	var ans researchAnswer
	if err := json.Unmarshal([]byte(raw), &ans); err != nil {
		return nil, eris.Wrap(err, "provider: parse research answer")
	}

	allowed := make(map[model.FieldKind]bool, len(requested))
	for _, f := range requested {
		allowed[f] = true
	}

	fields := make(map[model.FieldKind]model.FieldValue)
	for key, fv := range ans.Fields {
		kind, ok := model.ParseFieldKind(key)
		if !ok || !allowed[kind] || strings.TrimSpace(fv.Value) == "" {
			continue
		}
		fields[kind] = model.FieldValue{
			Value:      fv.Value,
			Confidence: model.ClampConfidence(fv.Confidence),
		}
	}

	if !ans.Found || len(fields) == 0 {
		return &CallResponse{Status: model.CallNotFound}, nil
	}
	return &CallResponse{Status: model.CallSuccess, Fields: fields}, nil
}
