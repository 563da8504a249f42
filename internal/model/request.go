package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// EnrichmentRequest is the caller's input to the waterfall. It is immutable
// once submitted; the fingerprint identifies it for idempotency purposes.
type EnrichmentRequest struct {
	TargetEntityID string            `json:"target_entity_id"`
	FieldsNeeded   []FieldKind       `json:"fields_needed"`
	MinConfidence  float64           `json:"min_confidence"`
	MaxCostUSD     float64           `json:"max_cost_usd"`
	MaxProviders   int               `json:"max_providers"`
	SeedAttributes map[string]string `json:"seed_attributes"`
}

// Validate checks the request for structural problems before execution.
func (r *EnrichmentRequest) Validate() error {
	if len(r.FieldsNeeded) == 0 {
		return eris.New("model: request needs at least one field")
	}
	for _, f := range r.FieldsNeeded {
		if _, ok := ParseFieldKind(string(f)); !ok {
			return eris.Errorf("model: unknown field kind %q", f)
		}
	}
	if r.MinConfidence < 0 || r.MinConfidence > 100 {
		return eris.Errorf("model: min_confidence %.1f outside [0,100]", r.MinConfidence)
	}
	if r.MaxCostUSD < 0 {
		return eris.New("model: max_cost_usd must be non-negative")
	}
	if r.MaxProviders < 0 {
		return eris.New("model: max_providers must be non-negative")
	}
	if len(r.SeedAttributes) == 0 {
		return eris.New("model: seed_attributes required for lookup")
	}
	return nil
}

// Fingerprint returns the deterministic idempotency key for the request:
// a sha256 over the normalized seed attributes and the sorted requested
// fields. Confidence/cost knobs are deliberately excluded so that retries
// with a different budget still hit the same cached result.
func (r *EnrichmentRequest) Fingerprint() string {
	norm := make(map[string]string, len(r.SeedAttributes))
	for k, v := range r.SeedAttributes {
		if strings.TrimSpace(v) == "" {
			continue
		}
		nk := strings.ToLower(strings.TrimSpace(k))
		norm[nk] = strings.Join(strings.Fields(foldCaser.String(v)), " ")
	}
	keys := make([]string, 0, len(norm))
	for k := range norm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(norm[k])
		b.WriteByte(';')
	}

	fields := make([]string, len(r.FieldsNeeded))
	for i, f := range r.FieldsNeeded {
		fields[i] = string(f)
	}
	sort.Strings(fields)
	b.WriteString("fields=")
	b.WriteString(strings.Join(fields, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
