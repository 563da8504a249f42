package provider

import (
	"context"

	"github.com/sells-group/enrich-cli/internal/model"
)

// StaticRecord is one canned lookup answer, keyed by a seed attribute value.
type StaticRecord struct {
	MatchAttribute string                               `yaml:"match_attribute" json:"match_attribute"`
	MatchValue     string                               `yaml:"match_value" json:"match_value"`
	Fields         map[model.FieldKind]model.FieldValue `yaml:"fields" json:"fields"`
}

// Static serves fixture data for development and integration tests without
// touching any external service.
type Static struct {
	name    string
	cost    float64
	records []StaticRecord
}

// NewStatic creates a fixture-backed provider.
func NewStatic(name string, costPerCallUSD float64, records []StaticRecord) *Static {
	return &Static{name: name, cost: costPerCallUSD, records: records}
}

func (s *Static) Name() string { return s.name }

func (s *Static) Call(_ context.Context, req CallRequest) (*CallResponse, error) {
	requested := make(map[model.FieldKind]bool, len(req.FieldsRequested))
	for _, f := range req.FieldsRequested {
		requested[f] = true
	}

	fields := make(map[model.FieldKind]model.FieldValue)
	for _, rec := range s.records {
		seed, ok := req.SeedAttributes[rec.MatchAttribute]
		if !ok || model.NormalizeValue("", seed) != model.NormalizeValue("", rec.MatchValue) {
			continue
		}
		for kind, fv := range rec.Fields {
			if requested[kind] {
				fields[kind] = fv
			}
		}
	}

	if len(fields) == 0 {
		return &CallResponse{Status: model.CallNotFound, CostIncurredUSD: s.cost}, nil
	}
	return &CallResponse{Status: model.CallSuccess, Fields: fields, CostIncurredUSD: s.cost}, nil
}

func (s *Static) Probe(_ context.Context) error { return nil }
