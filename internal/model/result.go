package model

import "time"

// CallStatus is the outcome of a single provider call.
type CallStatus string

const (
	CallSuccess     CallStatus = "success"
	CallNotFound    CallStatus = "notFound"
	CallRateLimited CallStatus = "rateLimited"
	CallError       CallStatus = "error"
	CallTimeout     CallStatus = "timeout"
)

// Billable reports whether a call with this status consumes budget. Providers
// charge for lookups that complete, including empty ones; rate-limited and
// failed calls are refunded.
func (s CallStatus) Billable() bool {
	return s == CallSuccess || s == CallNotFound
}

// StopReason explains why the waterfall stopped issuing provider calls.
type StopReason string

const (
	StopConfidenceMet      StopReason = "confidenceMet"
	StopBudgetExhausted    StopReason = "budgetExhausted"
	StopProvidersExhausted StopReason = "providersExhausted"
	StopCancelled          StopReason = "cancelled"
)

// FieldValue is one provider's answer for one field.
type FieldValue struct {
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
	DataAsOf   *time.Time `json:"data_as_of,omitempty"`
}

// ProviderCallResult records one executed provider call. Immutable once
// appended to the request's call log.
type ProviderCallResult struct {
	ProviderID         string                   `json:"provider_id"`
	FieldsReturned     map[FieldKind]FieldValue `json:"fields_returned,omitempty"`
	ProviderConfidence float64                  `json:"provider_confidence"`
	CostUSD            float64                  `json:"cost_usd"`
	Billed             bool                     `json:"billed"`
	LatencyMs          int64                    `json:"latency_ms"`
	Status             CallStatus               `json:"status"`
	At                 time.Time                `json:"at"`
}

// AlternativeValue is a non-winning candidate recorded during consolidation.
type AlternativeValue struct {
	Value      string   `json:"value"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
}

// ConsolidatedField is the merged answer for one requested field.
type ConsolidatedField struct {
	Value          string             `json:"value"`
	Confidence     float64            `json:"confidence"`
	Sources        []string           `json:"sources"`
	AgreementCount int                `json:"agreement_count"`
	Alternatives   []AlternativeValue `json:"alternatives,omitempty"`
}

// EnrichmentResult is the terminal output of one enrichment request.
type EnrichmentResult struct {
	RequestFingerprint string                          `json:"request_fingerprint"`
	TargetEntityID     string                          `json:"target_entity_id,omitempty"`
	Fields             map[FieldKind]ConsolidatedField `json:"fields"`
	TotalCostUSD       float64                         `json:"total_cost_usd"`
	ProvidersTried     []string                        `json:"providers_tried"`
	Calls              []ProviderCallResult            `json:"calls,omitempty"`
	StopReason         StopReason                      `json:"stop_reason"`
	CompletedAt        time.Time                       `json:"completed_at"`
}
