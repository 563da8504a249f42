// Package provider defines the normalized contract every external data
// provider is called through, plus the adapters that implement it. Concrete
// third-party wire formats live behind the gateway adapter; the waterfall
// only ever sees this interface.
package provider

import (
	"context"

	"github.com/sells-group/enrich-cli/internal/model"
)

// CallRequest is the normalized provider lookup request.
type CallRequest struct {
	SeedAttributes  map[string]string `json:"seed_attributes"`
	FieldsRequested []model.FieldKind `json:"fields_requested"`
}

// CallResponse is the normalized provider lookup response. Status is one of
// success, notFound, rateLimited or error; timeouts surface as errors from
// Call, not as a response.
type CallResponse struct {
	Status          model.CallStatus                     `json:"status"`
	Fields          map[model.FieldKind]model.FieldValue `json:"fields,omitempty"`
	Confidence      float64                              `json:"confidence,omitempty"`
	CostIncurredUSD float64                              `json:"cost_incurred_usd"`
}

// Client is one external data provider behind the normalized contract.
type Client interface {
	// Name returns the provider identifier (matches the registry entry).
	Name() string
	// Call performs one lookup. Implementations classify failures via the
	// resilience taxonomy: transient errors are retried by the orchestrator,
	// config errors demote the provider.
	Call(ctx context.Context, req CallRequest) (*CallResponse, error)
	// Probe performs a lightweight liveness check for the health monitor.
	Probe(ctx context.Context) error
}

// Clients indexes provider clients by name.
type Clients map[string]Client
