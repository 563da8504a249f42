package waterfall

import (
	"context"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/health"
	"github.com/sells-group/enrich-cli/internal/idempotency"
	"github.com/sells-group/enrich-cli/internal/ledger"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/ratelimit"
	"github.com/sells-group/enrich-cli/internal/registry"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// scriptedClient returns a fixed response (or error) and counts calls.
type scriptedClient struct {
	name string
	resp *provider.CallResponse
	err  error

	mu    sync.Mutex
	calls int
}

func (c *scriptedClient) Name() string { return c.name }

func (c *scriptedClient) Call(_ context.Context, _ provider.CallRequest) (*provider.CallResponse, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func (c *scriptedClient) Probe(context.Context) error { return nil }

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// stubGate serves health statuses from a map and records reports.
type stubGate struct {
	mu      sync.Mutex
	status  map[string]health.Status
	reports map[string][]error
}

func newStubGate() *stubGate {
	return &stubGate{
		status:  make(map[string]health.Status),
		reports: make(map[string][]error),
	}
}

func (g *stubGate) StatusOf(providerID string) health.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status[providerID]
}

func (g *stubGate) Filter() registry.HealthFilter {
	return func(providerID string) (skip, demote bool) {
		switch g.StatusOf(providerID) {
		case health.Down:
			return true, false
		case health.Degraded:
			return false, true
		default:
			return false, false
		}
	}
}

func (g *stubGate) Report(providerID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reports[providerID] = append(g.reports[providerID], err)
}

func testProvider(id string, costUSD float64, tier int, kinds ...model.FieldKind) registry.ProviderConfig {
	return registry.ProviderConfig{
		ID:             id,
		DisplayName:    id,
		Capabilities:   kinds,
		CostPerCallUSD: costUSD,
		RateLimit:      registry.RateLimit{RequestsPerMinute: 60, RequestsPerDay: 1000},
		PriorityTier:   tier,
		Enabled:        true,
		Adapter:        "static",
	}
}

func newTestOrchestrator(t *testing.T, gate *stubGate, clients provider.Clients, provs ...registry.ProviderConfig) (*Orchestrator, *ledger.Ledger) {
	t.Helper()
	reg, err := registry.New(provs)
	require.NoError(t, err)
	led := ledger.New(ledger.Budget{}, reg)
	orc := NewOrchestrator(
		DefaultWaterfallConfig(),
		reg,
		clients,
		ratelimit.New(reg),
		gate,
		led,
		idempotency.New(idempotency.TTLPolicy{}, nil),
	)
	return orc, led
}

func emailRequest() model.EnrichmentRequest {
	return model.EnrichmentRequest{
		TargetEntityID: "contact-1",
		FieldsNeeded:   []model.FieldKind{model.FieldEmail},
		SeedAttributes: map[string]string{
			"name":    "Ada Lovelace",
			"company": "Analytical Engines",
		},
	}
}

func emailResponse(value string, confidence float64) *provider.CallResponse {
	return &provider.CallResponse{
		Status:     model.CallSuccess,
		Confidence: confidence,
		Fields: map[model.FieldKind]model.FieldValue{
			model.FieldEmail: {Value: value, Confidence: confidence},
		},
	}
}

func TestEnrich_BudgetExhausted(t *testing.T) {
	alpha := &scriptedClient{name: "alpha", resp: emailResponse("ada@example.com", 60)}
	beta := &scriptedClient{name: "beta", resp: emailResponse("ada@example.com", 95)}
	gate := newStubGate()

	orc, _ := newTestOrchestrator(t, gate,
		provider.Clients{"alpha": alpha, "beta": beta},
		testProvider("alpha", 0.06, 1, model.FieldEmail),
		testProvider("beta", 0.08, 2, model.FieldEmail),
	)

	req := emailRequest()
	req.MinConfidence = 90
	req.MaxCostUSD = 0.10

	res, err := orc.Enrich(context.Background(), req)
	require.NoError(t, err)

	// The second reservation would overrun the request budget, so beta is
	// never dispatched and only alpha's call is billed.
	assert.Equal(t, model.StopBudgetExhausted, res.StopReason)
	assert.InDelta(t, 0.06, res.TotalCostUSD, 1e-9)
	assert.Equal(t, []string{"alpha"}, res.ProvidersTried)
	assert.Equal(t, 1, alpha.callCount())
	assert.Equal(t, 0, beta.callCount())
}

func TestEnrich_DownProviderNeverCalled(t *testing.T) {
	alpha := &scriptedClient{name: "alpha", resp: emailResponse("ada@example.com", 95)}
	beta := &scriptedClient{name: "beta", resp: emailResponse("ada@example.com", 95)}
	gate := newStubGate()
	gate.status["alpha"] = health.Down

	orc, _ := newTestOrchestrator(t, gate,
		provider.Clients{"alpha": alpha, "beta": beta},
		testProvider("alpha", 0.01, 1, model.FieldEmail),
		testProvider("beta", 0.08, 2, model.FieldEmail),
	)

	res, err := orc.Enrich(context.Background(), emailRequest())
	require.NoError(t, err)

	assert.Equal(t, model.StopConfidenceMet, res.StopReason)
	assert.Equal(t, 0, alpha.callCount())
	assert.Equal(t, 1, beta.callCount())
	assert.Equal(t, []string{"beta"}, res.ProvidersTried)
}

func TestEnrich_ConfidenceMetStopsChain(t *testing.T) {
	alpha := &scriptedClient{name: "alpha", resp: emailResponse("ada@example.com", 95)}
	beta := &scriptedClient{name: "beta", resp: emailResponse("ada@example.com", 95)}
	gate := newStubGate()

	orc, _ := newTestOrchestrator(t, gate,
		provider.Clients{"alpha": alpha, "beta": beta},
		testProvider("alpha", 0.06, 1, model.FieldEmail),
		testProvider("beta", 0.08, 2, model.FieldEmail),
	)

	res, err := orc.Enrich(context.Background(), emailRequest())
	require.NoError(t, err)

	assert.Equal(t, model.StopConfidenceMet, res.StopReason)
	assert.InDelta(t, 0.06, res.TotalCostUSD, 1e-9)
	assert.Equal(t, 0, beta.callCount())

	field := res.Fields[model.FieldEmail]
	assert.Equal(t, "ada@example.com", field.Value)
	assert.GreaterOrEqual(t, field.Confidence, 95.0)
}

func TestEnrich_ProvidersExhausted(t *testing.T) {
	notFound := &provider.CallResponse{Status: model.CallNotFound}
	alpha := &scriptedClient{name: "alpha", resp: notFound}
	beta := &scriptedClient{name: "beta", resp: notFound}
	gate := newStubGate()

	orc, _ := newTestOrchestrator(t, gate,
		provider.Clients{"alpha": alpha, "beta": beta},
		testProvider("alpha", 0.06, 1, model.FieldEmail),
		testProvider("beta", 0.08, 2, model.FieldEmail),
	)

	res, err := orc.Enrich(context.Background(), emailRequest())
	require.NoError(t, err)

	// Both empty answers are still billed.
	assert.Equal(t, model.StopProvidersExhausted, res.StopReason)
	assert.InDelta(t, 0.14, res.TotalCostUSD, 1e-9)
	assert.Len(t, res.Calls, 2)
	for _, call := range res.Calls {
		assert.Equal(t, model.CallNotFound, call.Status)
		assert.True(t, call.Billed)
	}
	assert.Empty(t, res.Fields[model.FieldEmail].Value)
}

func TestEnrich_FailedCallNotBilledAndChainContinues(t *testing.T) {
	alpha := &scriptedClient{
		name: "alpha",
		err:  resilience.NewConfigError(eris.New("bad credentials")),
	}
	beta := &scriptedClient{name: "beta", resp: emailResponse("ada@example.com", 95)}
	gate := newStubGate()

	orc, _ := newTestOrchestrator(t, gate,
		provider.Clients{"alpha": alpha, "beta": beta},
		testProvider("alpha", 0.06, 1, model.FieldEmail),
		testProvider("beta", 0.08, 2, model.FieldEmail),
	)

	res, err := orc.Enrich(context.Background(), emailRequest())
	require.NoError(t, err)

	assert.Equal(t, model.StopConfidenceMet, res.StopReason)
	assert.InDelta(t, 0.08, res.TotalCostUSD, 1e-9)
	assert.Equal(t, []string{"alpha", "beta"}, res.ProvidersTried)

	// Config errors are not retried.
	assert.Equal(t, 1, alpha.callCount())

	require.Len(t, res.Calls, 2)
	failed := res.Calls[0]
	assert.Equal(t, "alpha", failed.ProviderID)
	assert.Equal(t, model.CallError, failed.Status)
	assert.False(t, failed.Billed)
	assert.Zero(t, failed.CostUSD)

	// The failure was reported to the health gate.
	require.Len(t, gate.reports["alpha"], 1)
	assert.Error(t, gate.reports["alpha"][0])
}

func TestEnrich_OneCallSharedAcrossFields(t *testing.T) {
	combo := &scriptedClient{
		name: "combo",
		resp: &provider.CallResponse{
			Status:     model.CallSuccess,
			Confidence: 95,
			Fields: map[model.FieldKind]model.FieldValue{
				model.FieldEmail: {Value: "ada@example.com", Confidence: 95},
				model.FieldPhone: {Value: "+1 555 010 2000", Confidence: 95},
			},
		},
	}
	gate := newStubGate()

	orc, _ := newTestOrchestrator(t, gate,
		provider.Clients{"combo": combo},
		testProvider("combo", 0.05, 1, model.FieldEmail, model.FieldPhone),
	)

	req := emailRequest()
	req.FieldsNeeded = []model.FieldKind{model.FieldEmail, model.FieldPhone}

	res, err := orc.Enrich(context.Background(), req)
	require.NoError(t, err)

	// Two field waterfalls, one dispatch, one billed call.
	assert.Equal(t, 1, combo.callCount())
	assert.InDelta(t, 0.05, res.TotalCostUSD, 1e-9)
	assert.Equal(t, model.StopConfidenceMet, res.StopReason)
	assert.Equal(t, "ada@example.com", res.Fields[model.FieldEmail].Value)
	assert.NotEmpty(t, res.Fields[model.FieldPhone].Value)
}

func TestEnrich_MaxProvidersCap(t *testing.T) {
	alpha := &scriptedClient{name: "alpha", resp: emailResponse("ada@example.com", 40)}
	beta := &scriptedClient{name: "beta", resp: emailResponse("ada@example.com", 95)}
	gate := newStubGate()

	orc, _ := newTestOrchestrator(t, gate,
		provider.Clients{"alpha": alpha, "beta": beta},
		testProvider("alpha", 0.06, 1, model.FieldEmail),
		testProvider("beta", 0.08, 2, model.FieldEmail),
	)

	req := emailRequest()
	req.MaxProviders = 1

	res, err := orc.Enrich(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.StopProvidersExhausted, res.StopReason)
	assert.Equal(t, []string{"alpha"}, res.ProvidersTried)
	assert.Equal(t, 0, beta.callCount())
}

func TestEnrich_DuplicateRequestHitsCache(t *testing.T) {
	alpha := &scriptedClient{name: "alpha", resp: emailResponse("ada@example.com", 95)}
	gate := newStubGate()

	orc, _ := newTestOrchestrator(t, gate,
		provider.Clients{"alpha": alpha},
		testProvider("alpha", 0.06, 1, model.FieldEmail),
	)

	first, err := orc.Enrich(context.Background(), emailRequest())
	require.NoError(t, err)

	second, err := orc.Enrich(context.Background(), emailRequest())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, alpha.callCount())
}

func TestEnrich_Cancelled(t *testing.T) {
	alpha := &scriptedClient{name: "alpha", resp: emailResponse("ada@example.com", 95)}
	gate := newStubGate()

	orc, _ := newTestOrchestrator(t, gate,
		provider.Clients{"alpha": alpha},
		testProvider("alpha", 0.06, 1, model.FieldEmail),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := orc.Enrich(ctx, emailRequest())
	require.NoError(t, err)

	assert.Equal(t, model.StopCancelled, res.StopReason)
	assert.Equal(t, 0, alpha.callCount())
	assert.Zero(t, res.TotalCostUSD)
}

func TestEnrich_BudgetDenialEndsFieldChain(t *testing.T) {
	alpha := &scriptedClient{name: "alpha", resp: emailResponse("ada@example.com", 60)}
	beta := &scriptedClient{name: "beta", resp: emailResponse("ada@example.com", 95)}
	gamma := &scriptedClient{name: "gamma", resp: emailResponse("ada@example.com", 95)}
	gate := newStubGate()

	orc, _ := newTestOrchestrator(t, gate,
		provider.Clients{"alpha": alpha, "beta": beta, "gamma": gamma},
		testProvider("alpha", 0.06, 1, model.FieldEmail),
		testProvider("beta", 0.08, 2, model.FieldEmail),
		testProvider("gamma", 0.03, 3, model.FieldEmail),
	)

	req := emailRequest()
	req.MinConfidence = 90
	req.MaxCostUSD = 0.10

	res, err := orc.Enrich(context.Background(), req)
	require.NoError(t, err)

	// The denial at beta ends the field's chain; the cheaper gamma is not
	// a way around the budget event.
	assert.Equal(t, model.StopBudgetExhausted, res.StopReason)
	assert.Equal(t, []string{"alpha"}, res.ProvidersTried)
	assert.Equal(t, 0, beta.callCount())
	assert.Equal(t, 0, gamma.callCount())
	assert.InDelta(t, 0.06, res.TotalCostUSD, 1e-9)
}

func TestEnrich_RerunAfterInvalidationStartsFreshSpend(t *testing.T) {
	alpha := &scriptedClient{name: "alpha", resp: emailResponse("ada@example.com", 95)}
	gate := newStubGate()

	reg, err := registry.New([]registry.ProviderConfig{
		testProvider("alpha", 0.06, 1, model.FieldEmail),
	})
	require.NoError(t, err)
	led := ledger.New(ledger.Budget{}, reg)
	cache := idempotency.New(idempotency.TTLPolicy{}, nil)
	orc := NewOrchestrator(
		DefaultWaterfallConfig(), reg, provider.Clients{"alpha": alpha},
		ratelimit.New(reg), gate, led, cache,
	)

	req := emailRequest()
	first, err := orc.Enrich(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 0.06, first.TotalCostUSD, 1e-9)

	cache.Invalidate(req.Fingerprint())

	second, err := orc.Enrich(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, alpha.callCount())

	// The rerun's total covers its own billed calls only, not the first
	// run's spend.
	var billed float64
	for _, call := range second.Calls {
		if call.Billed {
			billed += call.CostUSD
		}
	}
	assert.InDelta(t, 0.06, second.TotalCostUSD, 1e-9)
	assert.InDelta(t, billed, second.TotalCostUSD, 1e-9)
}

func TestEnrich_MissingClientRefundsDailySlot(t *testing.T) {
	beta := &scriptedClient{name: "beta", resp: emailResponse("ada@example.com", 95)}
	gate := newStubGate()

	reg, err := registry.New([]registry.ProviderConfig{
		testProvider("alpha", 0.06, 1, model.FieldEmail),
		testProvider("beta", 0.08, 2, model.FieldEmail),
	})
	require.NoError(t, err)
	limiter := ratelimit.New(reg)
	orc := NewOrchestrator(
		DefaultWaterfallConfig(), reg, provider.Clients{"beta": beta},
		limiter, gate, ledger.New(ledger.Budget{}, reg),
		idempotency.New(idempotency.TTLPolicy{}, nil),
	)

	_, err = orc.Enrich(context.Background(), emailRequest())
	require.NoError(t, err)

	// alpha was admitted but never dispatched; its daily slot comes back.
	assert.Equal(t, 1000, limiter.Remaining("alpha"))
	assert.Equal(t, 999, limiter.Remaining("beta"))
}

func TestEnrich_MissingClientReportsConfigError(t *testing.T) {
	beta := &scriptedClient{name: "beta", resp: emailResponse("ada@example.com", 95)}
	gate := newStubGate()

	// alpha is in the catalog but has no wired client.
	orc, _ := newTestOrchestrator(t, gate,
		provider.Clients{"beta": beta},
		testProvider("alpha", 0.06, 1, model.FieldEmail),
		testProvider("beta", 0.08, 2, model.FieldEmail),
	)

	res, err := orc.Enrich(context.Background(), emailRequest())
	require.NoError(t, err)

	assert.Equal(t, model.StopConfidenceMet, res.StopReason)
	assert.InDelta(t, 0.08, res.TotalCostUSD, 1e-9)

	require.Len(t, gate.reports["alpha"], 1)
	assert.True(t, resilience.IsConfigError(gate.reports["alpha"][0]))
}
