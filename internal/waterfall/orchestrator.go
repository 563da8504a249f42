package waterfall

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/enrich-cli/internal/health"
	"github.com/sells-group/enrich-cli/internal/idempotency"
	"github.com/sells-group/enrich-cli/internal/ledger"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/ratelimit"
	"github.com/sells-group/enrich-cli/internal/registry"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// HealthGate is the narrow view of the health monitor the orchestrator
// needs. Satisfied by *health.Monitor; faked in tests.
type HealthGate interface {
	StatusOf(providerID string) health.Status
	Filter() registry.HealthFilter
	Report(providerID string, err error)
}

// Orchestrator walks ordered provider chains per requested field until each
// field's confidence threshold is met or budget, deadline or candidates run
// out. All collaborators are injected.
type Orchestrator struct {
	cfg     *Config
	reg     *registry.Registry
	clients provider.Clients
	limiter *ratelimit.Limiter
	gate    HealthGate
	costs   *ledger.Ledger
	cache   *idempotency.Cache
	retry   resilience.RetryConfig

	nowFunc func() time.Time
}

// NewOrchestrator wires the waterfall engine.
func NewOrchestrator(
	cfg *Config,
	reg *registry.Registry,
	clients provider.Clients,
	limiter *ratelimit.Limiter,
	gate HealthGate,
	costs *ledger.Ledger,
	cache *idempotency.Cache,
) *Orchestrator {
	if cfg == nil {
		cfg = DefaultWaterfallConfig()
	}
	return &Orchestrator{
		cfg:     cfg,
		reg:     reg,
		clients: clients,
		limiter: limiter,
		gate:    gate,
		costs:   costs,
		cache:   cache,
		retry:   resilience.DefaultRetryConfig(),
		nowFunc: time.Now,
	}
}

// WithNow injects a clock for tests.
func (o *Orchestrator) WithNow(now func() time.Time) *Orchestrator {
	o.nowFunc = now
	return o
}

// Enrich resolves the request through the idempotency cache: a fresh cached
// result returns immediately, a concurrent duplicate joins the in-flight
// run, and otherwise the waterfall executes once.
func (o *Orchestrator) Enrich(ctx context.Context, req model.EnrichmentRequest) (*model.EnrichmentResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	o.applyDefaults(&req)

	fingerprint := req.Fingerprint()
	return o.cache.GetOrCompute(ctx, fingerprint, func(ctx context.Context) (*model.EnrichmentResult, error) {
		return o.run(ctx, req, fingerprint)
	})
}

// applyDefaults fills unset budget knobs. MinConfidence stays as given:
// MinConfidenceFor resolves zero through per-field tuning.
func (o *Orchestrator) applyDefaults(req *model.EnrichmentRequest) {
	if req.MaxCostUSD == 0 {
		req.MaxCostUSD = o.cfg.Defaults.MaxCostUSD
	}
	if req.MaxProviders == 0 {
		req.MaxProviders = o.cfg.Defaults.MaxProviders
	}
}

// callOutcome is the shared record of one provider's single call per
// request: the first field waterfall to reach a provider dispatches it,
// everyone else waits on done and reuses the result.
type callOutcome struct {
	done chan struct{}
}

// callDisposition classifies one callProviderOnce attempt for the field loop.
type callDisposition int

const (
	// callDispatched: the provider was called (here or by another field
	// waterfall); the loop head re-checks consolidated confidence.
	callDispatched callDisposition = iota
	// callSkipped: never dispatched (rate window, daily quota, provider
	// cap); a later field waterfall may try the provider again.
	callSkipped
	// callBudgetStop: the reservation was denied on the request or global
	// budget; the field's chain ends instead of falling through to cheaper
	// providers.
	callBudgetStop
)

// runState is the per-request mutable state shared by field waterfalls.
type runState struct {
	mu        sync.Mutex
	outcomes  map[string]*callOutcome
	tried     []string
	calls     []model.ProviderCallResult
	budgetHit bool
}

func (o *Orchestrator) run(ctx context.Context, req model.EnrichmentRequest, fingerprint string) (*model.EnrichmentResult, error) {
	if timeout := o.cfg.Defaults.RequestTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log := zap.L().With(
		zap.String("fingerprint", fingerprint),
		zap.String("entity", req.TargetEntityID),
	)
	log.Info("waterfall: starting enrichment",
		zap.Int("fields", len(req.FieldsNeeded)),
		zap.Float64("max_cost_usd", req.MaxCostUSD),
		zap.Int("max_providers", req.MaxProviders),
	)

	// A prior run of the same fingerprint (expired or invalidated cache)
	// must not count against this run's budget or its reported total.
	o.costs.BeginRun(fingerprint)

	cons := NewConsolidator(o.cfg.Consolidation, o.reg.SuccessRate)
	st := &runState{outcomes: make(map[string]*callOutcome)}

	// Field waterfalls run concurrently; each field's own steps are
	// sequential because every step's stop check depends on the running
	// consolidated confidence.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Defaults.MaxConcurrentFields)
	met := make(map[model.FieldKind]bool, len(req.FieldsNeeded))
	var metMu sync.Mutex

	for _, kind := range req.FieldsNeeded {
		g.Go(func() error {
			ok := o.runFieldWaterfall(gctx, req, fingerprint, kind, cons, st)
			metMu.Lock()
			met[kind] = ok
			metMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result := &model.EnrichmentResult{
		RequestFingerprint: fingerprint,
		TargetEntityID:     req.TargetEntityID,
		Fields:             make(map[model.FieldKind]model.ConsolidatedField, len(req.FieldsNeeded)),
		TotalCostUSD:       o.costs.TotalSpent(fingerprint),
		CompletedAt:        o.nowFunc().UTC(),
	}

	st.mu.Lock()
	result.ProvidersTried = append([]string(nil), st.tried...)
	result.Calls = append([]model.ProviderCallResult(nil), st.calls...)
	budgetHit := st.budgetHit
	st.mu.Unlock()

	for _, kind := range req.FieldsNeeded {
		result.Fields[kind] = cons.Finalize(kind)
	}
	result.StopReason = stopReason(req, met, budgetHit, ctx.Err())

	log.Info("waterfall: enrichment complete",
		zap.String("stop_reason", string(result.StopReason)),
		zap.Float64("total_cost_usd", result.TotalCostUSD),
		zap.Int("providers_tried", len(result.ProvidersTried)),
	)
	return result, nil
}

// stopReason derives the request-level reason. Every field meeting its
// threshold wins outright; a deadline that left every field unresolved is a
// cancellation; budget denial outranks plain exhaustion.
func stopReason(req model.EnrichmentRequest, met map[model.FieldKind]bool, budgetHit bool, ctxErr error) model.StopReason {
	allMet, anyMet := true, false
	for _, kind := range req.FieldsNeeded {
		if met[kind] {
			anyMet = true
		} else {
			allMet = false
		}
	}
	switch {
	case allMet:
		return model.StopConfidenceMet
	case ctxErr != nil && !anyMet:
		return model.StopCancelled
	case budgetHit:
		return model.StopBudgetExhausted
	case ctxErr != nil:
		return model.StopCancelled
	default:
		return model.StopProvidersExhausted
	}
}

// runFieldWaterfall walks one field's candidate chain. Returns true when the
// field's consolidated confidence reached its threshold.
func (o *Orchestrator) runFieldWaterfall(
	ctx context.Context,
	req model.EnrichmentRequest,
	fingerprint string,
	kind model.FieldKind,
	cons *Consolidator,
	st *runState,
) bool {
	threshold := o.cfg.MinConfidenceFor(kind, req.MinConfidence)
	chain := o.reg.Capable(kind, o.gate.Filter())
	if len(chain) == 0 {
		zap.L().Debug("waterfall: no capable providers",
			zap.String("field", string(kind)),
		)
		return cons.Confidence(kind) >= threshold
	}

	for _, pc := range chain {
		if cons.Confidence(kind) >= threshold {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		// The chain was ordered from a health snapshot; a provider can go
		// down while the request is in flight.
		if o.gate.StatusOf(pc.ID) == health.Down {
			continue
		}

		// Either we dispatch the provider or we wait for the field
		// waterfall that already did; the loop head re-checks confidence.
		if o.callProviderOnce(ctx, req, fingerprint, pc, cons, st) == callBudgetStop {
			break
		}
	}

	return cons.Confidence(kind) >= threshold
}

// callProviderOnce dispatches the provider's single per-request call if this
// waterfall got there first, or waits for the field waterfall that already
// did, and reports how the attempt ended.
func (o *Orchestrator) callProviderOnce(
	ctx context.Context,
	req model.EnrichmentRequest,
	fingerprint string,
	pc registry.ProviderConfig,
	cons *Consolidator,
	st *runState,
) callDisposition {
	st.mu.Lock()
	if oc, ok := st.outcomes[pc.ID]; ok {
		st.mu.Unlock()
		select {
		case <-oc.done:
		case <-ctx.Done():
		}
		return callDispatched
	}
	if req.MaxProviders > 0 && len(st.tried) >= req.MaxProviders {
		st.mu.Unlock()
		return callSkipped
	}
	oc := &callOutcome{done: make(chan struct{})}
	st.outcomes[pc.ID] = oc
	st.mu.Unlock()

	defer close(oc.done)

	disp := o.executeCall(ctx, req, fingerprint, pc, cons, st)
	if disp != callDispatched {
		// The provider was never actually dispatched; let a later field
		// waterfall try it again (e.g. after a per-minute window clears).
		st.mu.Lock()
		delete(st.outcomes, pc.ID)
		st.mu.Unlock()
	}
	return disp
}

// executeCall performs admission, cost reservation, dispatch and accounting
// for a single provider call.
func (o *Orchestrator) executeCall(
	ctx context.Context,
	req model.EnrichmentRequest,
	fingerprint string,
	pc registry.ProviderConfig,
	cons *Consolidator,
	st *runState,
) callDisposition {
	log := zap.L().With(
		zap.String("fingerprint", fingerprint),
		zap.String("provider", pc.ID),
	)

	// Rate-limit admission. A per-minute denial gets one bounded wait and
	// a second attempt; a per-day denial skips the provider outright.
	decision := o.limiter.Acquire(pc.ID)
	if decision.DailyExhausted {
		log.Debug("waterfall: provider daily quota exhausted")
		return callSkipped
	}
	if !decision.Granted {
		wait := decision.RetryAfter
		if limit := o.cfg.Defaults.RateLimitMaxWait(); limit > 0 && wait > limit {
			log.Debug("waterfall: rate-limit wait too long, skipping",
				zap.Duration("retry_after", decision.RetryAfter),
			)
			return callSkipped
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return callSkipped
		case <-timer.C:
		}
		decision = o.limiter.Acquire(pc.ID)
		if !decision.Granted {
			return callSkipped
		}
	}

	// Pessimistic cost reservation before dispatch. A budget denial ends
	// the field's chain; a monthly-quota denial only sidelines this
	// provider.
	estimate := pc.CostPerCallUSD
	if err := o.costs.Reserve(fingerprint, pc.ID, estimate, req.MaxCostUSD); err != nil {
		o.limiter.Refund(pc.ID)
		if eris.Is(err, ledger.ErrRequestBudget) || eris.Is(err, ledger.ErrGlobalBudget) {
			log.Info("waterfall: budget exhausted",
				zap.Float64("cost_per_call_usd", estimate),
				zap.Float64("max_cost_usd", req.MaxCostUSD),
			)
			st.mu.Lock()
			st.budgetHit = true
			st.mu.Unlock()
			return callBudgetStop
		}
		log.Debug("waterfall: reservation denied", zap.Error(err))
		return callSkipped
	}

	st.mu.Lock()
	st.tried = append(st.tried, pc.ID)
	st.mu.Unlock()

	client, ok := o.clients[pc.ID]
	if !ok {
		// Catalog entry without a wired adapter is a configuration bug.
		// Nothing was dispatched, so the admission token comes back too.
		o.limiter.Refund(pc.ID)
		o.costs.Release(fingerprint, pc.ID, estimate)
		o.gate.Report(pc.ID, resilience.NewConfigError(eris.Errorf("no client for provider %s", pc.ID)))
		o.recordCall(st, model.ProviderCallResult{
			ProviderID: pc.ID,
			Status:     model.CallError,
			At:         o.nowFunc().UTC(),
		})
		return callDispatched
	}

	callReq := provider.CallRequest{
		SeedAttributes:  req.SeedAttributes,
		FieldsRequested: req.FieldsNeeded,
	}

	retryCfg := o.retry
	retryCfg.OnRetry = resilience.RetryLogger(pc.ID, "lookup")

	start := o.nowFunc()
	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*provider.CallResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.Defaults.CallTimeout())
		defer cancel()
		return client.Call(callCtx, callReq)
	})
	latency := o.nowFunc().Sub(start)

	call := model.ProviderCallResult{
		ProviderID: pc.ID,
		CostUSD:    estimate,
		LatencyMs:  latency.Milliseconds(),
		At:         o.nowFunc().UTC(),
	}

	if err != nil {
		// Retries are exhausted. The failure never aborts the request; it
		// is treated as an empty result and the waterfall moves on.
		call.Status = model.CallError
		if eris.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			call.Status = model.CallTimeout
		}
		call.CostUSD = 0
		o.costs.Release(fingerprint, pc.ID, estimate)
		o.gate.Report(pc.ID, err)
		o.reg.RecordOutcome(pc.ID, false)
		log.Warn("waterfall: provider call failed",
			zap.String("status", string(call.Status)),
			zap.Error(err),
		)
		o.recordCall(st, call)
		return callDispatched
	}

	call.Status = resp.Status
	call.ProviderConfidence = model.ClampConfidence(resp.Confidence)

	switch resp.Status {
	case model.CallRateLimited:
		// Upstream said no; we were not served and are not billed.
		call.CostUSD = 0
		o.costs.Release(fingerprint, pc.ID, estimate)
		o.gate.Report(pc.ID, nil)
		o.reg.RecordOutcome(pc.ID, false)

	case model.CallError:
		call.CostUSD = 0
		o.costs.Release(fingerprint, pc.ID, estimate)
		o.gate.Report(pc.ID, eris.Errorf("provider %s reported error", pc.ID))
		o.reg.RecordOutcome(pc.ID, false)

	case model.CallNotFound:
		// An empty answer still costs money at every provider we use.
		call.Billed = true
		o.settleCost(fingerprint, pc.ID, estimate, resp.CostIncurredUSD, &call)
		o.gate.Report(pc.ID, nil)
		o.reg.RecordOutcome(pc.ID, false)

	case model.CallSuccess:
		call.Billed = true
		call.FieldsReturned = resp.Fields
		o.settleCost(fingerprint, pc.ID, estimate, resp.CostIncurredUSD, &call)
		o.gate.Report(pc.ID, nil)
		o.reg.RecordOutcome(pc.ID, true)
		o.feedConsolidator(pc.ID, resp, cons)
	}

	log.Debug("waterfall: provider call complete",
		zap.String("status", string(call.Status)),
		zap.Float64("cost_usd", call.CostUSD),
		zap.Int64("latency_ms", call.LatencyMs),
	)
	o.recordCall(st, call)
	return callDispatched
}

// settleCost reconciles the reservation with the provider-reported cost.
func (o *Orchestrator) settleCost(fingerprint, providerID string, reserved, actual float64, call *model.ProviderCallResult) {
	if actual > 0 && actual != reserved {
		o.costs.Adjust(fingerprint, providerID, reserved, actual)
		call.CostUSD = actual
	}
}

// feedConsolidator pushes every returned field into the consolidator, with
// time decay applied to provider answers carrying a data-as-of timestamp.
func (o *Orchestrator) feedConsolidator(providerID string, resp *provider.CallResponse, cons *Consolidator) {
	now := o.nowFunc()
	for kind, fv := range resp.Fields {
		conf := fv.Confidence
		if conf == 0 {
			conf = resp.Confidence
		}
		if fv.DataAsOf != nil {
			conf = EffectiveConfidence(conf, *fv.DataAsOf, now, o.cfg.DecayFor(kind))
		}
		cons.Observe(kind, providerID, fv.Value, conf)
	}
}

func (o *Orchestrator) recordCall(st *runState, call model.ProviderCallResult) {
	st.mu.Lock()
	st.calls = append(st.calls, call)
	st.mu.Unlock()
}
