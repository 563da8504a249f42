// Package registry holds the provider catalog: which providers exist, what
// they can resolve, what they cost, and how they are ordered into waterfall
// chains. The registry is constructed explicitly and injected wherever it is
// needed; there is no package-level instance.
package registry

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
)

// RateLimit is a provider's configured request ceilings.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute" mapstructure:"requests_per_minute"`
	RequestsPerDay    int `yaml:"requests_per_day" json:"requests_per_day" mapstructure:"requests_per_day"`
}

// ProviderConfig is the static configuration of one provider. Loaded at
// process start; Enabled is the only field mutated afterwards.
type ProviderConfig struct {
	ID             string            `yaml:"id" json:"id" mapstructure:"id"`
	DisplayName    string            `yaml:"display_name" json:"display_name" mapstructure:"display_name"`
	Capabilities   []model.FieldKind `yaml:"capabilities" json:"capabilities" mapstructure:"capabilities"`
	CostPerCallUSD float64           `yaml:"cost_per_call_usd" json:"cost_per_call_usd" mapstructure:"cost_per_call_usd"`
	RateLimit      RateLimit         `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit"`
	MonthlyQuota   int               `yaml:"monthly_quota" json:"monthly_quota" mapstructure:"monthly_quota"`
	PriorityTier   int               `yaml:"priority_tier" json:"priority_tier" mapstructure:"priority_tier"`
	Enabled        bool              `yaml:"enabled" json:"enabled" mapstructure:"enabled"`

	// Adapter selects the client implementation: gateway, claude,
	// perplexity or static.
	Adapter   string `yaml:"adapter" json:"adapter" mapstructure:"adapter"`
	BaseURL   string `yaml:"base_url" json:"base_url,omitempty" mapstructure:"base_url"`
	APIKey    string `yaml:"api_key" json:"-" mapstructure:"api_key"`
	KeyHeader string `yaml:"key_header" json:"key_header,omitempty" mapstructure:"key_header"`
	Model     string `yaml:"model" json:"model,omitempty" mapstructure:"model"`
}

// CanProvide reports whether the provider is configured for the field kind.
func (p *ProviderConfig) CanProvide(kind model.FieldKind) bool {
	for _, c := range p.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// ErrNotFound is returned when a provider ID is not in the catalog.
var ErrNotFound = eris.New("registry: provider not found")

// HealthFilter lets the caller inject provider health into candidate
// ordering without the registry depending on the health package: skip
// excludes a provider entirely (down), demote sorts it after healthy ones
// (degraded).
type HealthFilter func(providerID string) (skip, demote bool)

type stats struct {
	attempts  int
	successes int
}

// Registry is the thread-safe provider catalog.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*ProviderConfig
	order   []string // insertion order, for stable listings
	history map[string]*stats
}

// New builds a registry from loaded provider configs. Duplicate IDs are
// rejected.
func New(configs []ProviderConfig) (*Registry, error) {
	r := &Registry{
		byID:    make(map[string]*ProviderConfig, len(configs)),
		history: make(map[string]*stats, len(configs)),
	}
	for i := range configs {
		pc := configs[i]
		if pc.ID == "" {
			return nil, eris.New("registry: provider config missing id")
		}
		if _, dup := r.byID[pc.ID]; dup {
			return nil, eris.Errorf("registry: duplicate provider id %q", pc.ID)
		}
		r.byID[pc.ID] = &pc
		r.order = append(r.order, pc.ID)
		r.history[pc.ID] = &stats{}
	}
	return r, nil
}

// Get returns a copy of the provider config, or ErrNotFound.
func (r *Registry) Get(id string) (ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pc, ok := r.byID[id]
	if !ok {
		return ProviderConfig{}, eris.Wrapf(ErrNotFound, "%s", id)
	}
	return *pc, nil
}

// All returns copies of every provider config in load order.
func (r *Registry) All() []ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// SetEnabled toggles a provider at runtime. Used by the health monitor to
// pull persistently misconfigured providers out of rotation.
func (r *Registry) SetEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.byID[id]
	if !ok || pc.Enabled == enabled {
		return
	}
	pc.Enabled = enabled
	zap.L().Info("registry: provider toggled",
		zap.String("provider", id),
		zap.Bool("enabled", enabled),
	)
}

// RecordOutcome feeds the historical success rate used for candidate
// ordering and consolidation tie-breaks.
func (r *Registry) RecordOutcome(id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, found := r.history[id]
	if !found {
		return
	}
	st.attempts++
	if ok {
		st.successes++
	}
}

// SuccessRate returns the provider's smoothed historical hit rate in [0,1].
// Laplace smoothing keeps new providers from being pinned to 0 or 1 by their
// first few calls.
func (r *Registry) SuccessRate(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.successRateLocked(id)
}

func (r *Registry) successRateLocked(id string) float64 {
	st, ok := r.history[id]
	if !ok {
		return 0.5
	}
	return (float64(st.successes) + 1) / (float64(st.attempts) + 2)
}

// Capable returns the ordered candidate chain for a field kind: enabled
// providers with the capability, minus those the health filter skips.
// Ordering: non-demoted first, then priority tier ascending, historical
// success rate descending, cost ascending, ID as the deterministic tail.
func (r *Registry) Capable(kind model.FieldKind, hf HealthFilter) []ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		cfg     ProviderConfig
		demoted bool
		rate    float64
	}

	var candidates []scored
	for _, id := range r.order {
		pc := r.byID[id]
		if !pc.Enabled || !pc.CanProvide(kind) {
			continue
		}
		skip, demote := false, false
		if hf != nil {
			skip, demote = hf(id)
		}
		if skip {
			continue
		}
		candidates = append(candidates, scored{
			cfg:     *pc,
			demoted: demote,
			rate:    r.successRateLocked(id),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.demoted != b.demoted {
			return !a.demoted
		}
		if a.cfg.PriorityTier != b.cfg.PriorityTier {
			return a.cfg.PriorityTier < b.cfg.PriorityTier
		}
		if a.rate != b.rate {
			return a.rate > b.rate
		}
		if a.cfg.CostPerCallUSD != b.cfg.CostPerCallUSD {
			return a.cfg.CostPerCallUSD < b.cfg.CostPerCallUSD
		}
		return a.cfg.ID < b.cfg.ID
	})

	out := make([]ProviderConfig, len(candidates))
	for i, c := range candidates {
		out[i] = c.cfg
	}
	return out
}
