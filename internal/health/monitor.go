// Package health tracks per-provider liveness. A background loop probes each
// enabled provider and drives a small state machine; request-processing code
// only ever reads the resulting status.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/registry"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// Status is a provider's health state.
type Status int

const (
	// Healthy providers are called in their configured priority order.
	Healthy Status = iota
	// Degraded providers remain usable but sort after healthy ones.
	Degraded
	// Down providers are skipped entirely until a probe succeeds.
	Down
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// ProviderHealth is the mutable per-provider record.
type ProviderHealth struct {
	Status                Status        `json:"status"`
	LastCheckedAt         time.Time     `json:"last_checked_at"`
	ObservedLatency       time.Duration `json:"observed_latency"`
	ConsecutiveErrorCount int           `json:"consecutive_error_count"`
	ConfigErrorCount      int           `json:"config_error_count"`
}

// Config controls the monitor's probe loop and demotion thresholds.
type Config struct {
	// ProbeInterval is how often every enabled provider is probed.
	// Default: 5m.
	ProbeInterval time.Duration
	// ProbeTimeout bounds each individual probe. Default: 10s.
	ProbeTimeout time.Duration
	// DownThreshold is the consecutive failure count that takes a provider
	// from degraded to down. Default: 3.
	DownThreshold int
	// DisableThreshold is the config-error count at which the provider is
	// disabled in the registry outright. Default: 3.
	DisableThreshold int
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.DownThreshold <= 0 {
		c.DownThreshold = 3
	}
	if c.DisableThreshold <= 0 {
		c.DisableThreshold = 3
	}
	return c
}

// Monitor owns all ProviderHealth state. The orchestrator reads it through
// StatusOf/Filter and reports in-band call failures through Report.
type Monitor struct {
	cfg     Config
	reg     *registry.Registry
	clients provider.Clients

	mu     sync.RWMutex
	states map[string]*ProviderHealth

	nowFunc func() time.Time
}

// NewMonitor creates a monitor over the registry's providers.
func NewMonitor(cfg Config, reg *registry.Registry, clients provider.Clients) *Monitor {
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		clients: clients,
		states:  make(map[string]*ProviderHealth),
		nowFunc: time.Now,
	}
	for _, pc := range reg.All() {
		m.states[pc.ID] = &ProviderHealth{Status: Healthy}
	}
	return m
}

// Run starts the probe loop. It blocks until ctx is cancelled. An immediate
// sweep runs first so a fresh process does not wait a full interval to learn
// that a provider is dark.
func (m *Monitor) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "health.monitor"))
	log.Info("starting provider health monitor",
		zap.Duration("interval", m.cfg.ProbeInterval),
	)

	m.sweep(ctx)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("provider health monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	for _, pc := range m.reg.All() {
		if !pc.Enabled {
			continue
		}
		client, ok := m.clients[pc.ID]
		if !ok {
			continue
		}
		m.probe(ctx, pc.ID, client)
	}
}

func (m *Monitor) probe(ctx context.Context, providerID string, client provider.Client) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := m.nowFunc()
	err := client.Probe(probeCtx)
	latency := m.nowFunc().Sub(start)

	if err != nil {
		zap.L().Warn("health: probe failed",
			zap.String("provider", providerID),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}
	m.record(providerID, latency, err)
}

// Report feeds an in-band provider call outcome into the state machine, so
// a misbehaving provider is demoted before the next probe sweep. Pass a nil
// error for successes.
func (m *Monitor) Report(providerID string, err error) {
	m.record(providerID, 0, err)
}

func (m *Monitor) record(providerID string, latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[providerID]
	if st == nil {
		st = &ProviderHealth{Status: Healthy}
		m.states[providerID] = st
	}
	st.LastCheckedAt = m.nowFunc()
	if latency > 0 {
		st.ObservedLatency = latency
	}

	if err == nil {
		// One success recovers even a down provider.
		if st.Status != Healthy {
			zap.L().Info("health: provider recovered",
				zap.String("provider", providerID),
				zap.String("from", st.Status.String()),
			)
		}
		st.Status = Healthy
		st.ConsecutiveErrorCount = 0
		st.ConfigErrorCount = 0
		return
	}

	st.ConsecutiveErrorCount++

	if resilience.IsConfigError(err) {
		// Bad credentials or an unsupported request shape cannot heal on
		// retry: demote immediately and disable after repeats.
		st.ConfigErrorCount++
		st.Status = Down
		if st.ConfigErrorCount >= m.cfg.DisableThreshold {
			m.reg.SetEnabled(providerID, false)
		}
		return
	}

	switch {
	case st.ConsecutiveErrorCount >= m.cfg.DownThreshold:
		if st.Status != Down {
			zap.L().Warn("health: provider down",
				zap.String("provider", providerID),
				zap.Int("consecutive_errors", st.ConsecutiveErrorCount),
			)
		}
		st.Status = Down
	default:
		st.Status = Degraded
	}
}

// StatusOf returns the provider's current status. Unknown providers are
// treated as healthy until proven otherwise.
func (m *Monitor) StatusOf(providerID string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[providerID]; ok {
		return st.Status
	}
	return Healthy
}

// Filter adapts the monitor into the registry's candidate-ordering hook.
func (m *Monitor) Filter() registry.HealthFilter {
	return func(providerID string) (skip, demote bool) {
		switch m.StatusOf(providerID) {
		case Down:
			return true, false
		case Degraded:
			return false, true
		default:
			return false, false
		}
	}
}

// Snapshot returns a copy of all provider health records.
func (m *Monitor) Snapshot() map[string]ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ProviderHealth, len(m.states))
	for id, st := range m.states {
		out[id] = *st
	}
	return out
}
