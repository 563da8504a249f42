package waterfall

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Config is the top-level waterfall tuning configuration.
type Config struct {
	Defaults      DefaultConfig        `yaml:"defaults"`
	Consolidation ConsolidationConfig  `yaml:"consolidation"`
	Fields        map[string]FieldTune `yaml:"fields"`
}

// DefaultConfig holds request defaults applied when the caller leaves a knob
// unset, plus execution bounds. Timeouts are whole seconds in the YAML.
type DefaultConfig struct {
	MinConfidence        float64     `yaml:"min_confidence"`
	MaxCostUSD           float64     `yaml:"max_cost_usd"`
	MaxProviders         int         `yaml:"max_providers"`
	CallTimeoutSecs      int         `yaml:"call_timeout_secs"`
	RequestTimeoutSecs   int         `yaml:"request_timeout_secs"`
	RateLimitMaxWaitSecs int         `yaml:"rate_limit_max_wait_secs"`
	MaxConcurrentFields  int         `yaml:"max_concurrent_fields"`
	TimeDecay            DecayConfig `yaml:"time_decay"`
}

func (d DefaultConfig) CallTimeout() time.Duration {
	return time.Duration(d.CallTimeoutSecs) * time.Second
}

func (d DefaultConfig) RequestTimeout() time.Duration {
	return time.Duration(d.RequestTimeoutSecs) * time.Second
}

func (d DefaultConfig) RateLimitMaxWait() time.Duration {
	return time.Duration(d.RateLimitMaxWaitSecs) * time.Second
}

// ConsolidationConfig holds the tunable consolidation constants. The
// defaults are a starting point, not fixed semantics.
type ConsolidationConfig struct {
	// AgreementBoost is the per-source escalating bonus when independent
	// providers return the same value.
	AgreementBoost float64 `yaml:"agreement_boost"`
	// DisagreementPenalty is subtracted once per source that returned a
	// conflicting value.
	DisagreementPenalty float64 `yaml:"disagreement_penalty"`
	// DefaultProviderConfidence is assumed when a provider returns a value
	// without reporting confidence.
	DefaultProviderConfidence float64 `yaml:"default_provider_confidence"`
}

// DecayConfig holds time-decay parameters for stale provider data.
type DecayConfig struct {
	HalfLifeDays int     `yaml:"half_life_days"`
	Floor        float64 `yaml:"floor"`
}

// FieldTune overrides defaults for one field kind.
type FieldTune struct {
	MinConfidence float64      `yaml:"min_confidence"`
	TimeDecay     *DecayConfig `yaml:"time_decay,omitempty"`
}

// DefaultWaterfallConfig returns the built-in tuning.
func DefaultWaterfallConfig() *Config {
	return &Config{
		Defaults: DefaultConfig{
			MinConfidence:        75,
			MaxCostUSD:           1.00,
			MaxProviders:         5,
			CallTimeoutSecs:      20,
			RequestTimeoutSecs:   120,
			RateLimitMaxWaitSecs: 5,
			MaxConcurrentFields:  4,
			TimeDecay:            DecayConfig{HalfLifeDays: 365, Floor: 10},
		},
		Consolidation: ConsolidationConfig{
			AgreementBoost:            15,
			DisagreementPenalty:       5,
			DefaultProviderConfidence: 50,
		},
	}
}

// LoadConfig reads waterfall tuning from a YAML file, overlaying the
// built-in defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read config %s", path)
	}

	var wrapper struct {
		Waterfall Config `yaml:"waterfall"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse config")
	}

	cfg := wrapper.Waterfall
	base := DefaultWaterfallConfig()
	if cfg.Defaults.MinConfidence == 0 {
		cfg.Defaults.MinConfidence = base.Defaults.MinConfidence
	}
	if cfg.Defaults.MaxCostUSD == 0 {
		cfg.Defaults.MaxCostUSD = base.Defaults.MaxCostUSD
	}
	if cfg.Defaults.MaxProviders == 0 {
		cfg.Defaults.MaxProviders = base.Defaults.MaxProviders
	}
	if cfg.Defaults.CallTimeoutSecs == 0 {
		cfg.Defaults.CallTimeoutSecs = base.Defaults.CallTimeoutSecs
	}
	if cfg.Defaults.RequestTimeoutSecs == 0 {
		cfg.Defaults.RequestTimeoutSecs = base.Defaults.RequestTimeoutSecs
	}
	if cfg.Defaults.RateLimitMaxWaitSecs == 0 {
		cfg.Defaults.RateLimitMaxWaitSecs = base.Defaults.RateLimitMaxWaitSecs
	}
	if cfg.Defaults.MaxConcurrentFields == 0 {
		cfg.Defaults.MaxConcurrentFields = base.Defaults.MaxConcurrentFields
	}
	if cfg.Defaults.TimeDecay.HalfLifeDays == 0 {
		cfg.Defaults.TimeDecay = base.Defaults.TimeDecay
	}
	if cfg.Consolidation.AgreementBoost == 0 {
		cfg.Consolidation.AgreementBoost = base.Consolidation.AgreementBoost
	}
	if cfg.Consolidation.DisagreementPenalty == 0 {
		cfg.Consolidation.DisagreementPenalty = base.Consolidation.DisagreementPenalty
	}
	if cfg.Consolidation.DefaultProviderConfidence == 0 {
		cfg.Consolidation.DefaultProviderConfidence = base.Consolidation.DefaultProviderConfidence
	}
	return &cfg, nil
}

// MinConfidenceFor returns the effective threshold for a field kind.
func (c *Config) MinConfidenceFor(kind model.FieldKind, requestMin float64) float64 {
	if requestMin > 0 {
		return requestMin
	}
	if ft, ok := c.Fields[string(kind)]; ok && ft.MinConfidence > 0 {
		return ft.MinConfidence
	}
	return c.Defaults.MinConfidence
}

// DecayFor returns the effective decay parameters for a field kind.
func (c *Config) DecayFor(kind model.FieldKind) DecayConfig {
	if ft, ok := c.Fields[string(kind)]; ok && ft.TimeDecay != nil {
		return *ft.TimeDecay
	}
	return c.Defaults.TimeDecay
}
