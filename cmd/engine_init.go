package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/health"
	"github.com/sells-group/enrich-cli/internal/idempotency"
	"github.com/sells-group/enrich-cli/internal/ledger"
	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/ratelimit"
	"github.com/sells-group/enrich-cli/internal/registry"
	"github.com/sells-group/enrich-cli/internal/store"
	"github.com/sells-group/enrich-cli/internal/waterfall"
	"github.com/sells-group/enrich-cli/pkg/notion"
	"github.com/sells-group/enrich-cli/pkg/perplexity"
)

// engineEnv holds the initialized store, catalog and waterfall engine shared
// by the enrich/serve/providers/costs commands.
type engineEnv struct {
	Store        store.Store
	Registry     *registry.Registry
	Clients      provider.Clients
	Limiter      *ratelimit.Limiter
	Monitor      *health.Monitor
	Ledger       *ledger.Ledger
	Orchestrator *waterfall.Orchestrator
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine sets up the store, loads the provider catalog, builds one
// adapter per provider and wires the waterfall engine. Callers should defer
// env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	catalog, err := loadCatalog(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reg, err := registry.New(catalog)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "build registry")
	}

	clients, err := buildClients(catalog)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	zap.L().Info("provider catalog loaded",
		zap.Int("providers", len(catalog)),
		zap.String("source", cfg.Catalog.Source),
	)

	wfCfg := waterfall.DefaultWaterfallConfig()
	if cfg.Waterfall.ConfigPath != "" {
		wfCfg, err = waterfall.LoadConfig(cfg.Waterfall.ConfigPath)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load waterfall config")
		}
	}

	limiter := ratelimit.New(reg)
	monitor := health.NewMonitor(health.Config{
		ProbeInterval: time.Duration(cfg.Health.ProbeIntervalSecs) * time.Second,
		ProbeTimeout:  time.Duration(cfg.Health.ProbeTimeoutSecs) * time.Second,
	}, reg, clients)
	costs := ledger.New(ledger.Budget{
		GlobalDailyUSD:   cfg.Budget.GlobalDailyUSD,
		GlobalMonthlyUSD: cfg.Budget.GlobalMonthlyUSD,
	}, reg).WithSink(st)
	cache := idempotency.New(idempotency.TTLPolicy{
		ConfidenceMet: time.Duration(cfg.Cache.ConfidenceMetTTLHours) * time.Hour,
		Fallback:      time.Duration(cfg.Cache.FallbackTTLHours) * time.Hour,
	}, st)

	orch := waterfall.NewOrchestrator(wfCfg, reg, clients, limiter, monitor, costs, cache)

	return &engineEnv{
		Store:        st,
		Registry:     reg,
		Clients:      clients,
		Limiter:      limiter,
		Monitor:      monitor,
		Ledger:       costs,
		Orchestrator: orch,
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "enrich.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func loadCatalog(ctx context.Context) ([]registry.ProviderConfig, error) {
	switch cfg.Catalog.Source {
	case "file", "":
		return registry.LoadCatalogYAML(cfg.Catalog.Path)
	case "xlsx":
		return registry.LoadCatalogXLSX(cfg.Catalog.Path)
	case "notion":
		if cfg.Notion.Token == "" || cfg.Notion.CatalogDB == "" {
			return nil, eris.New("notion catalog requires ENRICH_NOTION_TOKEN and ENRICH_NOTION_CATALOG_DB")
		}
		client := notion.NewClient(cfg.Notion.Token)
		return registry.LoadCatalogNotion(ctx, client, cfg.Notion.CatalogDB)
	default:
		return nil, eris.Errorf("unsupported catalog source: %s", cfg.Catalog.Source)
	}
}

// buildClients constructs one adapter per catalog entry based on its adapter
// kind. API keys in the catalog win over the global config so sidecar
// gateways can carry their own credentials.
func buildClients(catalog []registry.ProviderConfig) (provider.Clients, error) {
	clients := make(provider.Clients, len(catalog))
	for _, pc := range catalog {
		switch pc.Adapter {
		case "gateway":
			if pc.BaseURL == "" {
				return nil, eris.Errorf("provider %s: gateway adapter requires base_url", pc.ID)
			}
			clients[pc.ID] = provider.NewGateway(provider.GatewayOptions{
				Name:      pc.ID,
				BaseURL:   pc.BaseURL,
				APIKey:    pc.APIKey,
				KeyHeader: pc.KeyHeader,
			})
		case "claude":
			key := pc.APIKey
			if key == "" {
				key = cfg.Anthropic.Key
			}
			model := pc.Model
			if model == "" {
				model = cfg.Anthropic.HaikuModel
			}
			clients[pc.ID] = provider.NewClaude(pc.ID, key, model)
		case "perplexity":
			key := pc.APIKey
			if key == "" {
				key = cfg.Perplexity.Key
			}
			client := perplexity.NewClient(key,
				perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
				perplexity.WithModel(cfg.Perplexity.Model),
			)
			clients[pc.ID] = provider.NewPerplexity(pc.ID, client, cfg.Perplexity.PerQuery)
		case "static":
			clients[pc.ID] = provider.NewStatic(pc.ID, pc.CostPerCallUSD, nil)
		default:
			return nil, eris.Errorf("provider %s: unsupported adapter %q", pc.ID, pc.Adapter)
		}
	}
	return clients, nil
}
