package bootstrap

import (
	"fmt"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/blacklist"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/cache"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/circuitbreaker"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/config"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/database"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/discovery"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/eventbus"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/httpx"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/metrics"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/pipeline"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/retry"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/traffic"
)

const similarwebProvider = "similarweb"

// SetupOrchestrator wires both pipeline stages, the event bus and the rate
// limiters into an Orchestrator.
func SetupOrchestrator(
	cfg *config.Config,
	store database.Store,
	trafficCache cache.Cache,
	m *metrics.Metrics,
	log logger.Logger,
) (*pipeline.Orchestrator, error) {
	filter, err := blacklist.Load(cfg.Pipeline.BlacklistPath, log)
	if err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}

	scope, err := ratelimit.ParseScope(cfg.Pipeline.RateLimitScope)
	if err != nil {
		return nil, fmt.Errorf("rate limit scope: %w", err)
	}
	policy, err := pipeline.ParseDuplicatePolicy(cfg.Pipeline.DuplicatePolicy)
	if err != nil {
		return nil, fmt.Errorf("duplicate policy: %w", err)
	}

	discoverer := setupDiscoverer(cfg, filter, log)
	enricher := setupEnricher(cfg, filter, trafficCache, m, log)

	bus := eventbus.New(
		eventbus.WithSubscriberBuffer(cfg.Pipeline.EventBuffer),
		eventbus.WithDropHook(m.EventDropped),
		eventbus.WithLogger(log),
	)
	limiters := ratelimit.NewRegistry(scope, log, m.RateLimitWait)

	orch := pipeline.New(discoverer, enricher, limiters, store, bus, pipeline.Config{
		Defaults:        cfg.Pipeline.RunDefaults(),
		DuplicatePolicy: policy,
		HistoryLimit:    cfg.Pipeline.HistoryLimit,
		LogHistoryLimit: cfg.Pipeline.LogHistoryLimit,
	}, log, pipeline.WithRecorder(m))

	log.Info("Pipeline initialized",
		logger.String("rate_limit_scope", string(scope)),
		logger.String("duplicate_policy", string(policy)),
		logger.Bool("html_fallback", cfg.Pipeline.RunDefaults().HTMLFallbackEnabled),
	)
	return orch, nil
}

func setupDiscoverer(cfg *config.Config, filter *blacklist.Filter, log logger.Logger) *discovery.Discoverer {
	ad := cfg.Providers.AdDiscovery
	client := discovery.NewClient(discovery.ClientConfig{
		BaseURL:     ad.BaseURL,
		Token:       ad.Token,
		ActorID:     ad.Actor,
		MemoryMB:    ad.MemoryMB,
		ProxyGroups: ad.ProxyGroups,
	}, httpx.NewClient(&httpx.ClientConfig{Timeout: ad.RequestTimeout}))

	return discovery.NewDiscoverer(client, filter, discovery.Config{
		PageSize: ad.PageSize,
		Retry:    retry.DefaultConfig(),
	}, log)
}

func setupEnricher(
	cfg *config.Config,
	filter *blacklist.Filter,
	trafficCache cache.Cache,
	m *metrics.Metrics,
	log logger.Logger,
) *traffic.Engine {
	tc := cfg.Providers.Traffic
	httpClient := httpx.NewClient(&httpx.ClientConfig{Timeout: tc.RequestTimeout})

	breaker := tc.Breaker
	breaker.OnStateChange = func(from, to circuitbreaker.State) {
		log.Warn("Traffic provider circuit changed state",
			logger.String("provider", similarwebProvider),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
		m.BreakerState(similarwebProvider, int(to))
	}

	primary := traffic.NewSimilarwebClient(traffic.SimilarwebConfig{
		LookupURL:   tc.LookupURL,
		ProxyURL:    tc.ProxyURL,
		ProxyAPIKey: tc.ProxyAPIKey,
		Breaker:     breaker,
	}, httpClient)
	fallback := traffic.NewHTMLScraper(tc.ProfileURL, httpClient)

	return traffic.NewEngine(primary, fallback, trafficCache, filter, traffic.Config{}, log, traffic.WithRecorder(m))
}
