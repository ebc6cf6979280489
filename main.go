package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/relayplane/proxy/alerting"
	"github.com/relayplane/proxy/anomaly"
	"github.com/relayplane/proxy/auth"
	"github.com/relayplane/proxy/budget"
	"github.com/relayplane/proxy/cache"
	"github.com/relayplane/proxy/config"
	"github.com/relayplane/proxy/cooldown"
	"github.com/relayplane/proxy/downgrade"
	"github.com/relayplane/proxy/handler"
	"github.com/relayplane/proxy/logger"
	"github.com/relayplane/proxy/mesh"
	"github.com/relayplane/proxy/modelrouter"
	"github.com/relayplane/proxy/observability"
	"github.com/relayplane/proxy/pipeline"
	"github.com/relayplane/proxy/provider"
	"github.com/relayplane/proxy/redisclient"
	"github.com/relayplane/proxy/router"
	"github.com/relayplane/proxy/rpconfig"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("relayplane proxy starting")

	policy, err := rpconfig.Load(log)
	if err != nil {
		log.Warn().Err(err).Msg("policy config load degraded, using defaults")
	}

	dataDir, err := rpconfig.Dir()
	if err != nil {
		dataDir = os.TempDir()
	}

	// Initialize Redis — absence degrades mesh-sync to memory-only mode.
	var rc *redisclient.Client
	if cfg.RedisURL != "" {
		if client, err := redisclient.New(cfg); err != nil {
			log.Warn().Err(err).Msg("redis init failed — continuing without Redis")
		} else if err := client.Ping(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — continuing without Redis")
		} else {
			rc = client
			log.Info().Msg("redis connected")
		}
	}
	meshClient := mesh.New(rc)

	// Initialize provider registry
	registry := provider.NewRegistry()
	registerProviders(cfg, registry, log)

	// Initialize observability (Prometheus metrics)
	metrics := observability.NewMetrics(log)

	// --- Subsystems, wired from the persisted policy config ---
	cacheEngine, err := cache.NewEngine(log, cacheConfigFrom(policy.Cache, filepath.Join(dataDir, "cache")))
	if err != nil {
		log.Fatal().Err(err).Msg("cache engine init failed")
	}
	budgetMgr := budget.NewManager(log, budgetConfigFrom(policy.Budget, filepath.Join(dataDir, "budget.db")))
	anomalyDetector := anomaly.NewDetector(anomaly.DefaultConfig())
	alertMgr := alerting.NewManager(log, alerting.DefaultConfig())
	cooldownTracker := cooldown.NewTracker(cooldownConfigFrom(policy.Cooldown))
	downgradeCfg := downgradeConfigFrom(policy.Budget)
	routerCfg := routerConfigFrom(policy.Routing)

	pricing := provider.DefaultPricing()
	forwarder := handler.NewRegistryForwarder(registry, pricing)

	deps := &pipeline.Deps{
		Logger:    log,
		Cache:     cacheEngine,
		Budget:    budgetMgr,
		Anomaly:   anomalyDetector,
		Downgrade: downgradeCfg,
		Alerts:    alertMgr,
		Cooldown:  cooldownTracker,
		Router:    routerCfg,
		Forwarder: forwarder,
		Models:    registry,
		EnvLookup: auth.EnvLookup(os.LookupEnv),
	}

	ctrl := handler.NewControlHandler(log, cacheEngine, budgetMgr, anomalyDetector, alertMgr, meshClient)

	r := router.NewRouter(cfg, log, registry, deps, ctrl, metrics)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	healthPoller := provider.NewHealthPoller(registry, log, 30*time.Second)
	healthPoller.OnStatusChange(func(name string, healthy bool, status provider.HealthStatus) {
		if healthy {
			log.Info().Str("provider", name).Msg("provider recovered")
		} else {
			log.Error().Str("provider", name).Str("error", status.Error).Msg("provider degraded")
		}
	})
	healthPoller.Start()

	modelSyncer := provider.NewModelSyncer(registry, log, 5*time.Minute)
	modelSyncer.Start()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("proxy listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	healthPoller.Stop()
	modelSyncer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("proxy stopped gracefully")
	}

	if err := budgetMgr.Close(ctx); err != nil {
		log.Error().Err(err).Msg("budget manager close failed")
	}
}

func cacheConfigFrom(c rpconfig.CacheConfig, diskDir string) cache.Config {
	cfg := cache.DefaultConfig(diskDir)
	cfg.Enabled = c.Enabled
	if c.Mode == string(cache.ModeAggressive) {
		cfg.Mode = cache.ModeAggressive
	} else {
		cfg.Mode = cache.ModeExact
	}
	cfg.OnlyWhenDeterministic = c.OnlyWhenDeterministic
	if c.ExactTTLSeconds > 0 {
		cfg.ExactTTL = time.Duration(c.ExactTTLSeconds) * time.Second
	}
	if c.AggressiveTTLSeconds > 0 {
		cfg.AggressiveTTL = time.Duration(c.AggressiveTTLSeconds) * time.Second
	}
	if c.MaxMemoryBytes > 0 {
		cfg.MaxMemoryBytes = c.MaxMemoryBytes
	}
	if len(c.TaskTypeTTLSeconds) > 0 {
		cfg.TaskTypeTTLOverrides = make(map[string]time.Duration, len(c.TaskTypeTTLSeconds))
		for k, v := range c.TaskTypeTTLSeconds {
			cfg.TaskTypeTTLOverrides[k] = time.Duration(v) * time.Second
		}
	}
	return cfg
}

func budgetConfigFrom(b rpconfig.BudgetConfig, durablePath string) budget.Config {
	cfg := budget.DefaultConfig(durablePath)
	cfg.Enabled = b.Enabled
	cfg.DailyUSD = b.DailyUSD
	cfg.HourlyUSD = b.HourlyUSD
	cfg.OnBreach = budget.OnBreachAction(b.OnBreach)
	if cfg.OnBreach == "" {
		cfg.OnBreach = budget.ActionBlock
	}
	if len(b.ThresholdsPercent) > 0 {
		cfg.ThresholdsPercent = b.ThresholdsPercent
	}
	return cfg
}

func downgradeConfigFrom(b rpconfig.BudgetConfig) downgrade.Config {
	cfg := downgrade.DefaultConfig()
	if b.DowngradeThreshold > 0 {
		cfg.ThresholdPercent = b.DowngradeThreshold
	}
	if len(b.DowngradeMapping) > 0 {
		cfg.Mapping = b.DowngradeMapping
	}
	return cfg
}

func cooldownConfigFrom(c rpconfig.CooldownConfig) cooldown.Config {
	cfg := cooldown.DefaultConfig()
	if c.AllowedFails > 0 {
		cfg.AllowedFails = c.AllowedFails
	}
	if c.WindowSeconds > 0 {
		cfg.WindowSeconds = c.WindowSeconds
	}
	if c.CooldownSeconds > 0 {
		cfg.CooldownSeconds = c.CooldownSeconds
	}
	return cfg
}

func routerConfigFrom(c rpconfig.RoutingConfig) modelrouter.Config {
	cfg := modelrouter.DefaultConfig()
	if c.Mode != "" {
		cfg.Mode = modelrouter.Mode(c.Mode)
	}
	if len(c.Overrides) > 0 {
		cfg.Overrides = c.Overrides
	}
	if len(c.CascadeModels) > 0 {
		cfg.CascadeModels = c.CascadeModels
	}
	if c.MaxEscalations > 0 {
		cfg.MaxEscalations = c.MaxEscalations
	}
	cfg.Tiers = modelrouter.ComplexityTiers{
		Simple:   c.TierModels["simple"],
		Moderate: c.TierModels["moderate"],
		Complex:  c.TierModels["complex"],
	}
	return cfg
}

func registerProviders(cfg *config.Config, registry *provider.Registry, log zerolog.Logger) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		registry.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
			Name: "openai", APIKey: key, Timeout: cfg.ProviderTimeout("openai"),
		}))
		log.Info().Msg("registered openai provider")
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		registry.Register(provider.NewAnthropicProvider(provider.ProviderConfig{
			Name: "anthropic", APIKey: key, Timeout: cfg.ProviderTimeout("anthropic"),
		}))
		log.Info().Msg("registered anthropic provider")
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		registry.Register(provider.NewGeminiProvider(provider.ProviderConfig{
			Name: "google", APIKey: key, Timeout: cfg.ProviderTimeout("google"),
		}))
		log.Info().Msg("registered google gemini provider")
	}

	if key := os.Getenv("XAI_API_KEY"); key != "" {
		registry.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
			Name: "xai", APIKey: key, BaseURL: "https://api.x.ai/v1", Timeout: cfg.ProviderTimeout("xai"),
		}))
		log.Info().Msg("registered xai provider (openai-compatible)")
	}

	if key := os.Getenv("DEEPSEEK_API_KEY"); key != "" {
		registry.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
			Name: "deepseek", APIKey: key, BaseURL: "https://api.deepseek.com/v1", Timeout: cfg.ProviderTimeout("deepseek"),
		}))
		log.Info().Msg("registered deepseek provider (openai-compatible)")
	}

	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		registry.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
			Name: "openrouter", APIKey: key, BaseURL: "https://openrouter.ai/api/v1", Timeout: cfg.ProviderTimeout("openrouter"),
		}))
		log.Info().Msg("registered openrouter provider (openai-compatible)")
	}

	if key := os.Getenv("GROQ_API_KEY"); key != "" {
		registry.Register(provider.NewGroqProvider(provider.ProviderConfig{
			Name: "groq", APIKey: key, Timeout: cfg.ProviderTimeout("groq"),
		}))
		log.Info().Msg("registered groq provider")
	}

	if key := os.Getenv("MOONSHOT_API_KEY"); key != "" {
		registry.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
			Name: "moonshot", APIKey: key, BaseURL: "https://api.moonshot.cn/v1", Timeout: cfg.ProviderTimeout("moonshot"),
		}))
		log.Info().Msg("registered moonshot provider (openai-compatible)")
	}

	log.Info().Int("providers", len(registry.List())).Msg("provider registration complete")
}
