package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pick-engine/internal/cache"
	"github.com/sells-group/pick-engine/internal/consensus"
	"github.com/sells-group/pick-engine/internal/ledger"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/pipeline"
	"github.com/sells-group/pick-engine/internal/provider"
	"github.com/sells-group/pick-engine/internal/resilience"
	"github.com/sells-group/pick-engine/internal/signal"
	"github.com/sells-group/pick-engine/internal/store"
)

const factorCacheEntries = 4096

// engineEnv holds the store, ledger, pipeline and consensus engine needed by
// the run/consensus/serve/worker commands.
type engineEnv struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Pipeline  *pipeline.Pipeline
	Consensus *consensus.Engine
	Fixtures  *provider.Fixtures
	Redis     *redis.Client // nil unless ledger.backend is redis
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStorage validates the config for mode and opens the store and ledger
// backend. Callers should defer env.Close().
func initStorage(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st}

	var records ledger.Store = st
	if cfg.Ledger.Backend == "redis" {
		rl, rdb, err := store.NewRedisLedger(ctx, store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.Redis.TTLHours) * time.Hour,
		})
		if err != nil {
			env.Close()
			return nil, err
		}
		records = rl
		env.Redis = rdb
		zap.L().Info("ledger records stored in redis", zap.String("addr", cfg.Redis.Addr))
	}

	env.Ledger = ledger.New(records,
		ledger.WithAlwaysRecompute(alwaysRecompute()...),
		ledger.WithRetry(resilience.FromSettings(cfg.Store.RetryAttempts, cfg.Store.RetryInitialMs, cfg.Store.RetryMaxMs)),
	)
	return env, nil
}

// initEnv opens storage, loads fixture providers and builds the pipeline and
// consensus engine. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*engineEnv, error) {
	env, err := initStorage(ctx, mode)
	if err != nil {
		return nil, err
	}
	st := env.Store

	policy, err := signal.NewPolicy(cfg.Signal.Policy)
	if err != nil {
		env.Close()
		return nil, err
	}

	fx, err := loadFixtures(mode)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Fixtures = fx

	var providers []pipeline.FactorProvider
	for _, fp := range fx.FactorSources() {
		providers = append(providers, fp)
	}

	env.Pipeline = pipeline.New(pipeline.Config{
		Weights:         cfg.Signal.Weights,
		PredictionScale: cfg.Pipeline.PredictionScale,
		EdgeDivisor:     cfg.Pipeline.EdgeDivisor,
		EdgeWeight:      cfg.Pipeline.EdgeWeight,
		MaxFactorScore:  cfg.Pipeline.MaxFactorScore,
		ProviderTimeout: cfg.Pipeline.ProviderTimeout(),
		MaxConcurrency:  cfg.Pipeline.MaxConcurrency,
	}, st, env.Ledger, policy, fx.SnapshotSource(), providers,
		pipeline.WithFactorCache(cache.New[[]model.FactorInput](cfg.Pipeline.CacheTTL(), cache.WithMaxEntries(factorCacheEntries))),
	)

	history := consensus.NewStoreHistory(st, cache.New[model.OutcomeStats](cfg.Consensus.HistoryCacheTTL()))
	env.Consensus = consensus.New(consensus.Config{
		MinHistorySample: cfg.Consensus.MinHistorySample,
		MaxConcurrency:   cfg.Consensus.MaxConcurrency,
		Sources:          cfg.Consensus.Sources,
		Aliases:          cfg.Consensus.Aliases,
	}, history)

	zap.L().Info("engine ready",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.String("ledger", cfg.Ledger.Backend),
		zap.String("policy", policy.Name()),
		zap.Int("factor_providers", len(providers)),
	)
	return env, nil
}

// loadFixtures reads the configured fixture file. Consensus-only commands run
// without one.
func loadFixtures(mode string) (*provider.Fixtures, error) {
	fx, err := provider.Load(cfg.Pipeline.Fixtures)
	if err == nil {
		return fx, nil
	}
	if mode == "consensus" {
		zap.L().Debug("no fixture providers loaded", zap.Error(err))
		return &provider.Fixtures{}, nil
	}
	return nil, eris.Wrap(err, "load fixture providers")
}

func alwaysRecompute() []model.StepName {
	steps := make([]model.StepName, 0, len(cfg.Ledger.AlwaysRecompute))
	for _, s := range cfg.Ledger.AlwaysRecompute {
		steps = append(steps, model.StepName(s))
	}
	return steps
}
