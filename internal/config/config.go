package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/signal"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Signal     SignalConfig     `yaml:"signal" mapstructure:"signal"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Consensus  ConsensusConfig  `yaml:"consensus" mapstructure:"consensus"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL    string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns       int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns       int32  `yaml:"min_conns" mapstructure:"min_conns"`
	RetryAttempts  int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitialMs int    `yaml:"retry_initial_ms" mapstructure:"retry_initial_ms"`
	RetryMaxMs     int    `yaml:"retry_max_ms" mapstructure:"retry_max_ms"`
}

// RedisConfig configures the optional Redis ledger backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTLHours  int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// LedgerConfig configures the execution ledger.
type LedgerConfig struct {
	// Backend is "store" (records live with the SQL store) or "redis".
	Backend         string   `yaml:"backend" mapstructure:"backend"`
	AlwaysRecompute []string `yaml:"always_recompute" mapstructure:"always_recompute"`
}

// SignalConfig configures the signal aggregator.
type SignalConfig struct {
	Policy        string             `yaml:"policy" mapstructure:"policy"`
	ExpectedTotal float64            `yaml:"expected_total" mapstructure:"expected_total"`
	Weights       map[string]float64 `yaml:"weights" mapstructure:"weights"`
}

// PipelineConfig configures the step pipeline.
type PipelineConfig struct {
	PredictionScale     float64 `yaml:"prediction_scale" mapstructure:"prediction_scale"`
	EdgeDivisor         float64 `yaml:"edge_divisor" mapstructure:"edge_divisor"`
	EdgeWeight          float64 `yaml:"edge_weight" mapstructure:"edge_weight"`
	MaxFactorScore      float64 `yaml:"max_factor_score" mapstructure:"max_factor_score"`
	ProviderTimeoutSecs int     `yaml:"provider_timeout_secs" mapstructure:"provider_timeout_secs"`
	CacheTTLSecs        int     `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	MaxConcurrency      int     `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	Fixtures            string  `yaml:"fixtures" mapstructure:"fixtures"`
}

// ProviderTimeout returns the per-call provider deadline.
func (c PipelineConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSecs) * time.Second
}

// CacheTTL returns the provider lookup cache lifetime.
func (c PipelineConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSecs) * time.Second
}

// ConsensusConfig configures the consensus engine.
type ConsensusConfig struct {
	MinHistorySample    int               `yaml:"min_history_sample" mapstructure:"min_history_sample"`
	HistoryCacheTTLSecs int               `yaml:"history_cache_ttl_secs" mapstructure:"history_cache_ttl_secs"`
	MaxConcurrency      int               `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	Sources             []string          `yaml:"sources" mapstructure:"sources"`
	Aliases             map[string]string `yaml:"aliases" mapstructure:"aliases"`
}

// HistoryCacheTTL returns how long the engine's own track record is cached.
func (c ConsensusConfig) HistoryCacheTTL() time.Duration {
	return time.Duration(c.HistoryCacheTTLSecs) * time.Second
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// TemporalConfig configures the Temporal client and worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// MonitoringConfig configures background health checks and webhook alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleRunMinutes      int     `yaml:"stale_run_minutes" mapstructure:"stale_run_minutes"`
	// MinWinRate of 0 disables the consensus win-rate alert.
	MinWinRate           float64 `yaml:"min_win_rate" mapstructure:"min_win_rate"`
	MinResolvedSample    int     `yaml:"min_resolved_sample" mapstructure:"min_resolved_sample"`
}

// Enabled reports whether the background checker should run.
func (c MonitoringConfig) Enabled() bool {
	return c.WebhookURL != ""
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultWeights is the factor weight table used when none is configured.
var DefaultWeights = map[string]float64{
	"pace":       20,
	"efficiency": 25,
	"defense":    20,
	"rest":       10,
	"injuries":   15,
	"sentiment":  10,
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PICK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pick-engine.db")
	v.SetDefault("store.retry_attempts", 4)
	v.SetDefault("store.retry_initial_ms", 25)
	v.SetDefault("store.retry_max_ms", 1000)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "ledger")
	v.SetDefault("ledger.backend", "store")
	v.SetDefault("ledger.always_recompute", []string{})
	v.SetDefault("signal.policy", signal.PolicySigned)
	v.SetDefault("signal.expected_total", signal.DefaultExpectedTotal)
	v.SetDefault("pipeline.prediction_scale", 10.0)
	v.SetDefault("pipeline.edge_divisor", 10.0)
	v.SetDefault("pipeline.edge_weight", 1.0)
	v.SetDefault("pipeline.max_factor_score", 5.0)
	v.SetDefault("pipeline.provider_timeout_secs", 10)
	v.SetDefault("pipeline.cache_ttl_secs", 300)
	v.SetDefault("pipeline.max_concurrency", 4)
	v.SetDefault("pipeline.fixtures", "testdata/fixtures.yaml")
	v.SetDefault("consensus.min_history_sample", 10)
	v.SetDefault("consensus.history_cache_ttl_secs", 600)
	v.SetDefault("consensus.max_concurrency", 8)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "pick-engine")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.stale_run_minutes", 30)
	v.SetDefault("monitoring.min_resolved_sample", 20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// Weights are replaced as a whole, never merged key by key with defaults.
	if len(cfg.Signal.Weights) == 0 {
		cfg.Signal.Weights = make(map[string]float64, len(DefaultWeights))
		for k, w := range DefaultWeights {
			cfg.Signal.Weights[k] = w
		}
	}

	return &cfg, nil
}

// Validate checks the settings a command needs before it starts. mode is one
// of run, consensus, serve or worker.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "consensus", "serve", "worker":
	default:
		return fault.Validation("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch c.Ledger.Backend {
	case "store":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required when ledger.backend is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger.backend %q must be store or redis", c.Ledger.Backend))
	}

	known := make(map[string]bool, len(model.Steps))
	for _, s := range model.Steps {
		known[string(s)] = true
	}
	for _, s := range c.Ledger.AlwaysRecompute {
		if !known[s] {
			errs = append(errs, fmt.Sprintf("ledger.always_recompute: unknown step %q", s))
		}
	}

	if _, err := signal.NewPolicy(c.Signal.Policy); err != nil {
		errs = append(errs, fmt.Sprintf("signal.policy %q is not supported", c.Signal.Policy))
	}
	if err := signal.ValidateWeights(c.Signal.Weights, c.Signal.ExpectedTotal); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Pipeline.EdgeDivisor <= 0 {
		errs = append(errs, "pipeline.edge_divisor must be > 0")
	}
	if c.Pipeline.MaxFactorScore <= 0 {
		errs = append(errs, "pipeline.max_factor_score must be > 0")
	}
	if c.Pipeline.MaxConcurrency < 1 || c.Pipeline.MaxConcurrency > 64 {
		errs = append(errs, "pipeline.max_concurrency must be between 1 and 64")
	}
	if c.Consensus.MinHistorySample < 0 {
		errs = append(errs, "consensus.min_history_sample must be >= 0")
	}
	if c.Consensus.MaxConcurrency < 1 || c.Consensus.MaxConcurrency > 64 {
		errs = append(errs, "consensus.max_concurrency must be between 1 and 64")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.RateLimitRPS < 0 {
			errs = append(errs, "server.rate_limit_rps must be >= 0")
		}
		if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
			errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
		if c.Monitoring.MinWinRate < 0 || c.Monitoring.MinWinRate > 1 {
			errs = append(errs, "monitoring.min_win_rate must be between 0 and 1")
		}
	case "worker":
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required")
		}
	}

	if len(errs) > 0 {
		return fault.Validation("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
