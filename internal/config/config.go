package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Refresh      RefreshConfig      `yaml:"refresh" mapstructure:"refresh"`
	Connectivity ConnectivityConfig `yaml:"connectivity" mapstructure:"connectivity"`
	Queue        QueueConfig        `yaml:"queue" mapstructure:"queue"`
	State        StateConfig        `yaml:"state" mapstructure:"state"`
	Metrics      MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
	Alerts       AlertsConfig       `yaml:"alerts" mapstructure:"alerts"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// RetryConfig overrides the per-domain retry defaults. A negative
// max_retries or jitter_fraction, or a zero delay, keeps the domain default.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelayMs    int           `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs     int           `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64       `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	Circuit        CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// CircuitConfig configures the per-service circuit breakers.
type CircuitConfig struct {
	Enabled          bool `yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int  `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RefreshConfig configures the OAuth refresh path for calendar credentials.
type RefreshConfig struct {
	ClientID     string   `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string   `yaml:"client_secret" mapstructure:"client_secret"`
	TokenURL     string   `yaml:"token_url" mapstructure:"token_url"`
	Scopes       []string `yaml:"scopes" mapstructure:"scopes"`
	MaxRetries   int      `yaml:"max_retries" mapstructure:"max_retries"`
}

// Enabled reports whether enough is configured to refresh tokens.
func (r RefreshConfig) Enabled() bool {
	return r.ClientID != "" && r.TokenURL != ""
}

// ConnectivityConfig configures the connectivity monitor.
type ConnectivityConfig struct {
	ProbeURL        string `yaml:"probe_url" mapstructure:"probe_url"`
	IntervalSecs    int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	TimeoutMs       int    `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	SlowThresholdMs int    `yaml:"slow_threshold_ms" mapstructure:"slow_threshold_ms"`
	DebounceMs      int    `yaml:"debounce_ms" mapstructure:"debounce_ms"`
}

// QueueConfig configures the offline queue.
type QueueConfig struct {
	MaxRetries      int     `yaml:"max_retries" mapstructure:"max_retries"`
	DrainRatePerSec float64 `yaml:"drain_rate_per_sec" mapstructure:"drain_rate_per_sec"`
	DrainBurst      int     `yaml:"drain_burst" mapstructure:"drain_burst"`
	DroppedHistory  int     `yaml:"dropped_history" mapstructure:"dropped_history"`
}

// StateConfig configures the preserved-state store.
type StateConfig struct {
	Backend           string `yaml:"backend" mapstructure:"backend"`
	TTLMinutes        int    `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
	SweepIntervalSecs int    `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	SQLitePath        string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	DatabaseURL       string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns          int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns          int32  `yaml:"min_conns" mapstructure:"min_conns"`
	RedisURL          string `yaml:"redis_url" mapstructure:"redis_url"`
	RedisPassword     string `yaml:"redis_password" mapstructure:"redis_password"`
	BadgerPath        string `yaml:"badger_path" mapstructure:"badger_path"`
	BadgerInMemory    bool   `yaml:"badger_in_memory" mapstructure:"badger_in_memory"`
}

// MetricsConfig configures the prometheus recorder.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// AlertsConfig configures the dropped-operation webhook.
type AlertsConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CALASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("retry.max_retries", -1)
	v.SetDefault("retry.base_delay_ms", 0)
	v.SetDefault("retry.max_delay_ms", 0)
	v.SetDefault("retry.multiplier", 0)
	v.SetDefault("retry.jitter_fraction", -1)
	v.SetDefault("retry.circuit.enabled", true)
	v.SetDefault("retry.circuit.failure_threshold", 5)
	v.SetDefault("retry.circuit.reset_timeout_secs", 60)
	v.SetDefault("refresh.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("refresh.scopes", []string{"https://www.googleapis.com/auth/calendar"})
	v.SetDefault("refresh.max_retries", 0)
	v.SetDefault("connectivity.probe_url", "https://www.googleapis.com/generate_204")
	v.SetDefault("connectivity.interval_secs", 30)
	v.SetDefault("connectivity.timeout_ms", 5000)
	v.SetDefault("connectivity.slow_threshold_ms", 1000)
	v.SetDefault("connectivity.debounce_ms", 2000)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.drain_rate_per_sec", 0)
	v.SetDefault("queue.drain_burst", 1)
	v.SetDefault("queue.dropped_history", 100)
	v.SetDefault("state.backend", "memory")
	v.SetDefault("state.ttl_minutes", 90)
	v.SetDefault("state.sweep_interval_secs", 300)
	v.SetDefault("state.sqlite_path", "calendar-assistant.db")
	v.SetDefault("state.badger_path", "data/state")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "calendar_assistant")
	v.SetDefault("alerts.timeout_secs", 10)

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

	return &cfg, nil
}

// Validate checks the fields the given command needs.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		errs = append(errs, c.validateConnectivity()...)
		errs = append(errs, c.validateState()...)
		if c.Queue.MaxRetries <= 0 {
			errs = append(errs, "queue.max_retries must be > 0")
		}
		if c.Queue.DrainRatePerSec < 0 {
			errs = append(errs, "queue.drain_rate_per_sec must be >= 0")
		}
	case "probe":
		errs = append(errs, c.validateConnectivity()...)
	case "state":
		errs = append(errs, c.validateState()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateConnectivity() []string {
	var errs []string
	if c.Connectivity.ProbeURL == "" {
		errs = append(errs, "connectivity.probe_url is required")
	}
	if c.Connectivity.IntervalSecs <= 0 {
		errs = append(errs, "connectivity.interval_secs must be > 0")
	}
	if c.Connectivity.TimeoutMs <= 0 {
		errs = append(errs, "connectivity.timeout_ms must be > 0")
	}
	return errs
}

func (c *Config) validateState() []string {
	var errs []string
	switch strings.ToLower(c.State.Backend) {
	case "", "memory", "badger":
	case "sqlite":
		if c.State.SQLitePath == "" {
			errs = append(errs, "state.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.State.DatabaseURL == "" {
			errs = append(errs, "state.database_url is required for the postgres backend")
		}
	case "redis":
		if c.State.RedisURL == "" {
			errs = append(errs, "state.redis_url is required for the redis backend")
		}
	default:
		errs = append(errs, "state.backend must be one of memory, sqlite, postgres, redis, badger")
	}
	if c.State.TTLMinutes <= 0 {
		errs = append(errs, "state.ttl_minutes must be > 0")
	}
	return errs
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
