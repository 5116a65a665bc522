package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"budget-guard/internal/logging"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Executor actions.
const (
	ActionDisableBilling  = "disable_billing"
	ActionDisableServices = "disable_services"
	ActionDryRun          = "dry_run"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Store      StoreConfig      `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Subscriber SubscriberConfig `mapstructure:"subscriber"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// PolicyConfig decides which notifications lead to a disable action.
type PolicyConfig struct {
	ActionThreshold   float64       `mapstructure:"action_threshold"`
	PendingStaleAfter time.Duration `mapstructure:"pending_stale_after"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	MaxMessageAge     time.Duration `mapstructure:"max_message_age"`
	AllowedAccounts   []string      `mapstructure:"allowed_accounts"`
}

// ExecutorConfig covers the control-plane action and its retry budget.
type ExecutorConfig struct {
	Action           string        `mapstructure:"action"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	Projects         []string      `mapstructure:"projects"`
	Services         []string      `mapstructure:"services"`
	Breaker          BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the circuit breaker guarding control-plane calls.
type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// StoreConfig selects the dedup store backend.
type StoreConfig struct {
	Backend   string          `mapstructure:"backend"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

// RedisConfig encapsulates Redis connectivity.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// FirestoreConfig encapsulates Firestore connectivity.
type FirestoreConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	Collection string `mapstructure:"collection"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// SubscriberConfig describes the Pub/Sub pull subscription.
type SubscriberConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
	NumGoroutines  int    `mapstructure:"num_goroutines"`
}

// ServerConfig describes the push endpoint.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	PushPath        string        `mapstructure:"push_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// AuditConfig routes audit records.
type AuditConfig struct {
	Persist     bool          `mapstructure:"persist"`
	ProjectID   string        `mapstructure:"project_id"`
	PubSubTopic string        `mapstructure:"pubsub_topic"`
	Retention   time.Duration `mapstructure:"retention"`
}

// AlertingConfig defines operator notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Outcomes []string       `mapstructure:"outcomes"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SweeperConfig governs the periodic record sweep.
type SweeperConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	ScanLimit       int           `mapstructure:"scan_limit"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BUDGETGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindProjectFallbacks(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// bindProjectFallbacks lets the GCP_PROJECT variable set by the function runtime provide
// the project ids when the prefixed variables are absent.
func bindProjectFallbacks(v *viper.Viper) error {
	for _, key := range []string{"subscriber.project_id", "store.firestore.project_id", "audit.project_id"} {
		envKey := "BUDGETGUARD_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, "GCP_PROJECT"); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "budgetguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("policy.action_threshold", 1.0)
	v.SetDefault("policy.pending_stale_after", "10m")
	v.SetDefault("policy.processing_timeout", "3m")
	v.SetDefault("policy.max_message_age", "0s")
	v.SetDefault("policy.allowed_accounts", []string{})

	v.SetDefault("executor.action", ActionDisableBilling)
	v.SetDefault("executor.retry_max_attempts", 5)
	v.SetDefault("executor.retry_base_delay", "1s")
	v.SetDefault("executor.retry_max_delay", "30s")
	v.SetDefault("executor.request_timeout", "10s")
	v.SetDefault("executor.breaker.max_requests", 1)
	v.SetDefault("executor.breaker.interval", "1m")
	v.SetDefault("executor.breaker.timeout", "30s")
	v.SetDefault("executor.breaker.min_requests", 5)
	v.SetDefault("executor.breaker.failure_ratio", 0.6)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.key_prefix", "budgetguard:disable:")
	v.SetDefault("store.firestore.collection", "budgetguard_disable_records")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("subscriber.max_outstanding", 64)
	v.SetDefault("subscriber.num_goroutines", 2)

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.push_path", "/pubsub/push")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("audit.persist", false)
	v.SetDefault("audit.retention", "2160h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.outcomes", []string{"disabled", "failed"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "5m")
	v.SetDefault("sweeper.advisory_lock_key", int64(0x62677264))
	v.SetDefault("sweeper.startup_delay", "0s")
	v.SetDefault("sweeper.scan_limit", 1000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Policy.ActionThreshold <= 0 || c.Policy.ActionThreshold > 1 {
		return fmt.Errorf("policy.action_threshold must be within (0, 1]")
	}
	if c.Policy.ProcessingTimeout <= 0 {
		return fmt.Errorf("policy.processing_timeout must be greater than zero")
	}
	if c.Policy.PendingStaleAfter <= c.Policy.ProcessingTimeout {
		return fmt.Errorf("policy.pending_stale_after must exceed policy.processing_timeout")
	}
	if c.Policy.MaxMessageAge < 0 {
		return fmt.Errorf("policy.max_message_age cannot be negative")
	}
	if c.Executor.RetryMaxAttempts < 1 {
		return fmt.Errorf("executor.retry_max_attempts must be at least 1")
	}
	if c.Executor.RetryBaseDelay <= 0 {
		return fmt.Errorf("executor.retry_base_delay must be greater than zero")
	}
	if c.Executor.RetryMaxDelay < c.Executor.RetryBaseDelay {
		return fmt.Errorf("executor.retry_max_delay cannot be below executor.retry_base_delay")
	}
	if worst := c.Executor.WorstCase(); c.Policy.ProcessingTimeout <= worst {
		return fmt.Errorf("policy.processing_timeout (%s) must exceed the executor worst case (%s)", c.Policy.ProcessingTimeout, worst)
	}
	switch c.Executor.Action {
	case ActionDisableBilling, ActionDryRun:
	case ActionDisableServices:
		if len(c.Executor.Projects) == 0 || len(c.Executor.Services) == 0 {
			return fmt.Errorf("executor.projects and executor.services are required for %s", ActionDisableServices)
		}
	default:
		return fmt.Errorf("executor.action %q is not supported", c.Executor.Action)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres store")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis store")
		}
	case BackendFirestore:
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("store.firestore.project_id is required for the firestore store")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	if c.Audit.Persist && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when audit.persist is enabled")
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// planeCallsPerAttempt is the state read, the disable call and the verification read.
const planeCallsPerAttempt = 3

// WorstCase is the longest the executor may run for one notification: every backoff
// sleep plus every plane call hitting the request timeout.
func (c ExecutorConfig) WorstCase() time.Duration {
	return c.RetryBudget() + time.Duration(c.RetryMaxAttempts*planeCallsPerAttempt)*c.RequestTimeout
}

// RetryBudget is the worst-case time the executor may spend sleeping between attempts.
func (c ExecutorConfig) RetryBudget() time.Duration {
	var total time.Duration
	delay := c.RetryBaseDelay
	for i := 1; i < c.RetryMaxAttempts; i++ {
		if delay > c.RetryMaxDelay {
			delay = c.RetryMaxDelay
		}
		total += delay
		delay *= 2
	}
	return total
}
