// Package config loads AgentCom's configuration, following the
// teacher's pkg/common/config/config.go: viper-backed, environment
// override with a prefix, YAML file optional.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// RateLimitTier is one entry of the ratelimit.tiers map (§6.4).
type RateLimitTier struct {
	Capacity      int64 `mapstructure:"capacity"`
	RefillPerMin  int64 `mapstructure:"refill_per_min"`
}

// RateLimitConfig holds every ratelimit.* option from §6.4.
type RateLimitConfig struct {
	Tiers          map[string]RateLimitTier `mapstructure:"tiers"`
	BackoffCurveMs []int64                  `mapstructure:"backoff_curve_ms"`
	QuietResetMs   int64                    `mapstructure:"quiet_reset_ms"`
}

// FSMConfig holds every fsm.* option from §6.4.
type FSMConfig struct {
	TickMs             int64 `mapstructure:"tick_ms"`
	HealingWatchdogMs  int64 `mapstructure:"healing_watchdog_ms"`
	HealingCooldownMs  int64 `mapstructure:"healing_cooldown_ms"`
}

// SessionConfig holds session.* options from §6.4.
type SessionConfig struct {
	KeepaliveMs int64 `mapstructure:"keepalive_ms"`
}

// DatabaseConfig is the Postgres connection configuration for the
// DurableStore adapter, grounded on the teacher's DatabaseConfig.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// APIConfig is the admin HTTP surface configuration.
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// Config is AgentCom's complete configuration, covering every item in
// spec.md §6.4 plus the ambient stack's own settings.
type Config struct {
	Environment string `mapstructure:"environment"`

	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`

	AcceptanceTimeoutMs   int64 `mapstructure:"acceptance_timeout_ms"`
	OverdueSweepIntervalMs int64 `mapstructure:"overdue_sweep_interval_ms"`
	AssignmentTTLMs       int64 `mapstructure:"assignment_ttl_ms"`
	MaxRetriesDefault     int   `mapstructure:"max_retries_default"`
	QueueSoftCap          int   `mapstructure:"queue_soft_cap"`

	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	FSM       FSMConfig       `mapstructure:"fsm"`
	Session   SessionConfig   `mapstructure:"session"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	Tracing struct {
		Enabled         bool   `mapstructure:"enabled"`
		OTLPEndpoint    string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`

	Alerter struct {
		SQSQueueURL string `mapstructure:"sqs_queue_url"`
		RedisAddr   string `mapstructure:"redis_addr"`
	} `mapstructure:"alerter"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
}

// Load reads configuration from an optional YAML file plus
// AGENTCOM_-prefixed environment variables, following the teacher's
// Load() in pkg/common/config/config.go.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load() // best effort; absent .env is not an error

	v := viper.New()
	setDefaults(v)

	if configFile == "" {
		configFile = os.Getenv("AGENTCOM_CONFIG_FILE")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("AGENTCOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("acceptance_timeout_ms", 60_000)
	v.SetDefault("overdue_sweep_interval_ms", 30_000)
	v.SetDefault("assignment_ttl_ms", 600_000)
	v.SetDefault("max_retries_default", 3)
	v.SetDefault("queue_soft_cap", 100_000)

	v.SetDefault("ratelimit.tiers.light.capacity", 120)
	v.SetDefault("ratelimit.tiers.light.refill_per_min", 120)
	v.SetDefault("ratelimit.tiers.normal.capacity", 60)
	v.SetDefault("ratelimit.tiers.normal.refill_per_min", 60)
	v.SetDefault("ratelimit.tiers.heavy.capacity", 10)
	v.SetDefault("ratelimit.tiers.heavy.refill_per_min", 10)
	v.SetDefault("ratelimit.backoff_curve_ms", []int64{1000, 2000, 5000, 10000, 30000})
	v.SetDefault("ratelimit.quiet_reset_ms", 60_000)

	v.SetDefault("fsm.tick_ms", 5_000)
	v.SetDefault("fsm.healing_watchdog_ms", 300_000)
	v.SetDefault("fsm.healing_cooldown_ms", 900_000)

	v.SetDefault("session.keepalive_ms", 30_000)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", false)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}
