package domain

import "time"

// Tier selects the infrastructure a deployment runs on.
type Tier string

const (
	// TierCommunity runs on one node: SQLite, in-process cache and channels.
	TierCommunity Tier = "community"

	// TierPro runs on many nodes sharing PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// Config is the complete tiercalc configuration. Component sections carry
// credentials and are never serialized.
type Config struct {
	Tier    Tier          `mapstructure:"tier" json:"tier"`
	Server  ServerConfig  `mapstructure:"server" json:"server"`
	Engine  EngineConfig  `mapstructure:"engine" json:"engine"`
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`

	Repository RepositoryConfig `mapstructure:"repository" json:"-"`
	Cache      CacheConfig      `mapstructure:"cache" json:"-"`
	EventBus   EventBusConfig   `mapstructure:"eventbus" json:"-"`
}

// ServerConfig is the HTTP listener. Zero timeouts mean none.
type ServerConfig struct {
	Host         string        `mapstructure:"host" json:"host"`
	Port         int           `mapstructure:"port" json:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"writeTimeout"`
}

// EngineConfig controls where rule tables come from and how async work and
// usage totals behave.
type EngineConfig struct {
	// TablesDir holds YAML or JSON rule table files stored at startup.
	// Empty disables loading.
	TablesDir string `mapstructure:"tables_dir" json:"tablesDir"`

	// SeedPresets stores the built-in calculator tables (dosing, premium,
	// copay, tax) as global tables when they are missing.
	SeedPresets bool `mapstructure:"seed_presets" json:"seedPresets"`

	AsyncWorkers int `mapstructure:"async_workers" json:"asyncWorkers"`

	// PlanYearStart is the month (1-12) on which out-of-pocket totals reset.
	PlanYearStart time.Month `mapstructure:"plan_year_start" json:"planYearStart"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// DefaultConfig is the single-node community setup.
func DefaultConfig() *Config {
	return &Config{
		Tier: TierCommunity,
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			SeedPresets:   true,
			AsyncWorkers:  4,
			PlanYearStart: time.January,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./tiercalc.db",
		},
		Cache: CacheConfig{
			Type:           "memory",
			LocalMaxSize:   10000,
			LocalTTL:       5 * time.Minute,
			IdempotencyTTL: 24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
	}
}

// ProConfig starts from DefaultConfig and points every component at shared
// infrastructure on localhost.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "tiercalc",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		IdempotencyTTL: 24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5 * time.Second,
	}
	return cfg
}
