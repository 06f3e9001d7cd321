// Package config loads domain.Config with viper.
//
// Precedence is flags > environment (TIERCALC_*) > config file > tier
// defaults. Secrets are environment-only.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. TIERCALC_SERVER_PORT.
const EnvPrefix = "TIERCALC"

// secretKeys may only come from the environment.
var secretKeys = []string{
	"repository.postgres_password",
	"cache.redis_password",
	"eventbus.nats_token",
}

// New prepares a viper instance with the config file (optional), the
// environment and the defaults of the selected tier. Callers may bind flags
// before calling Decode.
func New(path string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for _, key := range secretKeys {
		if v.InConfig(key) {
			return nil, fmt.Errorf("%s not allowed in config files (use %s environment variable)", key, envName(key))
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, "", reflect.ValueOf(base).Elem())
	v.SetDefault("debug", false)

	return v, nil
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*domain.Config, error) {
	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Tier = domain.Tier(strings.ToLower(string(cfg.Tier)))
	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is New followed by Decode.
func Load(path string) (*domain.Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// setDefaults registers every mapstructure field of rv as a default. Viper
// only overlays environment variables on keys it knows about.
func setDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func validateConfig(cfg *domain.Config) error {
	if cfg.Tier != domain.TierCommunity && cfg.Tier != domain.TierPro {
		return fmt.Errorf("tier must be community or pro, got %q", cfg.Tier)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("repository.driver must be sqlite or postgres, got %q", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.type must be memory or redis, got %q", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("eventbus.type must be channel or nats, got %q", cfg.EventBus.Type)
	}
	if cfg.Engine.PlanYearStart < time.January || cfg.Engine.PlanYearStart > time.December {
		return fmt.Errorf("engine.plan_year_start must be between 1 and 12, got %d", cfg.Engine.PlanYearStart)
	}
	if cfg.Engine.AsyncWorkers < 0 {
		return fmt.Errorf("engine.async_workers must not be negative, got %d", cfg.Engine.AsyncWorkers)
	}
	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	return nil
}
