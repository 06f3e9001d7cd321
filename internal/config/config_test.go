package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/tiercalc/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiercalc.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := domain.DefaultConfig()
	if cfg.Tier != domain.TierCommunity || cfg.Server.Port != want.Server.Port {
		t.Errorf("expected community defaults, got tier %s port %d", cfg.Tier, cfg.Server.Port)
	}
	if cfg.Repository.Driver != "sqlite" || cfg.Cache.Type != "memory" || cfg.EventBus.Type != "channel" {
		t.Errorf("unexpected components %+v", cfg)
	}
	if cfg.Cache.IdempotencyTTL != 24*time.Hour {
		t.Errorf("expected 24h idempotency ttl, got %s", cfg.Cache.IdempotencyTTL)
	}
	if cfg.Engine.PlanYearStart != time.January || !cfg.Engine.SeedPresets {
		t.Errorf("unexpected engine defaults %+v", cfg.Engine)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 45s
engine:
  tables_dir: ./tables
  plan_year_start: 4
cache:
  local_ttl: 90s
logging:
  format: text
`)

	t.Run("File", func(t *testing.T) {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 9090 || cfg.Engine.TablesDir != "./tables" {
			t.Errorf("file values not applied: %+v", cfg.Server)
		}
		if cfg.Engine.PlanYearStart != time.April {
			t.Errorf("expected April, got %s", cfg.Engine.PlanYearStart)
		}
		if cfg.Server.ReadTimeout != 45*time.Second || cfg.Server.WriteTimeout != 30*time.Second {
			t.Errorf("expected 45s/30s timeouts, got %s/%s", cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
		}
		if cfg.Cache.LocalTTL != 90*time.Second {
			t.Errorf("expected 90s, got %s", cfg.Cache.LocalTTL)
		}
		if cfg.Server.Host != "0.0.0.0" {
			t.Errorf("expected default host to survive, got %q", cfg.Server.Host)
		}
	})

	t.Run("EnvironmentWins", func(t *testing.T) {
		t.Setenv("TIERCALC_SERVER_PORT", "7070")
		t.Setenv("TIERCALC_REPOSITORY_POSTGRES_PASSWORD", "s3cret")
		t.Setenv("TIERCALC_DEBUG", "true")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 7070 {
			t.Errorf("expected env port 7070, got %d", cfg.Server.Port)
		}
		if cfg.Repository.PostgresPassword != "s3cret" {
			t.Error("expected password from environment")
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected debug level, got %q", cfg.Logging.Level)
		}
	})
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("TIERCALC_TIER", "PRO")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tier != domain.TierPro {
		t.Errorf("expected pro tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "postgres" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
		t.Errorf("expected pro components, got %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	}
	if !cfg.Cache.EnableTwoPhase {
		t.Error("expected two-phase cache in pro tier")
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"SecretInFile", "repository:\n  postgres_password: nope\n", "TIERCALC_REPOSITORY_POSTGRES_PASSWORD"},
		{"RedisSecretInFile", "cache:\n  redis_password: nope\n", "TIERCALC_CACHE_REDIS_PASSWORD"},
		{"BadPort", "server:\n  port: 70000\n", "server.port"},
		{"BadDriver", "repository:\n  driver: mysql\n", "repository.driver"},
		{"BadMonth", "engine:\n  plan_year_start: 13\n", "plan_year_start"},
		{"BadLevel", "logging:\n  level: loud\n", "logging.level"},
		{"BadTier", "tier: enterprise\n", "tier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(domain.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "table_id", "dosing")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(out, `"table_id":"dosing"`) {
		t.Errorf("expected JSON attributes, got %s", out)
	}

	buf.Reset()
	NewLogger(domain.LoggingConfig{Level: "debug", Format: "text"}, &buf).Debug("text line")
	if !strings.Contains(buf.String(), "msg=\"text line\"") {
		t.Errorf("expected text output, got %s", buf.String())
	}
}
