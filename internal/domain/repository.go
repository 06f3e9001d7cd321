// Package domain defines the core interfaces and types for tiercalc.
package domain

import (
	"context"
	"time"
)

// GlobalTenantID owns tables visible to every tenant.
const GlobalTenantID = "*"

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Rule table operations
	SaveTable(ctx context.Context, tenantID string, table *RuleTable) error
	GetTable(ctx context.Context, tenantID string, tableID string) (*RuleTable, error)
	ListTables(ctx context.Context, tenantID string) ([]*RuleTable, error)
	DeleteTable(ctx context.Context, tenantID string, tableID string) error

	// ListAllTables returns the enabled tables of every tenant, used to rebuild
	// the engine registry.
	ListAllTables(ctx context.Context) ([]*RuleTable, error)

	// Calculation audit records
	SaveCalculation(ctx context.Context, tenantID string, calc *Calculation) error
	GetCalculation(ctx context.Context, tenantID string, calcID string) (*Calculation, error)
	ListCalculationsBySubject(ctx context.Context, tenantID string, subjectID string, since time.Time) ([]*Calculation, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
