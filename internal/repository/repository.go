// Package repository persists rule tables and the calculation audit trail in
// SQLite or PostgreSQL. Statements live in queries/*.sql as named queries.
package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/qustavo/dotsql"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

//go:embed queries/*.sql
var queriesFS embed.FS

// migrations are applied in order on every start; each is idempotent.
var migrations = []string{
	"create-rule-tables",
	"index-rule-tables-enabled",
	"create-calculations",
	"index-calculations-subject",
	"index-calculations-status",
}

// SQLRepository implements domain.Repository on sqlx. The same named queries
// serve both drivers; placeholders are rebound per driver.
type SQLRepository struct {
	db      *sqlx.DB
	queries *dotsql.DotSql
}

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sqlx.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != memoryPath {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	queries, err := loadQueries()
	if err != nil {
		db.Close()
		return nil, err
	}

	repo := &SQLRepository{db: db, queries: queries}
	if err := repo.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

// loadQueries parses every embedded .sql file into one named query set.
func loadQueries() (*dotsql.DotSql, error) {
	var combined strings.Builder
	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return err
		}
		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		combined.Write(content)
		combined.WriteString("\n")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combined.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}
	return dot, nil
}

// query returns a named query with placeholders rebound for the driver.
func (r *SQLRepository) query(name string) (string, error) {
	q, err := r.queries.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query not found: %s", name)
	}
	return r.db.Rebind(q), nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, name := range migrations {
		q, err := r.query(name)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// tableRow is the stored form of a rule table. Rules, order and safety rules
// are JSON documents.
type tableRow struct {
	ID          string         `db:"id"`
	TenantID    string         `db:"tenant_id"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"description"`
	Version     string         `db:"version"`
	Kind        sql.NullString `db:"kind"`
	Rules       string         `db:"rules"`
	Order       string         `db:"step_order"`
	SafetyRules string         `db:"safety_rules"`
	Precision   int32          `db:"decimal_places"`
	Rounding    sql.NullString `db:"rounding"`
	Enabled     int            `db:"enabled"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func newTableRow(tenantID string, t *domain.RuleTable) (*tableRow, error) {
	rules, err := json.Marshal(t.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rules: %w", err)
	}
	order, err := json.Marshal(t.Order)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}
	safety, err := json.Marshal(t.SafetyRules)
	if err != nil {
		return nil, fmt.Errorf("failed to encode safety rules: %w", err)
	}

	row := &tableRow{
		ID:          t.ID,
		TenantID:    tenantID,
		Name:        t.Name,
		Description: sql.NullString{String: t.Description, Valid: true},
		Version:     t.Version,
		Kind:        sql.NullString{String: t.Kind, Valid: true},
		Rules:       string(rules),
		Order:       string(order),
		SafetyRules: string(safety),
		Precision:   t.Precision,
		Rounding:    sql.NullString{String: string(t.Rounding), Valid: true},
		CreatedAt:   t.CreatedAt,
	}
	if t.Enabled {
		row.Enabled = 1
	}
	return row, nil
}

func (row *tableRow) table() (*domain.RuleTable, error) {
	t := &domain.RuleTable{
		ID:          row.ID,
		TenantID:    row.TenantID,
		Name:        row.Name,
		Description: row.Description.String,
		Version:     row.Version,
		Kind:        row.Kind.String,
		Precision:   row.Precision,
		Rounding:    domain.RoundingMode(row.Rounding.String),
		Enabled:     row.Enabled == 1,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Rules), &t.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules of table %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Order), &t.Order); err != nil {
		return nil, fmt.Errorf("failed to parse order of table %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(row.SafetyRules), &t.SafetyRules); err != nil {
		return nil, fmt.Errorf("failed to parse safety rules of table %s: %w", t.ID, err)
	}
	return t, nil
}

// SaveTable inserts or replaces a rule table with tenant isolation. The table
// is updated with its owner and timestamps.
func (r *SQLRepository) SaveTable(ctx context.Context, tenantID string, table *domain.RuleTable) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if table == nil || table.ID == "" {
		return fmt.Errorf("%w: table id is required", ErrInvalidInput)
	}

	row, err := newTableRow(tenantID, table)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	q, err := r.queries.Raw("upsert-table")
	if err != nil {
		return fmt.Errorf("query not found: upsert-table")
	}
	if _, err := r.db.NamedExecContext(ctx, q, row); err != nil {
		return err
	}

	table.TenantID = tenantID
	table.CreatedAt = row.CreatedAt
	table.UpdatedAt = now
	return nil
}

// GetTable retrieves an enabled rule table with tenant isolation.
func (r *SQLRepository) GetTable(ctx context.Context, tenantID string, tableID string) (*domain.RuleTable, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	q, err := r.query("get-table")
	if err != nil {
		return nil, err
	}

	var row tableRow
	err = r.db.GetContext(ctx, &row, q, tenantID, tableID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.table()
}

// ListTables retrieves all enabled rule tables of a tenant.
func (r *SQLRepository) ListTables(ctx context.Context, tenantID string) ([]*domain.RuleTable, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return r.selectTables(ctx, "list-tables", tenantID)
}

// ListAllTables retrieves the enabled rule tables of every tenant.
func (r *SQLRepository) ListAllTables(ctx context.Context) ([]*domain.RuleTable, error) {
	return r.selectTables(ctx, "list-all-tables")
}

func (r *SQLRepository) selectTables(ctx context.Context, name string, args ...any) ([]*domain.RuleTable, error) {
	q, err := r.query(name)
	if err != nil {
		return nil, err
	}

	var rows []tableRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}

	tables := make([]*domain.RuleTable, 0, len(rows))
	for i := range rows {
		t, err := rows[i].table()
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// DeleteTable soft-deletes a rule table; it stays in the database disabled.
func (r *SQLRepository) DeleteTable(ctx context.Context, tenantID string, tableID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	q, err := r.query("disable-table")
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, q, time.Now().UTC(), tenantID, tableID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// calculationRow is the stored form of an audit record.
type calculationRow struct {
	ID           string         `db:"id"`
	TenantID     string         `db:"tenant_id"`
	TableID      string         `db:"table_id"`
	TableVersion string         `db:"table_version"`
	Kind         sql.NullString `db:"kind"`
	SubjectID    sql.NullString `db:"subject_id"`
	Amount       string         `db:"amount"`
	Status       string         `db:"status"`
	Request      string         `db:"request"`
	Result       string         `db:"result"`
	Decision     string         `db:"decision"`
	Metadata     string         `db:"metadata"`
	CreatedAt    time.Time      `db:"created_at"`
}

func newCalculationRow(tenantID string, c *domain.Calculation) (*calculationRow, error) {
	row := &calculationRow{
		ID:           c.ID,
		TenantID:     tenantID,
		TableID:      c.TableID,
		TableVersion: c.TableVersion,
		Kind:         sql.NullString{String: c.Kind, Valid: true},
		SubjectID:    sql.NullString{String: c.SubjectID, Valid: true},
		Amount:       c.Amount.String(),
		CreatedAt:    c.CreatedAt,
	}
	if c.Decision != nil {
		row.Status = c.Decision.Status
	}

	docs := []struct {
		dst  *string
		src  any
		name string
	}{
		{&row.Request, c.Request, "request"},
		{&row.Result, c.Result, "result"},
		{&row.Decision, c.Decision, "decision"},
		{&row.Metadata, c.Metadata, "metadata"},
	}
	for _, d := range docs {
		data, err := json.Marshal(d.src)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", d.name, err)
		}
		*d.dst = string(data)
	}
	return row, nil
}

func (row *calculationRow) calculation() (*domain.Calculation, error) {
	c := &domain.Calculation{
		ID:           row.ID,
		TenantID:     row.TenantID,
		TableID:      row.TableID,
		TableVersion: row.TableVersion,
		Kind:         row.Kind.String,
		SubjectID:    row.SubjectID.String,
		CreatedAt:    row.CreatedAt,
	}

	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount of calculation %s: %w", c.ID, err)
	}
	c.Amount = amount

	if err := json.Unmarshal([]byte(row.Request), &c.Request); err != nil {
		return nil, fmt.Errorf("failed to parse request of calculation %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Result), &c.Result); err != nil {
		return nil, fmt.Errorf("failed to parse result of calculation %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Decision), &c.Decision); err != nil {
		return nil, fmt.Errorf("failed to parse decision of calculation %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Metadata), &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata of calculation %s: %w", c.ID, err)
	}
	return c, nil
}

// SaveCalculation stores a calculation with tenant isolation.
func (r *SQLRepository) SaveCalculation(ctx context.Context, tenantID string, calc *domain.Calculation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if calc == nil || calc.ID == "" {
		return fmt.Errorf("%w: calculation id is required", ErrInvalidInput)
	}

	row, err := newCalculationRow(tenantID, calc)
	if err != nil {
		return err
	}
	q, err := r.queries.Raw("insert-calculation")
	if err != nil {
		return fmt.Errorf("query not found: insert-calculation")
	}
	_, err = r.db.NamedExecContext(ctx, q, row)
	return err
}

// GetCalculation retrieves a calculation by ID with tenant isolation.
func (r *SQLRepository) GetCalculation(ctx context.Context, tenantID string, calcID string) (*domain.Calculation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	q, err := r.query("get-calculation")
	if err != nil {
		return nil, err
	}

	var row calculationRow
	err = r.db.GetContext(ctx, &row, q, tenantID, calcID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.calculation()
}

// ListCalculationsBySubject retrieves a subject's calculations since a point
// in time, newest first.
func (r *SQLRepository) ListCalculationsBySubject(ctx context.Context, tenantID string, subjectID string, since time.Time) ([]*domain.Calculation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	q, err := r.query("list-calculations-by-subject")
	if err != nil {
		return nil, err
	}

	var rows []calculationRow
	if err := r.db.SelectContext(ctx, &rows, q, tenantID, subjectID, since.UTC()); err != nil {
		return nil, err
	}

	calcs := make([]*domain.Calculation, 0, len(rows))
	for i := range rows {
		c, err := rows[i].calculation()
		if err != nil {
			return nil, err
		}
		calcs = append(calcs, c)
	}
	return calcs, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}
