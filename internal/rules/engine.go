package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CompiledTable is a validated table with its safety rules compiled.
// Neither the table nor the safety set may be mutated once compiled.
type CompiledTable struct {
	Table  *domain.RuleTable
	Safety *SafetySet
}

// CalculateOptions overrides a table's defaults for one calculation.
type CalculateOptions struct {
	Order     []string
	Precision *int32
	Rounding  domain.RoundingMode
}

// Compile validates a table and compiles its safety rules.
func Compile(table *domain.RuleTable) (*CompiledTable, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	safety, err := CompileSafety(table.SafetyRules)
	if err != nil {
		return nil, err
	}
	return &CompiledTable{Table: table, Safety: safety}, nil
}

// MustCompile is Compile for built-in tables known to be valid.
func MustCompile(table *domain.RuleTable) *CompiledTable {
	ct, err := Compile(table)
	if err != nil {
		panic(err)
	}
	return ct
}

// Run computes, enforces safety and formats in one pass.
func (ct *CompiledTable) Run(req *domain.CalculationRequest, opts CalculateOptions) (*domain.CalculationResult, error) {
	order := opts.Order
	if len(order) == 0 {
		order = ct.Table.Order
	}
	precision := ct.Table.Precision
	if opts.Precision != nil {
		precision = *opts.Precision
	}
	rounding := ct.Table.Rounding
	if opts.Rounding != "" {
		if !opts.Rounding.Valid() {
			return nil, fmt.Errorf("%w: unknown rounding mode %q", domain.ErrInvalidInput, opts.Rounding)
		}
		rounding = opts.Rounding
	}

	result, err := Compute(req, ct.Table, order)
	if err != nil {
		return nil, err
	}
	return FormatWith(ct.Safety.Enforce(result), precision, rounding), nil
}

// registry is an immutable snapshot of loaded tables keyed by tenant and id.
type registry struct {
	tables map[string]*CompiledTable
}

func registryKey(tenantID, tableID string) string {
	return tenantID + "/" + tableID
}

// Engine holds the loaded rule tables. Reads never lock: every change builds
// a new snapshot and swaps it in atomically, so an in-flight calculation
// always sees one consistent table.
type Engine struct {
	current atomic.Pointer[registry]

	// writeMu serializes writers so concurrent loads are not lost.
	writeMu sync.Mutex
}

// NewEngine creates an engine with no tables.
func NewEngine() *Engine {
	e := &Engine{}
	e.current.Store(&registry{tables: make(map[string]*CompiledTable)})
	return e
}

// Validate compiles a table without loading it.
func (e *Engine) Validate(table *domain.RuleTable) error {
	_, err := Compile(table)
	return err
}

// LoadTable compiles a table and adds or replaces it.
func (e *Engine) LoadTable(table *domain.RuleTable) error {
	compiled, err := Compile(table)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	old := e.current.Load()
	next := make(map[string]*CompiledTable, len(old.tables)+1)
	for k, v := range old.tables {
		next[k] = v
	}
	next[registryKey(tenantOf(table), table.ID)] = compiled
	e.current.Store(&registry{tables: next})
	return nil
}

// RemoveTable unloads a table. It reports whether the table was loaded.
func (e *Engine) RemoveTable(tenantID, tableID string) bool {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	old := e.current.Load()
	key := registryKey(tenantID, tableID)
	if _, ok := old.tables[key]; !ok {
		return false
	}
	next := make(map[string]*CompiledTable, len(old.tables))
	for k, v := range old.tables {
		if k != key {
			next[k] = v
		}
	}
	e.current.Store(&registry{tables: next})
	return true
}

// ReloadTables replaces every loaded table at once. Disabled tables are
// skipped. If any table fails to compile the current snapshot is kept.
func (e *Engine) ReloadTables(tables []*domain.RuleTable) error {
	next := make(map[string]*CompiledTable, len(tables))
	for _, t := range tables {
		if !t.Enabled {
			continue
		}
		compiled, err := Compile(t)
		if err != nil {
			return err
		}
		next[registryKey(tenantOf(t), t.ID)] = compiled
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.current.Store(&registry{tables: next})
	return nil
}

// Table returns the table visible to a tenant: its own first, then global.
func (e *Engine) Table(tenantID, tableID string) (*CompiledTable, bool) {
	snapshot := e.current.Load()
	if ct, ok := snapshot.tables[registryKey(tenantID, tableID)]; ok {
		return ct, true
	}
	ct, ok := snapshot.tables[registryKey(domain.GlobalTenantID, tableID)]
	return ct, ok
}

// Tables lists the tables visible to a tenant sorted by id. A tenant table
// hides a global table with the same id.
func (e *Engine) Tables(tenantID string) []*domain.RuleTable {
	snapshot := e.current.Load()
	byID := make(map[string]*domain.RuleTable)
	for _, ct := range snapshot.tables {
		owner := tenantOf(ct.Table)
		if owner != domain.GlobalTenantID {
			continue
		}
		byID[ct.Table.ID] = ct.Table
	}
	for _, ct := range snapshot.tables {
		if tenantOf(ct.Table) == tenantID {
			byID[ct.Table.ID] = ct.Table
		}
	}

	out := make([]*domain.RuleTable, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TablesCount returns the number of loaded tables across tenants.
func (e *Engine) TablesCount() int {
	return len(e.current.Load().tables)
}

// Calculate runs a request against a loaded table.
func (e *Engine) Calculate(ctx context.Context, tenantID, tableID string, req *domain.CalculationRequest, opts CalculateOptions) (*domain.CalculationResult, *domain.RuleTable, error) {
	_, span := otel.Tracer("tiercalc/rules").Start(ctx, "rules.Calculate")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("table.id", tableID),
	)

	ct, ok := e.Table(tenantID, tableID)
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrTableNotFound, tableID)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	result, err := ct.Run(req, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, ct.Table, err
	}

	span.SetAttributes(
		attribute.Int("calculation.steps", len(result.AppliedAdjustments)),
		attribute.Int("calculation.alerts", len(result.Alerts)),
	)
	return result, ct.Table, nil
}

func tenantOf(t *domain.RuleTable) string {
	if t.TenantID == "" {
		return domain.GlobalTenantID
	}
	return t.TenantID
}
