package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/tiercalc/internal/bus"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/loader"
	"github.com/opensource-finance/tiercalc/internal/repository"
	"github.com/opensource-finance/tiercalc/internal/rules"
)

// Table change actions published on TopicTableChanged.
const (
	ActionSaved    = "saved"
	ActionDeleted  = "deleted"
	ActionReloaded = "reloaded"
)

// LintResult holds the findings for one table of a lint request.
type LintResult struct {
	TableID  string          `json:"tableId"`
	Valid    bool            `json:"valid"`
	Findings []rules.Finding `json:"findings"`
}

// ListTables returns the tables loaded in the engine that the tenant can see.
func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	tables := h.engine.Tables(GetTenantID(r.Context()))

	writeJSON(w, http.StatusOK, map[string]any{
		"tables": tables,
		"count":  len(tables),
	})
}

// GetTable returns one table, the tenant's own version first.
func (h *Handler) GetTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	table, err := h.lookupTable(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

// CreateTables stores and loads the tables of a JSON or YAML document. Every
// table is validated before any is stored.
func (h *Handler) CreateTables(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: failed to read body: %v", domain.ErrInvalidInput, err))
		return
	}

	tables, err := loader.Parse(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	for _, table := range tables {
		table.TenantID = tenantID
		previous, err := h.lookupTable(ctx, tenantID, table.ID)
		if err != nil && !errors.Is(err, domain.ErrTableNotFound) {
			writeError(w, r, err)
			return
		}
		if err := h.saveTable(ctx, table, previous); err != nil {
			writeError(w, r, err)
			return
		}
	}

	slog.Info("tables saved", "tenant_id", tenantID, "count", len(tables))
	writeJSON(w, http.StatusCreated, map[string]any{
		"tables": tables,
		"count":  len(tables),
	})
}

// PatchTable applies an RFC 6902 JSON Patch to a table. Patching a global
// table stores the result as the tenant's own override.
func (h *Handler) PatchTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	current, err := h.lookupTable(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: failed to read body: %v", domain.ErrInvalidInput, err))
		return
	}

	patched, err := loader.ApplyPatch(current, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if patched.TenantID != tenantID {
		patched.TenantID = tenantID
		patched.CreatedAt = time.Time{}
	}

	if err := h.saveTable(ctx, patched, current); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("table patched", "tenant_id", tenantID, "table_id", patched.ID, "version", patched.Version)
	writeJSON(w, http.StatusOK, patched)
}

// DeleteTable removes a tenant's own table. Global tables are deleted through
// the global tenant.
func (h *Handler) DeleteTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	tableID := chi.URLParam(r, "id")

	stored := false
	if h.repo != nil {
		err := h.repo.DeleteTable(ctx, tenantID, tableID)
		switch {
		case err == nil:
			stored = true
		case !errors.Is(err, repository.ErrNotFound):
			writeError(w, r, err)
			return
		}
	}
	loaded := h.engine.RemoveTable(tenantID, tableID)

	if !stored && !loaded {
		writeError(w, r, fmt.Errorf("%w: %s", domain.ErrTableNotFound, tableID))
		return
	}

	h.publishTableChanged(ctx, tenantID, domain.TableChangedEvent{
		TableID: tableID,
		Action:  ActionDeleted,
	})

	slog.Info("table deleted", "tenant_id", tenantID, "table_id", tableID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "table deleted",
		"id":      tableID,
	})
}

// ReloadTables rebuilds the engine registry from the repository and asks
// every other node to do the same.
func (h *Handler) ReloadTables(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		unavailable(w, "repository")
		return
	}

	tables, err := h.repo.ListAllTables(ctx)
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to load tables from database: %w", err))
		return
	}

	if err := h.engine.ReloadTables(tables); err != nil {
		writeError(w, r, err)
		return
	}

	h.publishTableChanged(ctx, GetTenantID(ctx), domain.TableChangedEvent{Action: ActionReloaded})

	slog.Info("tables reloaded from database", "count", len(tables))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "tables reloaded successfully",
		"count":   h.engine.TablesCount(),
	})
}

// LintTables reports overlaps, gaps and validation errors of the tables in a
// JSON or YAML document without storing them.
func (h *Handler) LintTables(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: failed to read body: %v", domain.ErrInvalidInput, err))
		return
	}

	tables, err := loader.Decode(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	results := make([]LintResult, 0, len(tables))
	for _, table := range tables {
		findings := rules.Lint(table)
		valid := true
		for _, f := range findings {
			if f.Severity == domain.SeverityError {
				valid = false
			}
		}
		if findings == nil {
			findings = []rules.Finding{}
		}
		results = append(results, LintResult{TableID: table.ID, Valid: valid, Findings: findings})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
	})
}

// lookupTable finds the table a tenant sees: stored tables first, the tenant's
// own before the global one, then tables only loaded in the engine.
func (h *Handler) lookupTable(ctx context.Context, tenantID, tableID string) (*domain.RuleTable, error) {
	if h.repo != nil {
		owners := []string{tenantID}
		if tenantID != domain.GlobalTenantID {
			owners = append(owners, domain.GlobalTenantID)
		}
		for _, owner := range owners {
			table, err := h.repo.GetTable(ctx, owner, tableID)
			if err == nil {
				return table, nil
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return nil, err
			}
		}
	}

	if ct, ok := h.engine.Table(tenantID, tableID); ok {
		return ct.Table, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrTableNotFound, tableID)
}

// saveTable stores a compiled-valid table, swaps it into the engine and
// announces the change with the diff from previous.
func (h *Handler) saveTable(ctx context.Context, table, previous *domain.RuleTable) error {
	if h.repo != nil {
		if err := h.repo.SaveTable(ctx, table.TenantID, table); err != nil {
			return err
		}
	}

	if table.Enabled {
		if err := h.engine.LoadTable(table); err != nil {
			return err
		}
	} else {
		h.engine.RemoveTable(table.TenantID, table.ID)
	}

	event := domain.TableChangedEvent{
		TableID: table.ID,
		Version: table.Version,
		Action:  ActionSaved,
	}
	if previous != nil {
		changes, err := loader.Diff(previous, table)
		if err != nil {
			slog.Warn("failed to diff table", "table_id", table.ID, "error", err)
		} else {
			event.Changes = changes
		}
	}
	h.publishTableChanged(ctx, table.TenantID, event)
	return nil
}

func (h *Handler) publishTableChanged(ctx context.Context, tenantID string, event domain.TableChangedEvent) {
	if h.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicTableChanged, event); err != nil {
		slog.Error("failed to publish table change",
			"tenant_id", tenantID,
			"table_id", event.TableID,
			"error", err,
		)
	}
}
