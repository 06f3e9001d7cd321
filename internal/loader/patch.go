package loader

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/rules"
)

// ApplyPatch applies an RFC 6902 patch to a table and returns the patched copy.
// The id, tenant and timestamps cannot be patched. The result is compiled
// before it is returned.
func ApplyPatch(table *domain.RuleTable, patchData []byte) (*domain.RuleTable, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: table is required", domain.ErrInvalidTable)
	}

	original, err := json.Marshal(table)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.DecodePatch(patchData)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode patch: %v", domain.ErrInvalidInput, err)
	}

	modified, err := patch.Apply(original)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to apply patch: %v", domain.ErrInvalidInput, err)
	}

	updated, err := unmarshalTable(modified)
	if err != nil {
		return nil, err
	}
	if updated.ID != table.ID {
		return nil, fmt.Errorf("%w: table id cannot be patched", domain.ErrInvalidInput)
	}
	updated.TenantID = table.TenantID
	updated.CreatedAt = table.CreatedAt
	updated.UpdatedAt = table.UpdatedAt

	if _, err := rules.Compile(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Diff returns the RFC 7386 merge patch that turns before into after.
func Diff(before, after *domain.RuleTable) ([]byte, error) {
	a, err := json.Marshal(before)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(a, b)
}
