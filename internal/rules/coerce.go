package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

// toDecimal coerces a raw attribute into a number. Numeric strings are
// accepted since form inputs and query parameters arrive as text.
func toDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case *decimal.Decimal:
		if v == nil {
			break
		}
		return *v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int8:
		return decimal.NewFromInt(int64(v)), nil
	case int16:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint:
		return decimal.NewFromUint64(uint64(v)), nil
	case uint8:
		return decimal.NewFromInt(int64(v)), nil
	case uint16:
		return decimal.NewFromInt(int64(v)), nil
	case uint32:
		return decimal.NewFromInt(int64(v)), nil
	case uint64:
		return decimal.NewFromUint64(v), nil
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			break
		}
		return decimal.NewFromFloat32(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			break
		}
		return decimal.NewFromFloat(v), nil
	case json.Number:
		d, err := decimal.NewFromString(string(v))
		if err == nil {
			return d, nil
		}
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			break
		}
		d, err := decimal.NewFromString(s)
		if err == nil {
			return d, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %v (%T) is not numeric", domain.ErrInvalidInput, raw, raw)
}

// toCategory coerces a raw attribute into a category key. Any scalar is
// accepted; collections are not.
func toCategory(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case json.Number:
		return v.String(), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	if d, err := toDecimal(raw); err == nil {
		return d.String(), nil
	}
	return "", fmt.Errorf("%w: %v (%T) is not a category", domain.ErrInvalidInput, raw, raw)
}

// celValue converts an attribute into a value CEL can compare. Numbers become
// doubles so expressions may use double literals throughout.
func celValue(raw any) any {
	switch v := raw.(type) {
	case nil:
		return nil
	case string, bool:
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = celValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = celValue(inner)
		}
		return out
	}
	if d, err := toDecimal(raw); err == nil {
		return d.InexactFloat64()
	}
	return fmt.Sprint(raw)
}

// celAttributes converts request attributes for CEL and JsonLogic activation.
func celAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = celValue(v)
	}
	return out
}
