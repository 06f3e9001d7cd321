// Package loader reads rule tables from YAML or JSON files and patches stored
// tables with RFC 6902 JSON Patch documents.
//
// A file holds one table per YAML document, or a sequence of tables. Field
// names follow the JSON form of domain.RuleTable. Numeric literals keep their
// exact decimal text, so 0.1 in a file is 0.1 in the table.
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/rules"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Extensions are the file extensions LoadDir picks up.
var Extensions = []string{".yaml", ".yml", ".json"}

// Parse decodes every table in data and compiles each one.
func Parse(data []byte) ([]*domain.RuleTable, error) {
	return decode(data, true)
}

// Decode decodes every table in data without validating them, for linting.
func Decode(data []byte) ([]*domain.RuleTable, error) {
	return decode(data, false)
}

func decode(data []byte, compile bool) ([]*domain.RuleTable, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var tables []*domain.RuleTable
	for doc := 0; ; doc++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: document %d: %v", domain.ErrInvalidTable, doc, err)
		}

		value, err := toJSONValue(&node)
		if err != nil {
			return nil, fmt.Errorf("%w: document %d: %v", domain.ErrInvalidTable, doc, err)
		}

		var items []any
		switch v := value.(type) {
		case nil:
			continue
		case map[string]any:
			items = []any{v}
		case []any:
			items = v
		default:
			return nil, fmt.Errorf("%w: document %d: expected a table or a list of tables", domain.ErrInvalidTable, doc)
		}

		for i, item := range items {
			table, err := decodeTable(item, compile)
			if err != nil {
				return nil, fmt.Errorf("document %d, table %d: %w", doc, i, err)
			}
			tables = append(tables, table)
		}
	}
	return tables, nil
}

// LoadFile reads and parses one rule table file.
func LoadFile(path string) ([]*domain.RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tables, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tables, nil
}

// LoadDir loads every table file directly inside dir in name order. Table ids
// must be unique across the directory.
func LoadDir(dir string) ([]*domain.RuleTable, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !hasTableExtension(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	seen := make(map[string]string)
	var tables []*domain.RuleTable
	for _, path := range paths {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, t := range loaded {
			if prev, ok := seen[t.ID]; ok {
				return nil, fmt.Errorf("%w: table %s defined in both %s and %s", domain.ErrInvalidTable, t.ID, prev, path)
			}
			seen[t.ID] = path
		}
		tables = append(tables, loaded...)
	}
	return tables, nil
}

func hasTableExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func decodeTable(item any, compile bool) (*domain.RuleTable, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a mapping", domain.ErrInvalidTable)
	}
	// Tables in files are live unless they say otherwise.
	if _, ok := m["enabled"]; !ok {
		m["enabled"] = true
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTable, err)
	}
	table, err := unmarshalTable(data)
	if err != nil {
		return nil, err
	}
	if compile {
		if _, err := rules.Compile(table); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// unmarshalTable decodes strictly so misspelled fields are reported instead of
// silently ignored.
func unmarshalTable(data []byte) (*domain.RuleTable, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var table domain.RuleTable
	if err := dec.Decode(&table); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTable, err)
	}
	return &table, nil
}

// toJSONValue converts a YAML node into values encoding/json can marshal.
// Numbers become json.RawMessage holding their decimal text.
func toJSONValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case 0:
		return nil, nil

	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return toJSONValue(n.Content[0])

	case yaml.AliasNode:
		return toJSONValue(n.Alias)

	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i]
			if key.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", key.Line)
			}
			v, err := toJSONValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			m[key.Value] = v
		}
		return m, nil

	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := toJSONValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!int", "!!float":
			if d, err := decimal.NewFromString(n.Value); err == nil {
				return json.RawMessage(d.String()), nil
			}
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %v", n.Line, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("line %d: unsupported YAML node", n.Line)
}
