package domain

import (
	"fmt"
	"sort"
	"strings"
)

// FieldType is the declared type of a model field.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInt       FieldType = "int"
	FieldFloat     FieldType = "float"
	FieldBool      FieldType = "bool"
	FieldTimestamp FieldType = "timestamp"
)

// RowHashColumn is the content-hash column attached to every staged record.
const RowHashColumn = "etl_row_hash"

// ETL bookkeeping columns present on target tables only.
const (
	CreatedAtColumn = "etl_created_at"
	UpdatedAtColumn = "etl_updated_at"
)

// FieldSpec declares one column of a data model: its type, the alias path
// that locates it in the JSON tree, and its constraints.
type FieldSpec struct {
	Name       string    `yaml:"name"`
	Type       FieldType `yaml:"type"`
	Alias      string    `yaml:"alias"`
	PrimaryKey bool      `yaml:"primary_key"`
	Nullable   bool      `yaml:"nullable"`
	MaxLength  int       `yaml:"max_length"`
}

// HasWildcard reports whether the alias iterates over an array.
func (f *FieldSpec) HasWildcard() bool {
	return strings.Contains(f.Alias, "[*]")
}

// DataModel is the relational shape one table extracts from the JSON tree.
// Fields are kept sorted by name; that order is also the canonical key order
// for row hashing.
type DataModel struct {
	Name   string       `yaml:"name"`
	Fields []*FieldSpec `yaml:"fields"`
}

// Validate checks the model declaration and normalizes field order.
func (m *DataModel) Validate() error {
	if m == nil || m.Name == "" {
		return fmt.Errorf("model: name is required")
	}
	if len(m.Fields) == 0 {
		return fmt.Errorf("model %q: at least one field is required", m.Name)
	}
	seen := make(map[string]bool, len(m.Fields))
	hasPK := false
	for _, f := range m.Fields {
		if f.Name == "" {
			return fmt.Errorf("model %q: field name is required", m.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("model %q: duplicate field %q", m.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Alias == "" {
			return fmt.Errorf("model %q field %q: alias is required", m.Name, f.Name)
		}
		if !strings.HasPrefix(f.Alias, "root") {
			return fmt.Errorf("model %q field %q: alias must start at root", m.Name, f.Name)
		}
		switch f.Type {
		case FieldString, FieldInt, FieldFloat, FieldBool, FieldTimestamp:
		default:
			return fmt.Errorf("model %q field %q: unknown type %q", m.Name, f.Name, f.Type)
		}
		if f.PrimaryKey {
			hasPK = true
		}
	}
	if !hasPK {
		return fmt.Errorf("model %q: at least one primary key field is required", m.Name)
	}
	sort.Slice(m.Fields, func(i, j int) bool { return m.Fields[i].Name < m.Fields[j].Name })
	return nil
}

// TargetTableName is the snake_case form of the model name.
func (m *DataModel) TargetTableName() string { return SnakeCase(m.Name) }

// StageTableName prefixes the target name with "stage_".
func (m *DataModel) StageTableName() string { return "stage_" + SnakeCase(m.Name) }

// PrimaryKeys returns the names of the primary-key fields, in field order.
func (m *DataModel) PrimaryKeys() []string {
	var pks []string
	for _, f := range m.Fields {
		if f.PrimaryKey {
			pks = append(pks, f.Name)
		}
	}
	return pks
}

// SortedKeys returns all field names in canonical (sorted) order.
func (m *DataModel) SortedKeys() []string {
	keys := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		keys[i] = f.Name
	}
	return keys
}

// Field returns the spec for a field name, or nil.
func (m *DataModel) Field(name string) *FieldSpec {
	for _, f := range m.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// TableConfig binds a data model to its optional audit query. The audit
// query may reference the stage table as {table}; every selected column is
// treated as a named boolean audit.
type TableConfig struct {
	Model      *DataModel `yaml:"model"`
	AuditQuery string     `yaml:"audit_query"`
}

// Record is one relational row assembled by the parser: all model fields
// plus the etl_row_hash.
type Record map[string]any

// TableBatch accumulates the records destined for one stage table during a
// parse cycle.
type TableBatch struct {
	Model           *DataModel
	JSONPathPattern string
	Records         []Record
}

// Add appends a record to the batch.
func (b *TableBatch) Add(r Record) { b.Records = append(b.Records, r) }

// Clear drops accumulated records; called at the start of each parse cycle.
func (b *TableBatch) Clear() { b.Records = b.Records[:0] }
