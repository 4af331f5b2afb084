package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ColumnSchema describes one column of a data source table.
type ColumnSchema struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
	Comment  string `json:"comment,omitempty"`
}

// TableSchema describes one table of a data source.
type TableSchema struct {
	Name    string         `json:"name"`
	Comment string         `json:"comment,omitempty"`
	Columns []ColumnSchema `json:"columns"`
}

// SourceSchema is the full introspected schema of a data source.
type SourceSchema struct {
	DataSourceID string        `json:"data_source_id"`
	Dialect      string        `json:"dialect"`
	Tables       []TableSchema `json:"tables"`
}

// Fingerprint hashes table and column names plus types into a stable schema
// version. Validated queries and confidence scores are tied to this value and
// recomputed when it changes.
func (s SourceSchema) Fingerprint() string {
	parts := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		cols := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			cols = append(cols, c.Name+":"+c.DataType)
		}
		sort.Strings(cols)
		parts = append(parts, t.Name+"("+strings.Join(cols, ",")+")")
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:16])
}

// Table returns the named table schema, or nil when absent.
func (s SourceSchema) Table(name string) *TableSchema {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	return nil
}

// Column returns the named column, or nil when absent.
func (t TableSchema) Column(name string) *ColumnSchema {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

// NumericTypes are column data types the generator may aggregate with SUM/AVG.
var NumericTypes = map[string]bool{
	"int": true, "integer": true, "bigint": true, "smallint": true,
	"real": true, "double precision": true, "float": true, "numeric": true,
	"decimal": true, "double": true,
}

// IsNumeric reports whether the column holds a numeric type.
func (c ColumnSchema) IsNumeric() bool {
	return NumericTypes[strings.ToLower(c.DataType)]
}

// IsTemporal reports whether the column holds a date/time type.
func (c ColumnSchema) IsTemporal() bool {
	t := strings.ToLower(c.DataType)
	return strings.Contains(t, "date") || strings.Contains(t, "time")
}
