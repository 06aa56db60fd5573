// Package schema models the caller-supplied data dictionary and row-level
// filter constraints, and renders both for prompting.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Column describes one column of a table.
type Column struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	DataType    string `json:"data_type"`
	// Examples holds sampled values, optional.
	Examples []any `json:"examples,omitempty"`
}

// Table describes one table with its ordered columns.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// DataDictionary is the immutable-per-turn schema document: a database
// label, ordered tables, and optional free-text notes.
type DataDictionary struct {
	Database string   `json:"database"`
	Tables   []Table  `json:"tables"`
	Notes    []string `json:"notes,omitempty"`
}

// Sentinel errors for dictionary validation.
var (
	ErrNoDatabase = errors.New("data dictionary missing database label")
	ErrNoTables   = errors.New("data dictionary has no tables")
)

// Parse decodes and validates a JSON data dictionary document.
func Parse(data []byte) (*DataDictionary, error) {
	var d DataDictionary
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse data dictionary: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks structural requirements.
func (d *DataDictionary) Validate() error {
	if d.Database == "" {
		return ErrNoDatabase
	}
	if len(d.Tables) == 0 {
		return ErrNoTables
	}
	return nil
}

// FormatForPrompt renders the dictionary as the schema block used in
// classification and query-generation prompts.
func (d *DataDictionary) FormatForPrompt() string {
	var b strings.Builder
	for _, table := range d.Tables {
		fmt.Fprintf(&b, "\nTable: %s\n", table.Name)
		for _, col := range table.Columns {
			exampleStr := ""
			if len(col.Examples) > 0 {
				parts := make([]string, len(col.Examples))
				for i, v := range col.Examples {
					parts[i] = fmt.Sprint(v)
				}
				exampleStr = fmt.Sprintf(" (e.g., %s)", strings.Join(parts, ", "))
			}
			fmt.Fprintf(&b, "  - %s (%s): %s%s\n", col.Name, col.DataType, col.Description, exampleStr)
		}
	}
	if len(d.Notes) > 0 {
		b.WriteString("\nNotes:\n")
		for _, note := range d.Notes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}
	return b.String()
}
