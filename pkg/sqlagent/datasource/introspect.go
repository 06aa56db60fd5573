package datasource

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/randalmurphal/sqlagent/pkg/sqlagent/schema"
)

// ExtractDataDictionary builds a data dictionary from a live SQLite
// database: table and column metadata from sqlite_master/PRAGMA, plus up
// to sampleRows example values per column, coerced by declared type.
func (s *SQL) ExtractDataDictionary(ctx context.Context, dbLabel string, sampleRows int) (*schema.DataDictionary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if sampleRows < 0 {
		sampleRows = 0
	}

	names, err := s.tableNames(ctx)
	if err != nil {
		return nil, err
	}

	dict := &schema.DataDictionary{Database: dbLabel}
	for _, name := range names {
		table, err := s.describeTable(ctx, name, sampleRows)
		if err != nil {
			return nil, err
		}
		dict.Tables = append(dict.Tables, table)
	}

	if err := dict.Validate(); err != nil {
		return nil, err
	}
	return dict, nil
}

func (s *SQL) tableNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQL) describeTable(ctx context.Context, name string, sampleRows int) (schema.Table, error) {
	table := schema.Table{Name: name}

	var examples *Result
	if sampleRows > 0 {
		var err error
		examples, err = s.executeLocked(ctx, fmt.Sprintf(`SELECT * FROM %q LIMIT %d`, name, sampleRows))
		if err != nil {
			// Sampling is best effort; metadata alone still yields a
			// usable dictionary.
			examples = nil
		}
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, name))
	if err != nil {
		return table, fmt.Errorf("describe table %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid, notNull, pk int
			colName, colType string
			dflt             any
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return table, fmt.Errorf("scan column info: %w", err)
		}

		var values []any
		if examples != nil {
			for _, row := range examples.Rows {
				if v, ok := row[colName]; ok {
					values = append(values, v)
				}
			}
		}

		table.Columns = append(table.Columns, schema.Column{
			Name:     colName,
			DataType: colType,
			Examples: coerceExamples(colType, values),
		})
	}
	return table, rows.Err()
}

// executeLocked runs a query without re-acquiring the read lock held by
// the caller.
func (s *SQL) executeLocked(ctx context.Context, query string) (*Result, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	return result, rows.Err()
}

// coerceExamples converts sampled values to int, float, or string
// depending on the declared SQL type, dropping values that do not fit.
func coerceExamples(colType string, values []any) []any {
	baseType := strings.ToLower(colType)
	var clean []any

	switch {
	case strings.Contains(baseType, "int"):
		for _, v := range values {
			if n, ok := toInt(v); ok {
				clean = append(clean, n)
			}
		}
	case strings.Contains(baseType, "float"),
		strings.Contains(baseType, "double"),
		strings.Contains(baseType, "real"),
		strings.Contains(baseType, "numeric"),
		strings.Contains(baseType, "decimal"):
		for _, v := range values {
			if f, ok := toFloat(v); ok {
				clean = append(clean, f)
			}
		}
	default:
		for _, v := range values {
			if v != nil {
				clean = append(clean, fmt.Sprint(v))
			}
		}
	}
	return clean
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		if parsed, err := strconv.ParseFloat(n, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
