// Package datasource provides the structured-data-store boundary: query
// execution returning ordered row mappings, plus schema introspection for
// building data dictionaries.
package datasource

import (
	"context"
	"errors"
)

// Row is one result row as a field-to-value mapping.
// Field order is carried separately in Result.Columns.
type Row map[string]any

// Result is an ordered query result.
type Result struct {
	// Columns preserves the source column order.
	Columns []string
	// Rows holds every returned row, untruncated, in source order.
	Rows []Row
}

// DataSource executes queries against a structured data store.
// Implementations must be safe for concurrent use.
type DataSource interface {
	// Execute runs the query and materializes all rows.
	// Fails on syntax, connectivity, or permission problems.
	Execute(ctx context.Context, query string) (*Result, error)
}

// ErrClosed indicates the data source has been closed.
var ErrClosed = errors.New("data source closed")
