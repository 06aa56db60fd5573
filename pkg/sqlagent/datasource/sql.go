package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQL is a DataSource backed by a database/sql handle.
type SQL struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens a database and wraps it as a data source.
// For SQLite use driver "sqlite" and a file path or ":memory:".
func Open(driver, dsn string) (*SQL, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &SQL{db: db}, nil
}

// NewSQL wraps an existing handle. The caller retains ownership of db
// unless Close is called.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// DB exposes the underlying handle for callers that need direct access.
func (s *SQL) DB() *sql.DB {
	return s.db
}

// Execute implements DataSource.
func (s *SQL) Execute(ctx context.Context, query string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return result, nil
}

// Close releases the database handle.
func (s *SQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// normalize converts driver-specific scan values into plain JSON-friendly
// types. Byte slices become strings.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
