package query

import (
	"context"
)

// Backend is the persistence engine seen through two calls: prepare a
// statement template, then execute it with bound parameters.
type Backend interface {
	Prepare(ctx context.Context, statement string) (Prepared, error)
	Execute(ctx context.Context, stmt Prepared, params map[string]any) (*ResultSet, error)
}

// Prepared is a handle returned by Backend.Prepare.
type Prepared interface {
	Close() error
}

// Row is one result row keyed by column name.
type Row map[string]any

// String returns the column as a string, or "" when it is absent or NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// ResultSet is a fully drained result.
type ResultSet struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows.
func (rs *ResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}
