// Package sqlite is the graph persistence engine behind graphdb: two tables,
// entities and relations, reached only through Prepare and Execute.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"

	"github.com/fgrzl/graphstore"
	"github.com/fgrzl/graphstore/query"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config for the graph engine.
type Config struct {
	// Path of the database file, or ":memory:".
	Path string `yaml:"path" validate:"required"`
	// AutoCreate creates the file and schema when they are missing.
	AutoCreate bool `yaml:"auto_create"`
	Debug      bool `yaml:"debug"`
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	storage_key TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS entities_storage_key ON entities (storage_key);

-- A storage key names at most one entity: binding it to a new id unbinds
-- whichever entity held it before.
CREATE TRIGGER IF NOT EXISTS entities_key_insert AFTER INSERT ON entities
WHEN NEW.storage_key IS NOT NULL
BEGIN
	UPDATE entities SET storage_key = NULL WHERE storage_key = NEW.storage_key AND id <> NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS entities_key_update AFTER UPDATE OF storage_key ON entities
WHEN NEW.storage_key IS NOT NULL
BEGIN
	UPDATE entities SET storage_key = NULL WHERE storage_key = NEW.storage_key AND id <> NEW.id;
END;

CREATE TABLE IF NOT EXISTS relations (
	from_id TEXT NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
	to_id TEXT NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (from_id, to_id, type)
);

CREATE INDEX IF NOT EXISTS relations_to ON relations (to_id);
`

// Backend implements query.Backend on SQLite.
type Backend struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ query.Backend = (*Backend)(nil)

type statement struct {
	stmt *sql.Stmt
}

func (s *statement) Close() error { return s.stmt.Close() }

// uriPath escapes the characters SQLite treats as URI delimiters in a path.
var uriPath = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

// fileDSN builds the SQLite URI for a database file.
func fileDSN(path, mode string) string {
	q := url.Values{}
	q.Set("mode", mode)
	q.Set("_foreign_keys", "1")
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	u := url.URL{Scheme: "file", Opaque: uriPath.Replace(path), RawQuery: q.Encode()}
	return u.String()
}

// Open opens the database and makes sure the schema is usable. The pool is
// limited to one connection, which serializes statement execution.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	logger = graphstore.Logger(logger, cfg.Debug)

	mode := "rw"
	dsn := ""
	switch {
	case cfg.Path == "":
		return nil, errors.New("sqlite: database path is required")
	case cfg.Path == ":memory:":
		dsn = "file::memory:?_foreign_keys=1"
	default:
		if cfg.AutoCreate {
			mode = "rwc"
		} else if _, err := os.Stat(cfg.Path); err != nil {
			return nil, fmt.Errorf("sqlite: database %s is not available and auto-create is off: %w", cfg.Path, err)
		}
		dsn = fileDSN(cfg.Path, mode)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not open SQLite database: %w", err)
	}

	if cfg.AutoCreate || cfg.Path == ":memory:" {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("could not create tables: %w", err)
		}
	} else if err := checkSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("sqlite graph backend opened", zap.String("path", cfg.Path), zap.Bool("autoCreate", cfg.AutoCreate))
	return &Backend{db: db, logger: logger}, nil
}

func checkSchema(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('entities', 'relations')`).Scan(&n)
	if err != nil {
		return fmt.Errorf("could not inspect schema: %w", err)
	}
	if n != 2 {
		return errors.New("sqlite: graph tables are missing and auto-create is off")
	}
	return nil
}

// Prepare compiles a statement template.
func (b *Backend) Prepare(ctx context.Context, stmt string) (query.Prepared, error) {
	s, err := b.db.PrepareContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return &statement{stmt: s}, nil
}

// Execute binds params by name and drains the result. Slice parameters are
// bound as JSON arrays, which statements read with json_each.
func (b *Backend) Execute(ctx context.Context, p query.Prepared, params map[string]any) (*query.ResultSet, error) {
	s, ok := p.(*statement)
	if !ok {
		return nil, fmt.Errorf("sqlite: statement %T was not prepared by this backend", p)
	}

	args := make([]any, 0, len(params))
	for name, v := range params {
		bound, err := bindValue(v)
		if err != nil {
			return nil, fmt.Errorf("sqlite: binding %q: %w", name, err)
		}
		args = append(args, sql.Named(name, bound))
	}

	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	rs := &query.ResultSet{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(query.Row, len(cols))
		for i, col := range cols {
			if raw, ok := values[i].([]byte); ok {
				row[col] = string(raw)
			} else {
				row[col] = values[i]
			}
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return rs, nil
}

func bindValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.(type) {
	case string, []byte:
		return v, nil
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return v, nil
}

// Close closes the database connection
func (b *Backend) Close() error {
	return b.db.Close()
}
