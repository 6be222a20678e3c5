package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fgrzl/graphstore/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func run(t *testing.T, b *Backend, stmt string, params map[string]any) *query.ResultSet {
	t.Helper()
	ctx := context.Background()
	p, err := b.Prepare(ctx, stmt)
	require.NoError(t, err)
	defer p.Close()
	rs, err := b.Execute(ctx, p, params)
	require.NoError(t, err)
	return rs
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("should refuse a missing file without auto-create", func(t *testing.T) {
		_, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "missing.db")}, nil)
		assert.Error(t, err)
	})

	t.Run("should require a path", func(t *testing.T) {
		_, err := Open(ctx, Config{}, nil)
		assert.Error(t, err)
	})

	t.Run("should reopen an existing database", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "graph.db")
		b, err := Open(ctx, Config{Path: path, AutoCreate: true}, zaptest.NewLogger(t))
		require.NoError(t, err)
		run(t, b, `INSERT INTO entities (id, type, created_at, updated_at) VALUES (:id, 'x', '', '')`, map[string]any{"id": "a"})
		require.NoError(t, b.Close())

		b, err = Open(ctx, Config{Path: path}, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer b.Close()
		rs := run(t, b, `SELECT id FROM entities`, nil)
		require.Equal(t, 1, rs.Len())
		assert.Equal(t, "a", rs.Rows[0].String("id"))
	})

	t.Run("should open paths with URI delimiters", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "odd?name#1%20.db")
		b, err := Open(ctx, Config{Path: path, AutoCreate: true}, zaptest.NewLogger(t))
		require.NoError(t, err)
		run(t, b, `INSERT INTO entities (id, type, created_at, updated_at) VALUES (:id, 'x', '', '')`, map[string]any{"id": "a"})
		require.NoError(t, b.Close())

		_, err = os.Stat(path)
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(dir, "odd"))
		assert.True(t, os.IsNotExist(err))

		b, err = Open(ctx, Config{Path: path}, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer b.Close()
		rs := run(t, b, `SELECT id FROM entities`, nil)
		require.Equal(t, 1, rs.Len())
	})
}

func TestFileDSN(t *testing.T) {
	assert.Equal(t,
		"file:/tmp/a%3Fb%23c%25d.db?_busy_timeout=5000&_foreign_keys=1&_journal_mode=WAL&mode=rwc",
		fileDSN("/tmp/a?b#c%d.db", "rwc"))
	assert.Equal(t,
		"file:graph.db?_busy_timeout=5000&_foreign_keys=1&_journal_mode=WAL&mode=rw",
		fileDSN("graph.db", "rw"))
}

func TestExecute(t *testing.T) {
	b, err := Open(context.Background(), Config{Path: ":memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	t.Run("should bind slices as JSON arrays", func(t *testing.T) {
		rs := run(t, b, `SELECT value FROM json_each(:items) ORDER BY value`, map[string]any{
			"items": []string{"b", "O'Brien"},
		})
		require.Equal(t, 2, rs.Len())
		assert.Equal(t, "O'Brien", rs.Rows[0].String("value"))
		assert.Equal(t, "b", rs.Rows[1].String("value"))
	})

	t.Run("should bind quotes as data", func(t *testing.T) {
		hostile := "x'); DROP TABLE entities; --"
		rs := run(t, b, `SELECT :v AS v`, map[string]any{"v": hostile})
		require.Equal(t, 1, rs.Len())
		assert.Equal(t, hostile, rs.Rows[0].String("v"))
		assert.Equal(t, []string{"v"}, rs.Columns)

		rs = run(t, b, `SELECT count(*) AS n FROM sqlite_master WHERE name = 'entities'`, nil)
		assert.Equal(t, int64(1), rs.Rows[0]["n"])
	})

	t.Run("should cascade entity deletes to relations", func(t *testing.T) {
		run(t, b, `INSERT INTO entities (id, type, created_at, updated_at) VALUES ('a', 't', '', ''), ('b', 't', '', '')`, nil)
		run(t, b, `INSERT INTO relations (from_id, to_id, type) VALUES ('a', 'b', 'knows')`, nil)
		run(t, b, `DELETE FROM entities WHERE id = 'b'`, nil)

		rs := run(t, b, `SELECT count(*) AS n FROM relations`, nil)
		assert.Equal(t, int64(0), rs.Rows[0]["n"])
	})

	t.Run("should reject foreign statements", func(t *testing.T) {
		_, err := b.Execute(context.Background(), foreign{}, nil)
		assert.Error(t, err)
	})
}

type foreign struct{}

func (foreign) Close() error { return nil }
