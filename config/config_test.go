package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fgrzl/graphstore"
	"github.com/fgrzl/graphstore/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graphstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("should fall back to defaults without a file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("should read YAML over the defaults", func(t *testing.T) {
		path := writeConfig(t, `
backend: file
log:
  level: debug
file:
  path: /tmp/data.json
  encoding: windows-1252
  pretty: true
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, BackendFile, cfg.Backend)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
		assert.Equal(t, "/tmp/data.json", cfg.File.Path)
		assert.Equal(t, "windows-1252", cfg.File.Encoding)
		assert.True(t, cfg.File.Pretty)
		assert.True(t, cfg.File.AtomicWrite, "unset keys keep their defaults")
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		t.Setenv("GRAPHSTORE_BACKEND", "redis")
		t.Setenv("GRAPHSTORE_REDIS_ADDR", "cache:6380")
		t.Setenv("GRAPHSTORE_DEBUG", "true")
		t.Setenv("GRAPHSTORE_FILE_AUTO_PERSIST", "false")

		cfg, err := Load(writeConfig(t, "backend: file\n"))
		require.NoError(t, err)
		assert.Equal(t, BackendRedis, cfg.Backend)
		assert.Equal(t, "cache:6380", cfg.Redis.Addr)
		assert.True(t, cfg.Redis.Debug)
		assert.True(t, cfg.Graph.Debug)
		assert.False(t, cfg.File.AutoPersist)
	})

	t.Run("should reject a malformed boolean", func(t *testing.T) {
		t.Setenv("GRAPHSTORE_DEBUG", "maybe")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GRAPHSTORE_DEBUG")
	})

	t.Run("should reject malformed YAML", func(t *testing.T) {
		_, err := Load(writeConfig(t, "backend: [\n"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("should reject an unknown backend", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = "cassandra"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config.backend must be one of")
	})

	t.Run("should validate only the selected section", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Redis.Addr = ""
		require.NoError(t, cfg.Validate())

		cfg.Backend = BackendRedis
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis.addr is required")

		cfg.Redis.Addr = "no-port"
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis.addr must be host:port")

		cfg.Redis.Addr = "cache:6379"
		cfg.Redis.Prefix = ""
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis.prefix is required")
	})

	t.Run("should check endpoint URLs", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = BackendDynamoDB
		cfg.DynamoDB.Endpoint = "not a url"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dynamodb.endpoint must be a URL")
	})

	t.Run("should accept every backend's defaults except remote credentials", func(t *testing.T) {
		for _, backend := range Backends {
			cfg := DefaultConfig()
			cfg.Backend = backend
			cfg.TableStorage.ConnectionString = "UseDevelopmentStorage=true"
			assert.NoError(t, cfg.Validate(), backend)
		}
	})
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.Backend = BackendPebble
	cfg.Pebble.Path = "/var/lib/graphstore"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("warn", "console")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = NewLogger("debug", "json")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("should open the memory backend", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = BackendMemory
		s, err := Open(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.IsType(t, &memory.Store{}, s)
		require.NoError(t, s.Close())
	})

	t.Run("should open the file backend", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = BackendFile
		cfg.File.Path = filepath.Join(t.TempDir(), "store.json")
		s, err := Open(ctx, cfg, nil)
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.Set(ctx, "k", graphstore.Entity{ID: "1", Type: "doc", Properties: map[string]any{}}))
		_, err = os.Stat(cfg.File.Path)
		assert.NoError(t, err)
	})

	t.Run("should open the graph backend", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Graph.Path = filepath.Join(t.TempDir(), "graph.db")
		g, err := OpenGraph(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer g.Close()

		size, err := g.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, size)
	})

	t.Run("should refuse graph operations on other backends", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = BackendMemory
		_, err := OpenGraph(ctx, cfg, nil)
		assert.ErrorIs(t, err, graphstore.ErrValidation)
	})

	t.Run("should return a nil store when opening fails", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Graph.Path = filepath.Join(t.TempDir(), "missing.db")
		cfg.Graph.AutoCreate = false
		s, err := Open(ctx, cfg, nil)
		require.Error(t, err)
		assert.Nil(t, s)
	})

	t.Run("should reject an unknown backend", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = "cassandra"
		_, err := Open(ctx, cfg, nil)
		assert.ErrorIs(t, err, graphstore.ErrValidation)
	})
}
