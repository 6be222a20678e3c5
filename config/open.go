package config

import (
	"context"
	"fmt"

	"github.com/fgrzl/graphstore"
	"github.com/fgrzl/graphstore/dynamodb"
	"github.com/fgrzl/graphstore/filestore"
	"github.com/fgrzl/graphstore/graphdb"
	"github.com/fgrzl/graphstore/memory"
	"github.com/fgrzl/graphstore/pebble"
	"github.com/fgrzl/graphstore/redis"
	"github.com/fgrzl/graphstore/tablestorage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production zap logger at level. The console format
// swaps in the development encoder.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	config := zap.NewProductionConfig()
	if format == "console" {
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg *Config, logger *zap.Logger) (graphstore.Store, error) {
	switch cfg.Backend {
	case BackendGraph:
		return store(graphdb.Open(ctx, cfg.Graph, logger))
	case BackendFile:
		return store(filestore.New(cfg.File, logger))
	case BackendMemory:
		return memory.New(), nil
	case BackendPebble:
		return store(pebble.Open(cfg.Pebble, logger))
	case BackendRedis:
		return store(redis.Open(ctx, cfg.Redis, logger))
	case BackendDynamoDB:
		return store(dynamodb.Open(ctx, cfg.DynamoDB, logger))
	case BackendTableStorage:
		return store(tablestorage.Open(ctx, cfg.TableStorage, logger))
	}
	return nil, graphstore.ValidationError("open", "", "unknown backend %q", cfg.Backend)
}

// OpenGraph builds a graph-capable store. Only the graph backend supports
// edges and traversals.
func OpenGraph(ctx context.Context, cfg *Config, logger *zap.Logger) (graphstore.GraphStore, error) {
	if cfg.Backend != BackendGraph {
		return nil, graphstore.ValidationError("open", "", "backend %q does not support graph operations", cfg.Backend)
	}
	s, err := graphdb.Open(ctx, cfg.Graph, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// store keeps a failed constructor's nil pointer out of the interface.
func store(s graphstore.Store, err error) (graphstore.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
