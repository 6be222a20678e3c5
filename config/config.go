// Package config loads graphstore settings from YAML with GRAPHSTORE_*
// environment overrides, and builds loggers and stores from them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fgrzl/graphstore/dynamodb"
	"github.com/fgrzl/graphstore/filestore"
	"github.com/fgrzl/graphstore/pebble"
	"github.com/fgrzl/graphstore/redis"
	"github.com/fgrzl/graphstore/sqlite"
	"github.com/fgrzl/graphstore/tablestorage"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendGraph        = "graph"
	BackendFile         = "file"
	BackendMemory       = "memory"
	BackendPebble       = "pebble"
	BackendRedis        = "redis"
	BackendDynamoDB     = "dynamodb"
	BackendTableStorage = "tablestorage"
)

// Backends lists every supported backend.
var Backends = []string{
	BackendGraph, BackendFile, BackendMemory, BackendPebble,
	BackendRedis, BackendDynamoDB, BackendTableStorage,
}

// Config is the top-level configuration.
type Config struct {
	Backend string    `yaml:"backend" validate:"required,oneof=graph file memory pebble redis dynamodb tablestorage"`
	Log     LogConfig `yaml:"log"`

	// Only the section for the selected backend is validated.
	Graph        sqlite.Config       `yaml:"graph" validate:"-"`
	File         filestore.Config    `yaml:"file" validate:"-"`
	Pebble       pebble.Config       `yaml:"pebble" validate:"-"`
	Redis        redis.Config        `yaml:"redis" validate:"-"`
	DynamoDB     dynamodb.Config     `yaml:"dynamodb" validate:"-"`
	TableStorage tablestorage.Config `yaml:"tablestorage" validate:"-"`
}

// LogConfig selects the zap preset.
type LogConfig struct {
	Level  string `yaml:"level" validate:"required,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"required,oneof=json console"`
}

// DefaultConfig returns a config for a graph database in graphstore.db.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendGraph,
		Log:     LogConfig{Level: "info", Format: "json"},
		Graph:   sqlite.Config{Path: "graphstore.db", AutoCreate: true},
		File:    filestore.DefaultConfig("graphstore.json"),
		Pebble:  pebble.Config{Path: "graphstore.pebble"},
		Redis:   redis.Config{Addr: "localhost:6379", Prefix: "graphstore:"},
		DynamoDB: dynamodb.Config{
			Table: "graphstore",
		},
		TableStorage: tablestorage.Config{Table: "graphstore"},
	}
}

var validate = validator.New()

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies GRAPHSTORE_* environment variables.
func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"GRAPHSTORE_BACKEND":                 &c.Backend,
		"GRAPHSTORE_LOG_LEVEL":               &c.Log.Level,
		"GRAPHSTORE_LOG_FORMAT":              &c.Log.Format,
		"GRAPHSTORE_GRAPH_PATH":              &c.Graph.Path,
		"GRAPHSTORE_FILE_PATH":               &c.File.Path,
		"GRAPHSTORE_FILE_ENCODING":           &c.File.Encoding,
		"GRAPHSTORE_PEBBLE_PATH":             &c.Pebble.Path,
		"GRAPHSTORE_REDIS_ADDR":              &c.Redis.Addr,
		"GRAPHSTORE_REDIS_PASSWORD":          &c.Redis.Password,
		"GRAPHSTORE_REDIS_PREFIX":            &c.Redis.Prefix,
		"GRAPHSTORE_DYNAMODB_TABLE":          &c.DynamoDB.Table,
		"GRAPHSTORE_DYNAMODB_REGION":         &c.DynamoDB.Region,
		"GRAPHSTORE_DYNAMODB_ENDPOINT":       &c.DynamoDB.Endpoint,
		"GRAPHSTORE_TABLE_CONNECTION_STRING": &c.TableStorage.ConnectionString,
		"GRAPHSTORE_TABLE_NAME":              &c.TableStorage.Table,
	}
	for name, field := range str {
		if v, ok := os.LookupEnv(name); ok {
			*field = v
		}
	}

	if v, ok := os.LookupEnv("GRAPHSTORE_DEBUG"); ok {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GRAPHSTORE_DEBUG: %w", err)
		}
		c.SetDebug(debug)
	}
	if v, ok := os.LookupEnv("GRAPHSTORE_FILE_AUTO_PERSIST"); ok {
		auto, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GRAPHSTORE_FILE_AUTO_PERSIST: %w", err)
		}
		c.File.AutoPersist = auto
	}
	return nil
}

// SetDebug turns debug logging on or off for every backend.
func (c *Config) SetDebug(debug bool) {
	c.Graph.Debug = debug
	c.File.Debug = debug
	c.Pebble.Debug = debug
	c.Redis.Debug = debug
	c.DynamoDB.Debug = debug
	c.TableStorage.Debug = debug
}

// Validate checks the top level and the selected backend's section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError("config", err)
	}
	section, name := c.section()
	if section == nil {
		return nil
	}
	if err := validate.Struct(section); err != nil {
		return formatValidationError(name, err)
	}
	return nil
}

func (c *Config) section() (any, string) {
	switch c.Backend {
	case BackendGraph:
		return &c.Graph, "graph"
	case BackendFile:
		return &c.File, "file"
	case BackendPebble:
		return &c.Pebble, "pebble"
	case BackendRedis:
		return &c.Redis, "redis"
	case BackendDynamoDB:
		return &c.DynamoDB, "dynamodb"
	case BackendTableStorage:
		return &c.TableStorage, "tablestorage"
	}
	return nil, ""
}

// formatValidationError turns validator errors into one readable message.
func formatValidationError(section string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(section, e))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func formatFieldError(section string, e validator.FieldError) string {
	field := section + "." + strings.ToLower(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
