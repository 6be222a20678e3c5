// Package tablestorage is a Store on an Azure Storage table. Every entity
// lives in one partition; the row key is the base64url form of the store key
// because raw keys may contain characters the table service rejects.
package tablestorage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/fgrzl/graphstore"
	"go.uber.org/zap"
)

const (
	partition = "entity"
	// maxTransaction is the entity group transaction limit.
	maxTransaction = 100
)

// Client is the subset of *aztables.Client the store uses.
type Client interface {
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(ctx context.Context, transactionActions []aztables.TransactionAction, tableSubmitTransactionOptions *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

// Config for the table store.
type Config struct {
	ConnectionString string `yaml:"connection_string" validate:"required"`
	Table            string `yaml:"table" validate:"required,alphanum"`
	CreateTable      bool   `yaml:"create_table"`
	Debug            bool   `yaml:"debug"`
}

// row is the stored shape of an entity.
type row struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Key          string `json:"Key,omitempty"`
	ID           string `json:"ID,omitempty"`
	Type         string `json:"Type,omitempty"`
	Data         string `json:"Data,omitempty"`
	CreatedAt    string `json:"CreatedAt,omitempty"`
	UpdatedAt    string `json:"UpdatedAt,omitempty"`
}

func (r row) snapshot() (graphstore.Snapshot, error) {
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return graphstore.Snapshot{}, fmt.Errorf("CreatedAt of %s: %w", r.Key, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return graphstore.Snapshot{}, fmt.Errorf("UpdatedAt of %s: %w", r.Key, err)
	}
	data := r.Data
	if data == "" {
		data = "{}"
	}
	meta := &graphstore.Metadata{CreatedAt: created, UpdatedAt: updated}
	return graphstore.SnapshotFromPayload(r.ID, r.Type, []byte(data), meta), nil
}

// RowKey encodes a store key as a row key.
func RowKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Store implements graphstore.Store.
type Store struct {
	client Client
	logger *zap.Logger
	now    func() time.Time
}

var _ graphstore.Store = (*Store)(nil)

// Open connects with a connection string, creating the table when asked to.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, graphstore.IOError("open", "", fmt.Errorf("failed to create Azure Table client: %w", err))
	}
	client := svc.NewClient(cfg.Table)
	if cfg.CreateTable {
		if _, err := client.CreateTable(ctx, nil); err != nil && !hasStatus(err, http.StatusConflict) {
			return nil, graphstore.IOError("open", "", fmt.Errorf("failed to create table %s: %w", cfg.Table, err))
		}
	}
	return New(client, graphstore.Logger(logger, cfg.Debug)), nil
}

// New builds a store over client.
func New(client Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger, now: time.Now}
}

func hasStatus(err error, status int) bool {
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == status
}

func (s *Store) read(ctx context.Context, key string) (graphstore.Snapshot, bool, error) {
	resp, err := s.client.GetEntity(ctx, partition, RowKey(key), nil)
	if hasStatus(err, http.StatusNotFound) {
		return graphstore.Snapshot{}, false, nil
	}
	if err != nil {
		return graphstore.Snapshot{}, false, fmt.Errorf("failed to retrieve %s: %w", key, err)
	}
	var r row
	if err := json.Unmarshal(resp.Value, &r); err != nil {
		return graphstore.Snapshot{}, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	snap, err := r.snapshot()
	if err != nil {
		return graphstore.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Get returns the entity stored under key.
func (s *Store) Get(ctx context.Context, key string) (graphstore.Entity, bool, error) {
	const op = "get"
	if err := graphstore.ValidateKey(op, key); err != nil {
		return graphstore.Entity{}, false, err
	}
	snap, ok, err := s.read(ctx, key)
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, key, err)
	}
	if !ok {
		return graphstore.Entity{}, false, nil
	}
	e, err := snap.Entity()
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, key, err)
	}
	return e, true, nil
}

// GetMany returns the entities found for keys.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]graphstore.Entity, error) {
	out := make(map[string]graphstore.Entity, len(keys))
	for _, key := range keys {
		e, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = e
		}
	}
	return out, nil
}

func (s *Store) encode(ctx context.Context, key string, e graphstore.Entity, now time.Time) ([]byte, error) {
	var prev *graphstore.Metadata
	old, ok, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		prev = old.Metadata()
	}
	stamped := graphstore.Stamp(e, prev, now)
	snap, err := graphstore.NewSnapshot(stamped)
	if err != nil {
		return nil, err
	}
	return json.Marshal(row{
		PartitionKey: partition,
		RowKey:       RowKey(key),
		Key:          key,
		ID:           stamped.ID,
		Type:         stamped.Type,
		Data:         snap.Payload(),
		CreatedAt:    stamped.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    stamped.Metadata.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// Set replaces the row for key.
func (s *Store) Set(ctx context.Context, key string, entity graphstore.Entity) error {
	const op = "set"
	if err := graphstore.ValidateValue(op, key, entity); err != nil {
		return err
	}
	data, err := s.encode(ctx, key, entity, s.now())
	if err != nil {
		return graphstore.WriteFailed(op, key, err)
	}
	_, err = s.client.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		return graphstore.WriteFailed(op, key, err)
	}
	s.logger.Debug("entity stored", zap.String("key", key))
	return nil
}

// SetMany writes entries in transactions of up to 100 rows.
func (s *Store) SetMany(ctx context.Context, entries map[string]graphstore.Entity) error {
	const op = "set_many"
	for key, e := range entries {
		if err := graphstore.ValidateValue(op, key, e); err != nil {
			return err
		}
	}
	now := s.now()
	actions := make([]aztables.TransactionAction, 0, len(entries))
	for key, e := range entries {
		data, err := s.encode(ctx, key, e, now)
		if err != nil {
			return graphstore.WriteFailed(op, key, err)
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeInsertReplace,
			Entity:     data,
		})
	}
	if err := s.submit(ctx, actions); err != nil {
		return graphstore.WriteFailed(op, "", err)
	}
	return nil
}

func (s *Store) submit(ctx context.Context, actions []aztables.TransactionAction) error {
	for start := 0; start < len(actions); start += maxTransaction {
		end := min(start+maxTransaction, len(actions))
		if _, err := s.client.SubmitTransaction(ctx, actions[start:end], nil); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key. A 404 from the service reports false.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	const op = "delete"
	if err := graphstore.ValidateKey(op, key); err != nil {
		return false, err
	}
	_, err := s.client.DeleteEntity(ctx, partition, RowKey(key), nil)
	if hasStatus(err, http.StatusNotFound) {
		return false, nil
	}
	if err != nil {
		return false, graphstore.DeleteFailed(op, key, err)
	}
	return true, nil
}

// list pages through the partition, selecting only the key columns.
func (s *Store) list(ctx context.Context) ([]row, error) {
	pager := s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{
		Filter: to.Ptr("PartitionKey eq '" + partition + "'"),
		Select: to.Ptr("PartitionKey,RowKey"),
	})
	var rows []row
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Entities {
			var r row
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, fmt.Errorf("failed to decode listed row: %w", err)
			}
			rows = append(rows, r)
		}
	}
	return rows, nil
}

// Clear deletes every row in the partition.
func (s *Store) Clear(ctx context.Context) error {
	const op = "clear"
	rows, err := s.list(ctx)
	if err != nil {
		return graphstore.IOError(op, "", err)
	}
	actions := make([]aztables.TransactionAction, 0, len(rows))
	for _, r := range rows {
		data, err := json.Marshal(row{PartitionKey: r.PartitionKey, RowKey: r.RowKey})
		if err != nil {
			return graphstore.IOError(op, "", err)
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeDelete,
			Entity:     data,
		})
	}
	if err := s.submit(ctx, actions); err != nil {
		return graphstore.IOError(op, "", err)
	}
	return nil
}

// Size counts the rows in the partition.
func (s *Store) Size(ctx context.Context) (int, error) {
	rows, err := s.list(ctx)
	if err != nil {
		return 0, graphstore.IOError("size", "", err)
	}
	return len(rows), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
