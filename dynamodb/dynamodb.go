// Package dynamodb is a Store on a DynamoDB table keyed by a string
// partition key named pk.
package dynamodb

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/fgrzl/graphstore"
	"go.uber.org/zap"
)

const (
	// maxBatchWrite is the BatchWriteItem request limit.
	maxBatchWrite = 25
	// maxBatchGet is the BatchGetItem request limit.
	maxBatchGet = 100
	// maxBatchAttempts bounds resubmission of unprocessed batch entries.
	maxBatchAttempts = 5
)

// Client is the subset of the DynamoDB API the store uses.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config for the DynamoDB store.
type Config struct {
	Table    string `yaml:"table" validate:"required"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
	Debug    bool   `yaml:"debug"`
}

// item is the stored shape of an entity.
type item struct {
	PK        string `dynamodbav:"pk"`
	ID        string `dynamodbav:"id"`
	Type      string `dynamodbav:"type"`
	Data      string `dynamodbav:"data"`
	CreatedAt string `dynamodbav:"created_at"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

func (it item) snapshot() (graphstore.Snapshot, error) {
	created, err := time.Parse(time.RFC3339Nano, it.CreatedAt)
	if err != nil {
		return graphstore.Snapshot{}, fmt.Errorf("created_at of %s: %w", it.PK, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, it.UpdatedAt)
	if err != nil {
		return graphstore.Snapshot{}, fmt.Errorf("updated_at of %s: %w", it.PK, err)
	}
	data := it.Data
	if data == "" {
		data = "{}"
	}
	meta := &graphstore.Metadata{CreatedAt: created, UpdatedAt: updated}
	return graphstore.SnapshotFromPayload(it.ID, it.Type, []byte(data), meta), nil
}

// Store implements graphstore.Store.
type Store struct {
	client Client
	table  string
	logger *zap.Logger
	now    func() time.Time
}

var _ graphstore.Store = (*Store)(nil)

// Open builds a client from the default AWS configuration chain.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, graphstore.IOError("open", "", fmt.Errorf("failed to load AWS config: %w", err))
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg.Table, graphstore.Logger(logger, cfg.Debug)), nil
}

// New builds a store over client and table.
func New(client Client, table string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, table: table, logger: logger, now: time.Now}
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: key}}
}

// Get returns the entity stored under key.
func (s *Store) Get(ctx context.Context, key string) (graphstore.Entity, bool, error) {
	const op = "get"
	if err := graphstore.ValidateKey(op, key); err != nil {
		return graphstore.Entity{}, false, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, key, err)
	}
	if len(out.Item) == 0 {
		return graphstore.Entity{}, false, nil
	}
	_, e, err := decodeItem(out.Item)
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, key, err)
	}
	return e, true, nil
}

// decodeItem returns the partition key and entity of a stored item.
func decodeItem(av map[string]types.AttributeValue) (string, graphstore.Entity, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return "", graphstore.Entity{}, err
	}
	snap, err := it.snapshot()
	if err != nil {
		return it.PK, graphstore.Entity{}, err
	}
	e, err := snap.Entity()
	return it.PK, e, err
}

// GetMany reads keys with BatchGetItem, resubmitting unprocessed keys.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]graphstore.Entity, error) {
	const op = "get_many"
	for _, key := range keys {
		if err := graphstore.ValidateKey(op, key); err != nil {
			return nil, err
		}
	}
	out := make(map[string]graphstore.Entity, len(keys))
	unique := dedupe(keys)
	for start := 0; start < len(unique); start += maxBatchGet {
		end := min(start+maxBatchGet, len(unique))
		chunk := make([]map[string]types.AttributeValue, 0, end-start)
		for _, key := range unique[start:end] {
			chunk = append(chunk, keyOf(key))
		}
		request := map[string]types.KeysAndAttributes{
			s.table: {Keys: chunk, ConsistentRead: aws.Bool(true)},
		}
		for attempt := 0; len(request) > 0; attempt++ {
			if attempt == maxBatchAttempts {
				return nil, graphstore.IOError(op, "", fmt.Errorf("keys still unprocessed after %d attempts", attempt))
			}
			res, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, graphstore.IOError(op, "", err)
			}
			for _, av := range res.Responses[s.table] {
				pk, e, err := decodeItem(av)
				if err != nil {
					return nil, graphstore.IOError(op, pk, err)
				}
				out[pk] = e
			}
			request = res.UnprocessedKeys
		}
	}
	return out, nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Set writes entity with UpdateItem so the creation timestamp of an existing
// item is kept server side.
func (s *Store) Set(ctx context.Context, key string, entity graphstore.Entity) error {
	const op = "set"
	if err := graphstore.ValidateValue(op, key, entity); err != nil {
		return err
	}
	now := s.now().UTC()
	snap, err := graphstore.NewSnapshot(graphstore.Stamp(entity, nil, now))
	if err != nil {
		return err
	}
	stamp := now.Format(time.RFC3339Nano)

	update := expression.
		Set(expression.Name("id"), expression.Value(entity.ID)).
		Set(expression.Name("type"), expression.Value(entity.Type)).
		Set(expression.Name("data"), expression.Value(snap.Payload())).
		Set(expression.Name("updated_at"), expression.Value(stamp)).
		Set(expression.Name("created_at"), expression.IfNotExists(expression.Name("created_at"), expression.Value(stamp)))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return graphstore.WriteFailed(op, key, fmt.Errorf("failed to build update expression: %w", err))
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyOf(key),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return graphstore.WriteFailed(op, key, err)
	}
	s.logger.Debug("entity stored", zap.String("table", s.table), zap.String("key", key))
	return nil
}

// SetMany writes entries with BatchWriteItem in chunks of 25. Existing
// creation timestamps are read first with GetMany.
func (s *Store) SetMany(ctx context.Context, entries map[string]graphstore.Entity) error {
	const op = "set_many"
	keys := make([]string, 0, len(entries))
	for key, e := range entries {
		if err := graphstore.ValidateValue(op, key, e); err != nil {
			return err
		}
		keys = append(keys, key)
	}
	prev, err := s.GetMany(ctx, keys)
	if err != nil {
		return graphstore.WriteFailed(op, "", err)
	}

	now := s.now().UTC()
	requests := make([]types.WriteRequest, 0, len(entries))
	for key, e := range entries {
		var meta *graphstore.Metadata
		if old, ok := prev[key]; ok {
			meta = old.Metadata
		}
		stamped := graphstore.Stamp(e, meta, now)
		snap, err := graphstore.NewSnapshot(stamped)
		if err != nil {
			return err
		}
		av, err := attributevalue.MarshalMap(item{
			PK:        key,
			ID:        stamped.ID,
			Type:      stamped.Type,
			Data:      snap.Payload(),
			CreatedAt: stamped.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano),
			UpdatedAt: stamped.Metadata.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return graphstore.WriteFailed(op, key, err)
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
	}
	if err := s.batchWrite(ctx, requests); err != nil {
		return graphstore.WriteFailed(op, "", err)
	}
	return nil
}

func (s *Store) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	for start := 0; start < len(requests); start += maxBatchWrite {
		end := min(start+maxBatchWrite, len(requests))
		pending := map[string][]types.WriteRequest{s.table: requests[start:end]}
		for attempt := 0; len(pending[s.table]) > 0; attempt++ {
			if attempt == maxBatchAttempts {
				return fmt.Errorf("%d writes still unprocessed after %d attempts", len(pending[s.table]), attempt)
			}
			res, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return err
			}
			pending = res.UnprocessedItems
			if pending == nil {
				break
			}
		}
	}
	return nil
}

// Delete removes key. ALL_OLD return values tell whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	const op = "delete"
	if err := graphstore.ValidateKey(op, key); err != nil {
		return false, err
	}
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          keyOf(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, graphstore.DeleteFailed(op, key, err)
	}
	return len(out.Attributes) > 0, nil
}

// scan pages through the table and calls fn with each page.
func (s *Store) scan(ctx context.Context, input *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput) error) error {
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return err
		}
		if err := fn(out); err != nil {
			return err
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Clear deletes every item, reading only the partition keys.
func (s *Store) Clear(ctx context.Context) error {
	const op = "clear"
	expr, err := expression.NewBuilder().
		WithProjection(expression.NamesList(expression.Name("pk"))).
		Build()
	if err != nil {
		return graphstore.IOError(op, "", fmt.Errorf("failed to build projection: %w", err))
	}
	input := &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		ProjectionExpression:     expr.Projection(),
		ExpressionAttributeNames: expr.Names(),
	}
	err = s.scan(ctx, input, func(out *dynamodb.ScanOutput) error {
		requests := make([]types.WriteRequest, 0, len(out.Items))
		for _, av := range out.Items {
			pk, ok := av["pk"]
			if !ok {
				continue
			}
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{"pk": pk}},
			})
		}
		return s.batchWrite(ctx, requests)
	})
	if err != nil {
		return graphstore.IOError(op, "", err)
	}
	return nil
}

// Size counts the items with Select=COUNT scans.
func (s *Store) Size(ctx context.Context) (int, error) {
	total := 0
	input := &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		Select:    types.SelectCount,
	}
	err := s.scan(ctx, input, func(out *dynamodb.ScanOutput) error {
		total += int(out.Count)
		return nil
	})
	if err != nil {
		return 0, graphstore.IOError("size", "", err)
	}
	return total, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
