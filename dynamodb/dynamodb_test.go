package dynamodb

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/fgrzl/graphstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var setClause = regexp.MustCompile(`(#\w+)\s*=\s*(?:if_not_exists\(\s*(#\w+)\s*,\s*(:\w+)\s*\)|(:\w+))`)

// fakeTable is an in-memory table keyed by pk. It throttles the first batch
// call of each kind when throttle is set, and pages scans by pageSize.
type fakeTable struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
	throttle bool
	fail     error

	throttledGet   bool
	throttledWrite bool
	batchWrites    int
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]map[string]types.AttributeValue), pageSize: 2}
}

func pkOf(key map[string]types.AttributeValue) string {
	return key["pk"].(*types.AttributeValueMemberS).Value
}

func (f *fakeTable) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return &dynamodb.GetItemOutput{Item: f.items[pkOf(in.Key)]}, nil
}

func (f *fakeTable) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	pk := pkOf(in.Key)
	current := f.items[pk]
	next := map[string]types.AttributeValue{"pk": in.Key["pk"]}
	for k, v := range current {
		next[k] = v
	}
	for _, m := range setClause.FindAllStringSubmatch(*in.UpdateExpression, -1) {
		name := in.ExpressionAttributeNames[m[1]]
		if m[2] != "" {
			if _, ok := current[in.ExpressionAttributeNames[m[2]]]; ok {
				continue
			}
			next[name] = in.ExpressionAttributeValues[m[3]]
			continue
		}
		next[name] = in.ExpressionAttributeValues[m[4]]
	}
	f.items[pk] = next
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeTable) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	pk := pkOf(in.Key)
	old := f.items[pk]
	delete(f.items, pk)
	return &dynamodb.DeleteItemOutput{Attributes: old}, nil
}

func (f *fakeTable) BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, ka := range in.RequestItems {
		keys := ka.Keys
		if f.throttle && !f.throttledGet && len(keys) > 1 {
			f.throttledGet = true
			out.UnprocessedKeys = map[string]types.KeysAndAttributes{table: {Keys: keys[1:]}}
			keys = keys[:1]
		}
		for _, key := range keys {
			if item, ok := f.items[pkOf(key)]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

func (f *fakeTable) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.batchWrites++
	out := &dynamodb.BatchWriteItemOutput{}
	for table, requests := range in.RequestItems {
		if len(requests) > maxBatchWrite {
			return nil, errors.New("too many items in batch")
		}
		if f.throttle && !f.throttledWrite && len(requests) > 1 {
			f.throttledWrite = true
			out.UnprocessedItems = map[string][]types.WriteRequest{table: requests[1:]}
			requests = requests[:1]
		}
		for _, r := range requests {
			switch {
			case r.PutRequest != nil:
				f.items[pkOf(r.PutRequest.Item)] = r.PutRequest.Item
			case r.DeleteRequest != nil:
				delete(f.items, pkOf(r.DeleteRequest.Key))
			}
		}
	}
	return out, nil
}

func (f *fakeTable) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	keys := make([]string, 0, len(f.items))
	for pk := range f.items {
		keys = append(keys, pk)
	}
	sort.Strings(keys)
	if in.ExclusiveStartKey != nil {
		start := pkOf(in.ExclusiveStartKey)
		i := sort.SearchStrings(keys, start)
		if i < len(keys) && keys[i] == start {
			i++
		}
		keys = keys[i:]
	}
	out := &dynamodb.ScanOutput{}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: keys[len(keys)-1]}}
	}
	out.Count = int32(len(keys))
	if in.Select != types.SelectCount {
		for _, pk := range keys {
			out.Items = append(out.Items, map[string]types.AttributeValue{"pk": f.items[pk]["pk"]})
		}
	}
	return out, nil
}

func entity(id string) graphstore.Entity {
	return graphstore.Entity{ID: id, Type: "doc", Properties: map[string]any{"name": id}}
}

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("should keep created_at on update", func(t *testing.T) {
		table := newFakeTable()
		s := New(table, "graph", zaptest.NewLogger(t))
		now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return now }

		require.NoError(t, s.Set(ctx, "k", entity("1")))
		now = now.Add(time.Minute)
		require.NoError(t, s.Set(ctx, "k", entity("1")))

		got, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.Metadata.CreatedAt.Equal(now.Add(-time.Minute)))
		assert.True(t, got.Metadata.UpdatedAt.Equal(now))
		assert.Equal(t, "1", got.Properties["name"])
	})

	t.Run("should batch writes and retry unprocessed items", func(t *testing.T) {
		table := newFakeTable()
		table.throttle = true
		s := New(table, "graph", nil)

		entries := make(map[string]graphstore.Entity, 30)
		for i := 0; i < 30; i++ {
			id := string(rune('a'+i%26)) + string(rune('0'+i/26))
			entries[id] = entity(id)
		}
		require.NoError(t, s.SetMany(ctx, entries))
		assert.True(t, table.throttledWrite)
		assert.Equal(t, 3, table.batchWrites, "two chunks plus one resubmission")

		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		keys = append(keys, "missing", keys[0])
		got, err := s.GetMany(ctx, keys)
		require.NoError(t, err)
		assert.Len(t, got, 30)
		assert.True(t, table.throttledGet)

		size, err := s.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 30, size)
	})

	t.Run("should report and clear", func(t *testing.T) {
		table := newFakeTable()
		s := New(table, "graph", nil)
		require.NoError(t, s.SetMany(ctx, map[string]graphstore.Entity{"a": entity("a"), "b": entity("b"), "c": entity("c")}))

		deleted, err := s.Delete(ctx, "a")
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = s.Delete(ctx, "a")
		require.NoError(t, err)
		assert.False(t, deleted)

		require.NoError(t, s.Clear(ctx))
		size, err := s.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, size)
	})

	t.Run("should wrap client failures", func(t *testing.T) {
		table := newFakeTable()
		table.fail = errors.New("ProvisionedThroughputExceededException")
		s := New(table, "graph", nil)

		assert.ErrorIs(t, s.Set(ctx, "k", entity("1")), graphstore.ErrWriteFailed)
		_, err := s.Delete(ctx, "k")
		assert.ErrorIs(t, err, graphstore.ErrDelete)
		_, _, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, graphstore.ErrIO)
		_, err = s.Size(ctx)
		assert.ErrorIs(t, err, graphstore.ErrIO)
	})

	t.Run("should validate before calling the client", func(t *testing.T) {
		s := New(newFakeTable(), "graph", nil)
		assert.ErrorIs(t, s.Set(ctx, "", entity("1")), graphstore.ErrValidation)
		assert.ErrorIs(t, s.Set(ctx, "k", graphstore.Entity{ID: "1"}), graphstore.ErrValidation)
		_, err := s.GetMany(ctx, []string{"a", ""})
		assert.ErrorIs(t, err, graphstore.ErrValidation)
	})

	t.Run("should fail on malformed items", func(t *testing.T) {
		table := newFakeTable()
		table.items["bad"] = map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: "bad"},
			"created_at": &types.AttributeValueMemberS{Value: "yesterday"},
		}
		s := New(table, "graph", nil)
		_, _, err := s.Get(ctx, "bad")
		assert.ErrorIs(t, err, graphstore.ErrIO)
	})
}
