package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fgrzl/graphstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func doc(id string) graphstore.Entity {
	return graphstore.Entity{ID: id, Type: "doc", Properties: map[string]any{"id": id}}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { client.Close() })

	left, err := New(client, "left:", zaptest.NewLogger(t))
	require.NoError(t, err)
	right, err := New(client, "right:", nil)
	require.NoError(t, err)

	t.Run("should store under the prefix", func(t *testing.T) {
		require.NoError(t, left.Set(ctx, "k", doc("1")))
		assert.True(t, m.Exists("left:k"))
		assert.False(t, m.Exists("right:k"))
	})

	t.Run("should isolate prefixes", func(t *testing.T) {
		require.NoError(t, right.SetMany(ctx, map[string]graphstore.Entity{"a": doc("a"), "b": doc("b")}))

		size, err := left.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, size)

		require.NoError(t, left.Clear(ctx))
		size, err = right.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, size)
		assert.False(t, m.Exists("left:k"))
	})

	t.Run("should report deletes", func(t *testing.T) {
		deleted, err := right.Delete(ctx, "a")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = right.Delete(ctx, "a")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("should fail on a corrupted value", func(t *testing.T) {
		require.NoError(t, m.Set("left:broken", "{oops"))
		_, _, err := left.Get(ctx, "broken")
		assert.ErrorIs(t, err, graphstore.ErrIO)
	})

	t.Run("should escape glob characters in the prefix", func(t *testing.T) {
		star, err := New(client, "st*r:", nil)
		require.NoError(t, err)
		assert.Equal(t, `st\*r:*`, star.matchAll())

		require.NoError(t, star.Set(ctx, "k", doc("1")))
		assert.True(t, m.Exists("st*r:k"))
	})

	t.Run("should refuse an empty prefix", func(t *testing.T) {
		require.NoError(t, m.Set("session:foreign", "keep"))

		s, err := New(client, "", nil)
		assert.ErrorIs(t, err, graphstore.ErrValidation)
		assert.Nil(t, s)

		fresh, err := New(client, "fresh:", nil)
		require.NoError(t, err)
		size, err := fresh.Size(ctx)
		require.NoError(t, err)
		assert.Zero(t, size)
		require.NoError(t, fresh.Clear(ctx))
		assert.True(t, m.Exists("session:foreign"))
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("should connect and ping", func(t *testing.T) {
		m := miniredis.RunT(t)
		s, err := Open(ctx, Config{Addr: m.Addr(), Prefix: "gs:"}, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.Set(ctx, "k", doc("1")))
		assert.True(t, m.Exists("gs:k"))
	})

	t.Run("should report an unreachable server", func(t *testing.T) {
		m := miniredis.RunT(t)
		addr := m.Addr()
		m.Close()

		_, err := Open(ctx, Config{Addr: addr, Prefix: "gs:"}, nil)
		assert.ErrorIs(t, err, graphstore.ErrIO)
	})

	t.Run("should refuse an empty prefix before connecting", func(t *testing.T) {
		m := miniredis.RunT(t)
		require.NoError(t, m.Set("session:foreign", "keep"))

		s, err := Open(ctx, Config{Addr: m.Addr()}, nil)
		assert.ErrorIs(t, err, graphstore.ErrValidation)
		assert.Nil(t, s)
		assert.True(t, m.Exists("session:foreign"))
	})
}
