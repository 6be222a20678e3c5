package graphstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("should load once even under concurrent access", func(t *testing.T) {
		var loads int
		l := NewLifecycle(true, func(context.Context) error {
			loads++
			return nil
		}, nil)
		assert.Equal(t, Uninitialized, l.State())

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, l.EnsureLoaded(ctx))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, loads)
		assert.Equal(t, Loaded, l.State())
	})

	t.Run("should retry a failed load", func(t *testing.T) {
		fail := true
		l := NewLifecycle(true, func(context.Context) error {
			if fail {
				return errors.New("unavailable")
			}
			return nil
		}, nil)

		require.Error(t, l.EnsureLoaded(ctx))
		assert.Equal(t, Uninitialized, l.State())

		fail = false
		require.NoError(t, l.EnsureLoaded(ctx))
		assert.Equal(t, Loaded, l.State())
	})

	t.Run("should persist after each write when auto-persist is on", func(t *testing.T) {
		var persists int
		l := NewLifecycle(true, nil, func(context.Context) error {
			persists++
			return nil
		})
		require.NoError(t, l.AfterWrite(ctx))
		require.NoError(t, l.AfterWrite(ctx))
		assert.Equal(t, 2, persists)
		assert.Equal(t, Active, l.State())
		assert.False(t, l.Dirty())
	})

	t.Run("should buffer writes until save when auto-persist is off", func(t *testing.T) {
		var persists int
		l := NewLifecycle(false, nil, func(context.Context) error {
			persists++
			return nil
		})
		require.NoError(t, l.AfterWrite(ctx))
		require.NoError(t, l.AfterWrite(ctx))
		assert.Zero(t, persists)
		assert.True(t, l.Dirty())

		require.NoError(t, l.Save(ctx))
		assert.Equal(t, 1, persists)
		assert.False(t, l.Dirty())

		require.NoError(t, l.Save(ctx))
		assert.Equal(t, 1, persists, "save without pending writes is a no-op")
	})

	t.Run("should stay dirty when a flush fails", func(t *testing.T) {
		l := NewLifecycle(false, nil, func(context.Context) error {
			return errors.New("read-only")
		})
		require.NoError(t, l.AfterWrite(ctx))
		assert.Error(t, l.Save(ctx))
		assert.True(t, l.Dirty())
	})

	t.Run("should name every state", func(t *testing.T) {
		assert.Equal(t, "uninitialized", Uninitialized.String())
		assert.Equal(t, "loaded", Loaded.String())
		assert.Equal(t, "active", Active.String())
	})
}

func TestLogger(t *testing.T) {
	t.Run("should return a no-op logger for nil", func(t *testing.T) {
		assert.NotNil(t, Logger(nil, true))
	})

	t.Run("should drop debug entries unless debug is set", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		base := zap.New(core)

		Logger(base, false).Debug("hidden")
		Logger(base, false).Info("shown")
		Logger(base, true).Debug("debug shown")

		var msgs []string
		for _, e := range logs.All() {
			msgs = append(msgs, e.Message)
		}
		assert.Equal(t, []string{"shown", "debug shown"}, msgs)
	})
}
