// Package storetest holds the behavioral tests every storage.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/storage"
)

// Run exercises s against the Store contract. s must start empty.
func Run(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "expected ErrNotFound, got %v", err)

		_, ok, err := storage.Lookup(ctx, s, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetGet", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, storage.KeyAccessToken, "A1"))
		got, err := s.Get(ctx, storage.KeyAccessToken)
		require.NoError(t, err)
		assert.Equal(t, "A1", got)

		require.NoError(t, s.Set(ctx, storage.KeyAccessToken, "A2"))
		got, err = s.Get(ctx, storage.KeyAccessToken)
		require.NoError(t, err)
		assert.Equal(t, "A2", got)
	})

	t.Run("EmptyValue", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "empty", ""))
		got, ok, err := storage.Lookup(ctx, s, "empty")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "", got)
		require.NoError(t, s.Delete(ctx, "empty"))
	})

	t.Run("SetMany", func(t *testing.T) {
		require.NoError(t, s.SetMany(ctx, map[string]string{
			storage.KeyAccessToken:  "A3",
			storage.KeyRefreshToken: "R3",
		}))
		a, err := s.Get(ctx, storage.KeyAccessToken)
		require.NoError(t, err)
		r, err := s.Get(ctx, storage.KeyRefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "A3", a)
		assert.Equal(t, "R3", r)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, storage.KeyAccessToken))
		_, err := s.Get(ctx, storage.KeyAccessToken)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// Deleting again is fine.
		require.NoError(t, s.Delete(ctx, storage.KeyAccessToken))
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, storage.CacheKey("GET /items"), "{}"))
		require.NoError(t, s.Set(ctx, storage.CacheKey("GET /items/1"), "{}"))
		require.NoError(t, s.Set(ctx, "cachet", "not a cache entry"))

		keys, err := s.List(ctx, storage.CachePrefix)
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"cache:GET /items", "cache:GET /items/1"}, keys)

		none, err := s.List(ctx, "nothing-here:")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.Set(ctx, "counter", "x")
				_, _ = s.Get(ctx, "counter")
			}()
		}
		wg.Wait()
		got, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, "x", got)
	})

	t.Run("DeleteAll", func(t *testing.T) {
		require.NoError(t, s.DeleteAll(ctx))
		keys, err := s.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, keys)
		_, err = s.Get(ctx, storage.KeyRefreshToken)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
