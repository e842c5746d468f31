package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/storage/storetest"
)

func setupRedisStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	s, err := NewStoreFromURL(context.Background(), "redis://"+mr.Addr(), opts...)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create redis store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		mr.Close()
	})
	return s, mr
}

func TestRedisStore(t *testing.T) {
	s, _ := setupRedisStore(t)
	storetest.Run(t, s)
}

func TestRedisStoreNamespace(t *testing.T) {
	s, mr := setupRedisStore(t, WithNamespace("device-1"))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, storage.KeyRefreshToken, "R1"))
	got, err := mr.Get("device-1:refresh_token")
	require.NoError(t, err)
	assert.Equal(t, "R1", got)

	// Keys outside the namespace are neither listed nor deleted.
	require.NoError(t, mr.Set("other:refresh_token", "R9"))
	keys, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{storage.KeyRefreshToken}, keys)

	require.NoError(t, s.DeleteAll(ctx))
	assert.False(t, mr.Exists("device-1:refresh_token"))
	assert.True(t, mr.Exists("other:refresh_token"))
}

func TestRedisStoreGlobPrefixIsLiteral(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, storage.CacheKey("GET /items?page=1"), "{}"))
	require.NoError(t, s.Set(ctx, storage.CacheKey("GET /itemsX"), "{}"))

	keys, err := s.List(ctx, storage.CacheKey("GET /items?"))
	require.NoError(t, err)
	assert.Equal(t, []string{"cache:GET /items?page=1"}, keys)
}

func TestRedisStoreServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s, err := NewStoreFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer s.Close()
	mr.Close()

	_, err = s.Get(context.Background(), storage.KeyAccessToken)
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}

func TestNewStoreFromURLInvalid(t *testing.T) {
	_, err := NewStoreFromURL(context.Background(), "not a url")
	assert.Error(t, err)
}
