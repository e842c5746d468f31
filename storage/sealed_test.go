package storage_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/storage/memory"
	"github.com/jmcleod/ironsession/storage/storetest"
)

func newSealed(t *testing.T) (*storage.SealedStore, *memory.Store) {
	t.Helper()
	inner := memory.NewStore()
	key, err := util.NewAESKey()
	require.NoError(t, err)
	s, err := storage.NewSealedStore(inner, key)
	require.NoError(t, err)
	return s, inner
}

func TestSealedStoreContract(t *testing.T) {
	s, _ := newSealed(t)
	storetest.Run(t, s)
}

func TestSealedStoreEncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	s, inner := newSealed(t)

	require.NoError(t, s.Set(ctx, storage.KeyRefreshToken, "R1-secret"))

	raw, err := inner.Get(ctx, storage.KeyRefreshToken)
	require.NoError(t, err)
	assert.NotContains(t, raw, "R1-secret")
	assert.True(t, strings.HasPrefix(raw, `{"ver":1`), "raw value: %s", raw)

	got, err := s.Get(ctx, storage.KeyRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "R1-secret", got)
}

func TestSealedStoreRejectsSwappedValue(t *testing.T) {
	ctx := context.Background()
	s, inner := newSealed(t)

	require.NoError(t, s.Set(ctx, storage.KeyAccessToken, "A1"))
	raw, err := inner.Get(ctx, storage.KeyAccessToken)
	require.NoError(t, err)

	// Copy the access token ciphertext under the refresh token key.
	require.NoError(t, inner.Set(ctx, storage.KeyRefreshToken, raw))
	_, err = s.Get(ctx, storage.KeyRefreshToken)
	assert.ErrorIs(t, err, storage.ErrSealedValue)
}

func TestSealedStoreGarbage(t *testing.T) {
	ctx := context.Background()
	s, inner := newSealed(t)

	require.NoError(t, inner.Set(ctx, storage.KeyUserProfile, "plaintext"))
	_, err := s.Get(ctx, storage.KeyUserProfile)
	assert.ErrorIs(t, err, storage.ErrSealedValue)
}

func TestSealedStoreFromSecret(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore()
	salt := []byte("device-1")

	a, err := storage.NewSealedStoreFromSecret(inner, []byte("correct horse"), salt)
	require.NoError(t, err)
	require.NoError(t, a.Set(ctx, storage.KeyDeviceTrustID, "dev-123"))

	// Same secret reopens.
	b, err := storage.NewSealedStoreFromSecret(inner, []byte("correct horse"), salt)
	require.NoError(t, err)
	got, err := b.Get(ctx, storage.KeyDeviceTrustID)
	require.NoError(t, err)
	assert.Equal(t, "dev-123", got)

	// A different secret does not.
	c, err := storage.NewSealedStoreFromSecret(inner, []byte("battery staple"), salt)
	require.NoError(t, err)
	_, err = c.Get(ctx, storage.KeyDeviceTrustID)
	assert.ErrorIs(t, err, storage.ErrSealedValue)

	_, err = storage.NewSealedStoreFromSecret(inner, nil, salt)
	assert.Error(t, err)
}

func TestNewSealedStoreKeySize(t *testing.T) {
	_, err := storage.NewSealedStore(memory.NewStore(), []byte("short"))
	assert.Error(t, err)
}

func TestDeleteKeys(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.SetMany(ctx, map[string]string{
		storage.KeyAccessToken:   "A1",
		storage.KeyRefreshToken:  "R1",
		storage.KeyDeviceTrustID: "D1",
	}))
	require.NoError(t, storage.DeleteKeys(ctx, s, storage.SessionKeys...))
	assert.Equal(t, 1, s.Len())
}
