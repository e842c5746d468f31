// Package storage provides the durable key-value abstraction behind the
// session controller and the offline action queue. Tokens, auxiliary flags,
// queued actions and cached responses all live in a Store.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key has never been written or was deleted.
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned by backends after Close.
	ErrClosed = errors.New("store closed")
)

// Persisted key layout.
const (
	KeyAccessToken       = "access_token"
	KeyRefreshToken      = "refresh_token"
	KeyAccessTokenExpiry = "access_token_expiry"
	KeyUserProfile       = "user_profile"
	KeyBiometricEnabled  = "biometric_enabled"
	KeyDeviceTrustID     = "device_trust_id"
	KeyOfflineQueue      = "offline_action_queue"
	KeyDeadLetters       = "offline_dead_letters"

	// CachePrefix namespaces cached GET responses.
	CachePrefix = "cache:"
)

// SessionKeys lists every key owned by the session controller. They are
// cleared together on logout or when the refresh token is rejected.
var SessionKeys = []string{KeyAccessToken, KeyRefreshToken, KeyAccessTokenExpiry, KeyUserProfile}

// Store is a durable key-value store. Every method is atomic per key;
// SetMany is atomic across all of its keys.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes all values in a single transaction.
	SetMany(ctx context.Context, values map[string]string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteAll removes every key in the store.
	DeleteAll(ctx context.Context) error
	// List returns every key that starts with prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// CacheKey returns the storage key for a cached response fingerprint.
func CacheKey(fingerprint string) string {
	return CachePrefix + fingerprint
}

// Lookup is Get with a found flag instead of ErrNotFound.
func Lookup(ctx context.Context, s Store, key string) (string, bool, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// DeleteKeys deletes each key, continuing past failures, and returns the
// first error encountered.
func DeleteKeys(ctx context.Context, s Store, keys ...string) error {
	var first error
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil && first == nil {
			first = fmt.Errorf("deleting %s: %w", k, err)
		}
	}
	return first
}
