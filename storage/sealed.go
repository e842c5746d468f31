package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironsession/internal/util"
)

const (
	sealedAADLabel = "STOREVALUE"
	sealedHKDFInfo = "ironsession/store-key/v1"
)

// ErrSealedValue is returned when a stored value cannot be opened with the
// current key.
var ErrSealedValue = errors.New("sealed value could not be opened")

// SealedStore wraps a Store and encrypts every value at rest. Keys stay in
// plaintext so prefix listing keeps working. Each value is bound to its key
// through the AAD, so a ciphertext moved under another key will not open.
type SealedStore struct {
	inner Store
	key   *memguard.Enclave
}

var _ Store = (*SealedStore)(nil)

// NewSealedStore wraps inner using a 32-byte AES key. The key bytes are moved
// into an enclave and wiped from the caller's slice.
func NewSealedStore(inner Store, key []byte) (*SealedStore, error) {
	if len(key) != util.AESKeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", util.AESKeySize, len(key))
	}
	return &SealedStore{inner: inner, key: memguard.NewEnclave(key)}, nil
}

// NewSealedStoreFromSecret derives the sealing key from a device secret with
// HKDF-SHA256. The same secret and salt always yield the same key.
func NewSealedStoreFromSecret(inner Store, secret, salt []byte) (*SealedStore, error) {
	key, err := util.DeriveKey(secret, salt, sealedHKDFInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving sealing key: %w", err)
	}
	return NewSealedStore(inner, key)
}

// Inner returns the wrapped store.
func (s *SealedStore) Inner() Store {
	return s.inner
}

// aadFor binds a value to its key. Each part is length prefixed so distinct
// (label, key) pairs never produce the same bytes.
func aadFor(key string) []byte {
	var res []byte
	res = appendLenPrefix(res, []byte(sealedAADLabel))
	res = appendLenPrefix(res, []byte(key))
	return binary.BigEndian.AppendUint32(res, envelopeVersion)
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}

func (s *SealedStore) seal(key, value string) (string, error) {
	buf, err := s.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	env, err := SealRecord(buf.Bytes(), []byte(value), aadFor(key))
	if err != nil {
		return "", fmt.Errorf("sealing %s: %w", key, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *SealedStore) open(key, sealed string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		return "", fmt.Errorf("%s: %w: %v", key, ErrSealedValue, err)
	}
	buf, err := s.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	plain, err := OpenRecord(buf.Bytes(), &env, aadFor(key))
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", key, ErrSealedValue, err)
	}
	return string(plain), nil
}

func (s *SealedStore) Get(ctx context.Context, key string) (string, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return s.open(key, sealed)
}

func (s *SealedStore) Set(ctx context.Context, key, value string) error {
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *SealedStore) SetMany(ctx context.Context, values map[string]string) error {
	sealed := make(map[string]string, len(values))
	for k, v := range values {
		sv, err := s.seal(k, v)
		if err != nil {
			return err
		}
		sealed[k] = sv
	}
	return s.inner.SetMany(ctx, sealed)
}

func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *SealedStore) DeleteAll(ctx context.Context) error {
	return s.inner.DeleteAll(ctx)
}

func (s *SealedStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}
