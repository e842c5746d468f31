// Package redis provides a Redis-backed storage.Store. Keys are namespaced so
// several clients can share one Redis database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jmcleod/ironsession/storage"
)

const (
	defaultNamespace = "ironsession"
	scanCount        = 256
)

// Store implements storage.Store on top of a go-redis client.
type Store struct {
	client    *redis.Client
	namespace string
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithNamespace sets the key namespace. Every stored key is written as
// "<namespace>:<key>".
func WithNamespace(ns string) Option {
	return func(s *Store) {
		s.namespace = ns
	}
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, namespace: defaultNamespace}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStoreFromURL parses a redis:// URL, connects and pings the server.
func NewStoreFromURL(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	o.DialTimeout = 5 * time.Second
	o.ReadTimeout = 3 * time.Second
	o.WriteTimeout = 3 * time.Second

	client := redis.NewClient(o)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewStore(client, opts...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(k string) string {
	return s.namespace + ":" + k
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *Store) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range values {
			p.Set(ctx, s.key(k), v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis multi-set failed: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// scan returns every namespaced key whose unprefixed form starts with prefix.
// Matching is done client-side so prefixes containing glob characters are
// taken literally.
func (s *Store) scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	ns := s.namespace + ":"
	iter := s.client.Scan(ctx, 0, ns+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if strings.HasPrefix(k[len(ns):], prefix) {
			keys = append(keys, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return keys, nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	keys, err := s.scan(ctx, "")
	if err != nil {
		return err
	}
	for len(keys) > 0 {
		n := min(len(keys), scanCount)
		if err := s.client.Del(ctx, keys[:n]...).Err(); err != nil {
			return fmt.Errorf("redis del failed: %w", err)
		}
		keys = keys[n:]
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ns := len(s.namespace) + 1
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k[ns:]
	}
	return out, nil
}
