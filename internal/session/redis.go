// ABOUTME: Redis-backed session store shared by several gateway replicas
// ABOUTME: Updates are optimistic WATCH/MULTI transactions retried on conflict

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxUpdateRetries bounds optimistic retries when another writer races on a handle
const maxUpdateRetries = 8

// ErrContention is returned when an update keeps losing the optimistic race
var ErrContention = errors.New("session update contention")

// RedisConfig for a RedisStore
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisStore keeps records as JSON values with a sliding TTL
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// NewRedisStore connects to redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "fleet:session:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *RedisStore) key(handle string) string { return s.keyPrefix + handle }

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session record: %w", err)
	}
	return &rec, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, handle string, fn UpdateFunc) error {
	if handle == "" {
		return ErrEmptyHandle
	}
	key := s.key(handle)

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			now := s.now()

			working := Record{Handle: handle, CreatedAt: now}
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				rec, err := decodeRecord(data)
				if err != nil {
					return err
				}
				working = *rec
			}

			if err := fn(&working); err != nil {
				return err
			}

			if !working.Bound() {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			working.Handle = handle
			working.TouchedAt = now
			encoded, err := json.Marshal(&working)
			if err != nil {
				return fmt.Errorf("encoding session record: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, s.ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, handle string) (*Record, error) {
	if handle == "" {
		return nil, ErrEmptyHandle
	}
	data, err := s.client.Get(ctx, s.key(handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	return decodeRecord(data)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	if err := s.client.Del(ctx, s.key(handle)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Len implements Store by scanning the key prefix.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scanning sessions: %w", err)
	}
	return n, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }

// Compile-time check that RedisStore implements Store
var _ Store = (*RedisStore)(nil)
