package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Storage is the key/value API of the storage capability.
type Storage interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (interface{}, bool, error)
	// Set stores value under key.
	Set(ctx context.Context, key string, value interface{}) (bool, error)
	// Keys lists stored keys in sorted order.
	Keys(ctx context.Context) ([]string, error)
}

// Storage grant context keys that configure the backend rather than seed
// values.
const (
	StorageBackendKey  = "backend"
	StorageRedisURLKey = "redisUrl"

	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// MemoryStorage keeps values in the isolated context's memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewMemoryStorage creates a store seeded with a copy of seed.
func NewMemoryStorage(seed map[string]interface{}) *MemoryStorage {
	values := make(map[string]interface{}, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &MemoryStorage{values: values}
}

// Get returns the value for key.
func (s *MemoryStorage) Get(_ context.Context, key string) (interface{}, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Set stores value under key.
func (s *MemoryStorage) Set(_ context.Context, key string, value interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return true, nil
}

// Keys lists stored keys.
func (s *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// RedisStorage keeps values JSON-encoded in one Redis hash per plugin.
type RedisStorage struct {
	client *redis.Client
	hash   string
}

// NewRedisStorage creates a store for pluginName on client.
func NewRedisStorage(client *redis.Client, pluginName string) *RedisStorage {
	return &RedisStorage{client: client, hash: "plughost:storage:" + pluginName}
}

// Get returns the decoded value for key.
func (s *RedisStorage) Get(ctx context.Context, key string) (interface{}, bool, error) {
	data, err := s.client.HGet(ctx, s.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage get %q: %w", key, err)
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("storage get %q: %w", key, err)
	}
	return v, true, nil
}

// Set stores the JSON encoding of value under key.
func (s *RedisStorage) Set(ctx context.Context, key string, value interface{}) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("storage set %q: %w", key, err)
	}
	if err := s.client.HSet(ctx, s.hash, key, data).Err(); err != nil {
		return false, fmt.Errorf("storage set %q: %w", key, err)
	}
	return true, nil
}

// Keys lists stored keys.
func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("storage keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Seed stores every entry of values that is not already present.
func (s *RedisStorage) Seed(ctx context.Context, values map[string]interface{}) error {
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("storage seed %q: %w", k, err)
		}
		if err := s.client.HSetNX(ctx, s.hash, k, data).Err(); err != nil {
			return fmt.Errorf("storage seed %q: %w", k, err)
		}
	}
	return nil
}
