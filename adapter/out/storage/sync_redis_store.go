package storage

import (
	"context"

	"github.com/redis/go-redis/v9"

	"fitsync_client/core/port/out"
	"fitsync_client/pkg/apperr"
)

// RedisStore is a KVStore over redis, used when the client runs next to a
// gateway that already carries a redis instance. Keys are namespaced so
// several clients can share one database.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Interface compliance check
var _ out.KVStore = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fitsync"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.StorageError("get "+key, err)
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	// Durable store: no TTL.
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return apperr.StorageError("set "+key, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return apperr.StorageError("remove "+key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
