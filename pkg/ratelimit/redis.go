package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage shares penalty state across worker processes. Entries
// expire on their own after the retention window so abandoned ids do not
// accumulate.
type RedisStorage struct {
	Client    *redis.Client
	Prefix    string
	Retention time.Duration
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{Client: client, Prefix: "pkd:rl:", Retention: 24 * time.Hour}
}

func (s *RedisStorage) key(dim Dimension, id string) string {
	return s.Prefix + string(dim) + ":" + id
}

func (s *RedisStorage) Get(ctx context.Context, dim Dimension, id string) (Data, bool, error) {
	raw, err := s.Client.Get(ctx, s.key(dim, id)).Result()
	if errors.Is(err, redis.Nil) {
		return Data{}, false, nil
	}
	if err != nil {
		return Data{}, false, fmt.Errorf("ratelimit get: %w", err)
	}
	var d Data
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Data{}, false, fmt.Errorf("ratelimit decode: %w", err)
	}
	return d, true, nil
}

func (s *RedisStorage) Put(ctx context.Context, dim Dimension, id string, d Data) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := s.Client.Set(ctx, s.key(dim, id), string(raw), s.Retention).Err(); err != nil {
		return fmt.Errorf("ratelimit put: %w", err)
	}
	return nil
}

func (s *RedisStorage) Del(ctx context.Context, dim Dimension, id string) error {
	if err := s.Client.Del(ctx, s.key(dim, id)).Err(); err != nil {
		return fmt.Errorf("ratelimit del: %w", err)
	}
	return nil
}
