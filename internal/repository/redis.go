package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/redis/go-redis/v9"
)

const queueKey = "fieldsync:queue"

// RedisQueueStore persists the queue snapshot under a single key. No TTL:
// unsynced milestone updates must never expire on their own.
type RedisQueueStore struct {
	client *redis.Client
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisQueueStore(client *redis.Client) *RedisQueueStore {
	return &RedisQueueStore{client: client}
}

func (r *RedisQueueStore) Load(ctx context.Context) (*models.Queue, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	val, err := r.client.Get(ctx, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return models.NewQueue(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue from redis: %w", err)
	}

	var queue models.Queue
	if err := json.Unmarshal([]byte(val), &queue); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue: %w", err)
	}

	return &queue, nil
}

func (r *RedisQueueStore) Save(ctx context.Context, queue *models.Queue) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}

	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}

	if err := r.client.Set(ctx, queueKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set queue in redis: %w", err)
	}

	return nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
