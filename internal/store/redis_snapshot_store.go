package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/config"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// RedisSnapshotStore implements SnapshotStore for Redis
type RedisSnapshotStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisSnapshotStore creates a new Redis snapshot store and checks connectivity
func NewRedisSnapshotStore(cfg config.RedisConfig, logger *zap.Logger) (*RedisSnapshotStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisSnapshotStoreFromClient(client, logger), nil
}

// NewRedisSnapshotStoreFromClient wraps an existing client
func NewRedisSnapshotStoreFromClient(client *redis.Client, logger *zap.Logger) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, logger: logger}
}

// GetAddresses retrieves a stored address set
func (s *RedisSnapshotStore) GetAddresses(ctx context.Context, key string) ([]model.ReplicaAddress, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var addresses []model.ReplicaAddress
	if err := json.Unmarshal(data, &addresses); err != nil {
		s.logger.Warn("dropping undecodable address snapshot", zap.String("key", key), zap.Error(err))
		s.client.Del(ctx, key)
		return nil, ErrNotFound
	}
	return addresses, nil
}

// PutAddresses stores an address set with TTL
func (s *RedisSnapshotStore) PutAddresses(ctx context.Context, key string, addresses []model.ReplicaAddress, ttl time.Duration) error {
	data, err := json.Marshal(addresses)
	if err != nil {
		return fmt.Errorf("failed to marshal addresses: %w", err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// DeleteAddresses removes a stored address set
func (s *RedisSnapshotStore) DeleteAddresses(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Ping checks the Redis connection
func (s *RedisSnapshotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisSnapshotStore) Close() error {
	return s.client.Close()
}
