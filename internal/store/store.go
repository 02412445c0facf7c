package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RecordCache caches raw CRM record documents by module and id.
type RecordCache interface {
	GetRecord(ctx context.Context, module, id string) ([]byte, error)
	PutRecord(ctx context.Context, module, id string, doc []byte) error
	InvalidateRecord(ctx context.Context, module, id string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// RedisStore is a RecordCache backed by Redis.
type RedisStore struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// Options configures NewRedis.
type Options struct {
	Addr     string
	DB       int
	Password string
	TTL      time.Duration // zero keeps entries until invalidated
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(opts Options, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{redis: rdb, ttl: opts.TTL, logger: logger}, nil
}

// RecordKey is the cache key of one record.
func RecordKey(module, id string) string {
	return fmt.Sprintf("sugar:record:%s:%s", module, id)
}

// GetRecord returns the cached document, or nil on a miss.
func (s *RedisStore) GetRecord(ctx context.Context, module, id string) ([]byte, error) {
	data, err := s.redis.Get(ctx, RecordKey(module, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return data, nil
}

// PutRecord stores doc under module/id.
func (s *RedisStore) PutRecord(ctx context.Context, module, id string, doc []byte) error {
	if err := s.redis.Set(ctx, RecordKey(module, id), doc, s.ttl).Err(); err != nil {
		s.logger.Warn("store.redis.put_failed",
			zap.String("module", module),
			zap.String("id", id),
			zap.Error(err))
		return err
	}
	return nil
}

// InvalidateRecord drops module/id; a missing key is not an error.
func (s *RedisStore) InvalidateRecord(ctx context.Context, module, id string) error {
	return s.redis.Del(ctx, RecordKey(module, id)).Err()
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
