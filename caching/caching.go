// Package caching provides a small cache surface for frequently polled
// reads, with a Redis implementation and a null fallback.
package caching

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

type CachingService interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type RedisCachingService struct {
	client *redis.Client
}

func NewRedisCachingService(client *redis.Client) *RedisCachingService {
	return &RedisCachingService{client: client}
}

func (s *RedisCachingService) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return v, err
}

func (s *RedisCachingService) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisCachingService) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// NullCachingService is used when no Redis host is configured. Every read
// is a miss and writes are discarded.
type NullCachingService struct{}

func NewNullCachingService() *NullCachingService { return &NullCachingService{} }

func (s *NullCachingService) Get(ctx context.Context, key string) (string, error) {
	return "", ErrCacheMiss
}

func (s *NullCachingService) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return nil
}

func (s *NullCachingService) Delete(ctx context.Context, key string) error {
	return nil
}
