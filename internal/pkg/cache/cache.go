package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/AccessGate/internal/pkg/config"
)

var client *redis.Client

// SetupCache initializes the Redis connection used by the job queues.
func SetupCache(cfg *config.Config) *redis.Client {
	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.CacheHost, cfg.CachePort),
		Password: cfg.CachePassword,
		DB:       cfg.CacheDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to Redis: %v", err)
	} else {
		log.Infof("[Cache] Connected to Redis: %s", pong)
	}
	return client
}

// GetClient returns the Redis client instance.
func GetClient() *redis.Client {
	return client
}

// SetClient replaces the process-wide client (tests, CLI).
func SetClient(c *redis.Client) {
	client = c
}

// Ping reports whether Redis answers within the given context.
func Ping(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return client.Ping(ctx).Err()
}
