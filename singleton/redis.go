package singleton

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"feedrelay/config"
)

var (
	mu          sync.Mutex
	redisClient *redis.Client
)

// Init creates the process-wide Redis client. It is safe to call more
// than once; later calls return the already initialized client.
func Init(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	mu.Lock()
	defer mu.Unlock()

	if redisClient != nil {
		return redisClient, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	redisClient = client
	return redisClient, nil
}

// GetRedisClient returns the shared client, or nil before Init.
func GetRedisClient() *redis.Client {
	mu.Lock()
	defer mu.Unlock()
	return redisClient
}

// Close tears the shared client down. Called on shutdown.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if redisClient == nil {
		return nil
	}
	err := redisClient.Close()
	redisClient = nil
	return err
}
